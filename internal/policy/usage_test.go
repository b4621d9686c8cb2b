package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(t *testing.T, raw string) *Document {
	t.Helper()
	d, err := Parse(raw)
	require.NoError(t, err)
	return d
}

func TestIsUnused_DenyAlwaysInUse(t *testing.T) {
	a := NewAnalyzer(nil, nil)
	d := doc(t, `{"Statement":[
		{"Effect":"Allow","Action":"dynamodb:PutItem","Resource":"*"},
		{"Effect":"Deny","Action":"dynamodb:DeleteTable","Resource":"*"}]}`)

	for _, used := range [][]string{nil, {}, {"ec2"}, {"dynamodb"}} {
		assert.False(t, a.IsUnused(d, used), "deny policy must never be unused (used=%v)", used)
	}
}

func TestIsUnused_NotActionAlwaysInUse(t *testing.T) {
	a := NewAnalyzer(nil, nil)
	d := doc(t, `{"Statement":[{"Effect":"Allow","NotAction":"iam:*","Resource":"*"}]}`)
	assert.False(t, a.IsUnused(d, nil))
}

func TestIsUnused_BlindSpots(t *testing.T) {
	a := NewAnalyzer(nil, nil)

	tests := []struct {
		name string
		raw  string
	}{
		{"get object", `{"Statement":[{"Effect":"Allow","Action":"s3:GetObject","Resource":"*"}]}`},
		{"put object list", `{"Statement":[{"Effect":"Allow","Action":["s3:PutObject","iam:PassRole"],"Resource":"*"}]}`},
		{"wildcard covering blind spot", `{"Statement":[{"Effect":"Allow","Action":"s3:Get*","Resource":"*"}]}`},
		{"mixed with other service", `{"Statement":[{"Effect":"Allow","Action":["sqs:SendMessage","iam:PassRole"],"Resource":"*"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, a.IsUnused(doc(t, tt.raw), nil))
		})
	}
}

func TestIsUnused_ServiceIntersection(t *testing.T) {
	a := NewAnalyzer(nil, nil)
	d := doc(t, `{"Statement":[{"Effect":"Allow","Action":["dynamodb:PutItem","sqs:SendMessage"],"Resource":"*"}]}`)

	assert.True(t, a.IsUnused(d, nil))
	assert.True(t, a.IsUnused(d, []string{"ec2", "s3"}))
	assert.False(t, a.IsUnused(d, []string{"sqs"}))
	assert.False(t, a.IsUnused(d, []string{"DynamoDB"}))
}

func TestIsUnused_ServiceWildcard(t *testing.T) {
	a := NewAnalyzer([]string{}, nil)
	d := doc(t, `{"Statement":[{"Effect":"Allow","Action":"*","Resource":"*"}]}`)

	assert.True(t, a.IsUnused(d, nil), "nothing used means even * is unused")
	assert.False(t, a.IsUnused(d, []string{"lambda"}))
}

func TestIsUnused_CustomBlindSpots(t *testing.T) {
	a := NewAnalyzer([]string{"kms:Decrypt"}, nil)
	assert.False(t, a.IsUnused(doc(t, `{"Statement":[{"Effect":"Allow","Action":"kms:Decrypt","Resource":"*"}]}`), nil))
	assert.True(t, a.IsUnused(doc(t, `{"Statement":[{"Effect":"Allow","Action":"s3:GetObject","Resource":"*"}]}`), nil))
	assert.True(t, a.IsBlindSpot("kms:*"))
}
