package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xKirisame/hokori/internal/diag"
	"github.com/0xKirisame/hokori/internal/policy"
	"github.com/0xKirisame/hokori/internal/recency"
	"github.com/0xKirisame/hokori/internal/snapshot"
	"github.com/0xKirisame/hokori/internal/taxonomy"
)

var refNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	adminArn  = "arn:aws:iam::aws:policy/AdministratorAccess"
	s3ReadArn = "arn:aws:iam::111122223333:policy/S3Read"
	dynamoArn = "arn:aws:iam::111122223333:policy/DynamoWrite"
	sqsArn    = "arn:aws:iam::111122223333:policy/SQSRead"
)

func ago(days int) string { return refNow.AddDate(0, 0, -days).Format(time.RFC3339) }

func managed(t *testing.T, arn, action string) snapshot.ManagedPolicy {
	t.Helper()
	doc, err := policy.Parse(fmt.Sprintf(`{"Statement":[{"Effect":"Allow","Action":%q,"Resource":"*"}]}`, action))
	require.NoError(t, err)
	return snapshot.ManagedPolicy{
		Arn:               arn,
		AttachmentCount:   1,
		PolicyVersionList: []snapshot.PolicyVersion{{VersionID: "v1", IsDefaultVersion: true, Document: *doc}},
	}
}

func ref(arn string) snapshot.AttachedPolicy {
	return snapshot.AttachedPolicy{PolicyArn: arn}
}

func user(name string, policies []snapshot.AttachedPolicy, groups []string, access []snapshot.ServiceAccess) snapshot.User {
	if policies == nil {
		policies = []snapshot.AttachedPolicy{}
	}
	if groups == nil {
		groups = []string{}
	}
	return snapshot.User{UserName: name, AttachedManagedPolicies: policies, GroupList: groups, LastAccessed: access}
}

func fixture(t *testing.T) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Policies: []snapshot.ManagedPolicy{
			managed(t, adminArn, "*"),
			managed(t, s3ReadArn, "s3:GetObject"),
			managed(t, dynamoArn, "dynamodb:PutItem"),
			managed(t, sqsArn, "sqs:ReceiveMessage"),
		},
		Groups: []snapshot.Group{
			{GroupName: "admins", AttachedManagedPolicies: []snapshot.AttachedPolicy{ref(adminArn)}},
			{GroupName: "data", AttachedManagedPolicies: []snapshot.AttachedPolicy{ref(dynamoArn), ref(s3ReadArn)}},
		},
		Users: []snapshot.User{
			user("alice", []snapshot.AttachedPolicy{ref(adminArn)}, nil, []snapshot.ServiceAccess{}),
			user("bob", []snapshot.AttachedPolicy{ref(s3ReadArn)}, nil, []snapshot.ServiceAccess{}),
			user("carol", []snapshot.AttachedPolicy{ref(dynamoArn)}, nil,
				[]snapshot.ServiceAccess{{ServiceNamespace: "dynamodb", LastAccessed: ago(5)}}),
			user("dave", nil, []string{"admins"}, nil),
			user("erin", []snapshot.AttachedPolicy{ref(s3ReadArn)}, []string{"data"},
				[]snapshot.ServiceAccess{
					{ServiceNamespace: "dynamodb", LastAccessed: ago(200)},
					{ServiceNamespace: "sqs", LastAccessed: ago(1)},
				}),
			user("frank", nil, nil, []snapshot.ServiceAccess{}),
			user("ghost", []snapshot.AttachedPolicy{ref(dynamoArn)}, nil,
				[]snapshot.ServiceAccess{{ServiceNamespace: "dynamodb", LastAccessed: ago(1)}}),
		},
	}
}

func testTable() *taxonomy.Table {
	return taxonomy.New(map[string]map[string]taxonomy.AccessLevel{
		"s3":       {"GetObject": taxonomy.LevelRead},
		"dynamodb": {"PutItem": taxonomy.LevelWrite},
		"sqs":      {"ReceiveMessage": taxonomy.LevelRead},
	})
}

func classify(t *testing.T, s *snapshot.Snapshot, opts Options, unused map[string]bool) (*Result, error) {
	t.Helper()
	c := diag.NewCollector(nil)
	cl := New(opts, recency.NewResolver(refNow), policy.NewAnalyzer(nil, c), taxonomy.NewResolver(testTable(), false, c), c, nil)
	return cl.Run(context.Background(), snapshot.NewIndex(s), unused)
}

func defaultOpts() Options {
	return Options{ThresholdDays: 90, AdminPolicyArn: adminArn, Workers: 4}
}

func TestClassifierScenarios(t *testing.T) {
	res, err := classify(t, fixture(t), defaultOpts(), map[string]bool{"ghost": true})
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "dave"}, res.Admins, "direct and group-inherited admin policy")
	assert.Equal(t, []string{"carol"}, res.Powerusers.Users)
	assert.Equal(t, []string{"bob", "erin"}, res.ReadOnly)
	assert.Equal(t, []string{"frank"}, res.UnchangedUsers)

	assert.Equal(t, TierAdmin, res.TierOf("alice"))
	assert.Equal(t, TierReadOnly, res.TierOf("bob"))
	assert.Equal(t, TierPowerUser, res.TierOf("carol"))
	assert.Equal(t, Tier(""), res.TierOf("ghost"), "unused users are not classified")
}

func TestPolicyPopularity(t *testing.T) {
	res, err := classify(t, fixture(t), defaultOpts(), nil)
	require.NoError(t, err)

	// s3:GetObject is a blind spot so S3Read is in use for bob and erin
	// (erin's direct and group-inherited attachments count once).
	// DynamoWrite is in use for carol and ghost; erin's dynamodb use is stale.
	assert.Equal(t, []PolicyUsage{
		{PolicyArn: dynamoArn, Users: 2},
		{PolicyArn: s3ReadArn, Users: 2},
	}, res.PolicyUsage)
	assert.Equal(t, []string{dynamoArn, s3ReadArn}, res.Powerusers.Policies)

	opts := defaultOpts()
	opts.MaxRecommendedPolicies = 1
	res, err = classify(t, fixture(t), opts, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{dynamoArn}, res.Powerusers.Policies)
	assert.Len(t, res.PolicyUsage, 2)
}

func TestAdminWithoutUsage(t *testing.T) {
	s := fixture(t)
	s.Users = []snapshot.User{user("alice", []snapshot.AttachedPolicy{ref(adminArn)}, nil, nil)}
	res, err := classify(t, s, defaultOpts(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, res.Admins)
}

func TestDetachments(t *testing.T) {
	s := fixture(t)
	s.Users = []snapshot.User{user("erin", []snapshot.AttachedPolicy{ref(s3ReadArn)}, []string{"data"}, []snapshot.ServiceAccess{})}
	s.Users[0].UserPolicyList = []snapshot.InlinePolicy{{PolicyName: "scratch"}}

	res, err := classify(t, s, defaultOpts(), nil)
	require.NoError(t, err)
	assert.Equal(t, []Detachment{
		{UserName: "erin", EntityType: EntityManagedPolicy, EntityID: s3ReadArn},
		{UserName: "erin", EntityType: EntityGroup, EntityID: "data"},
		{UserName: "erin", EntityType: EntityUserPolicy, EntityID: "scratch"},
	}, res.Detachments)
}

func TestClassifierInconsistentSnapshot(t *testing.T) {
	s := fixture(t)
	s.Users[1].GroupList = []string{"missing"}
	_, err := classify(t, s, defaultOpts(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, snapshot.ErrInconsistent))

	s = fixture(t)
	s.Policies = s.Policies[:1]
	_, err = classify(t, s, defaultOpts(), nil)
	assert.True(t, errors.Is(err, snapshot.ErrInconsistent))
}

func TestClassifierIdempotent(t *testing.T) {
	s := fixture(t)
	var outputs []string
	for i := 0; i < 3; i++ {
		res, err := classify(t, s, defaultOpts(), map[string]bool{"ghost": true})
		require.NoError(t, err)
		b, err := json.Marshal(res)
		require.NoError(t, err)
		outputs = append(outputs, string(b))
	}
	assert.Equal(t, outputs[0], outputs[1])
	assert.Equal(t, outputs[1], outputs[2])
}

func TestClassifierSingleWorkerMatchesParallel(t *testing.T) {
	serial := defaultOpts()
	serial.Workers = 1
	a, err := classify(t, fixture(t), serial, nil)
	require.NoError(t, err)
	b, err := classify(t, fixture(t), defaultOpts(), nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
