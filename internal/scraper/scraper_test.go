package scraper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/0xKirisame/hokori/internal/metrics"
	"github.com/0xKirisame/hokori/internal/snapshot"
)

const acct = "arn:aws:iam::111122223333"

var lastUsed = time.Date(2024, 5, 20, 8, 0, 0, 0, time.UTC)

func encode(doc string) *string {
	return aws.String(url.QueryEscape(doc))
}

type fakeSTS struct {
	arn string
}

func (f *fakeSTS) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{Account: aws.String("111122223333"), Arn: aws.String(f.arn)}, nil
}

type fakeIAM struct {
	mu          sync.Mutex
	reportCalls int
	jobs        map[string]string // job id -> principal arn
	polls       map[string]int
	failJobs    map[string]bool // principal arn -> job fails
}

func newFakeIAM() *fakeIAM {
	return &fakeIAM{
		jobs:     map[string]string{},
		polls:    map[string]int{},
		failJobs: map[string]bool{},
	}
}

func (f *fakeIAM) GetAccountAuthorizationDetails(ctx context.Context, params *iam.GetAccountAuthorizationDetailsInput, optFns ...func(*iam.Options)) (*iam.GetAccountAuthorizationDetailsOutput, error) {
	return &iam.GetAccountAuthorizationDetailsOutput{
		UserDetailList: []types.UserDetail{
			{
				UserName:  aws.String("alice"),
				Arn:       aws.String(acct + ":user/alice"),
				GroupList: []string{"devs"},
				AttachedManagedPolicies: []types.AttachedPolicy{
					{PolicyName: aws.String("S3Read"), PolicyArn: aws.String(acct + ":policy/S3Read")},
				},
				UserPolicyList: []types.PolicyDetail{
					{PolicyName: aws.String("inline"), PolicyDocument: encode(`{"Version":"2012-10-17","Statement":{"Effect":"Allow","Action":"sqs:SendMessage","Resource":"*"}}`)},
					{PolicyName: aws.String("broken"), PolicyDocument: aws.String("%7Bnot-json")},
				},
			},
			{UserName: aws.String("bob"), Arn: aws.String(acct + ":user/bob")},
		},
		RoleDetailList: []types.RoleDetail{
			{RoleName: aws.String("app"), Arn: aws.String(acct + ":role/app"), Path: aws.String("/")},
			{RoleName: aws.String("scanner"), Arn: aws.String(acct + ":role/scanner"), Path: aws.String("/")},
			{RoleName: aws.String("AWSServiceRoleForSupport"), Arn: aws.String(acct + ":role/aws-service-role/support.amazonaws.com/AWSServiceRoleForSupport"), Path: aws.String("/aws-service-role/support.amazonaws.com/")},
		},
		GroupDetailList: []types.GroupDetail{
			{GroupName: aws.String("devs"), Arn: aws.String(acct + ":group/devs")},
		},
		Policies: []types.ManagedPolicyDetail{
			{
				PolicyName:       aws.String("S3Read"),
				Arn:              aws.String(acct + ":policy/S3Read"),
				DefaultVersionId: aws.String("v2"),
				AttachmentCount:  aws.Int32(1),
				IsAttachable:     true,
				PolicyVersionList: []types.PolicyVersion{
					{VersionId: aws.String("v1"), Document: encode(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":"s3:*","Resource":"*"}]}`)},
					{VersionId: aws.String("v2"), IsDefaultVersion: true, Document: encode(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":["s3:GetObject"],"Resource":"*"}]}`)},
				},
			},
		},
	}, nil
}

func (f *fakeIAM) GenerateCredentialReport(ctx context.Context, params *iam.GenerateCredentialReportInput, optFns ...func(*iam.Options)) (*iam.GenerateCredentialReportOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reportCalls++
	if f.reportCalls == 1 {
		return &iam.GenerateCredentialReportOutput{State: types.ReportStateTypeStarted}, nil
	}
	return &iam.GenerateCredentialReportOutput{State: types.ReportStateTypeComplete}, nil
}

func (f *fakeIAM) GetCredentialReport(ctx context.Context, params *iam.GetCredentialReportInput, optFns ...func(*iam.Options)) (*iam.GetCredentialReportOutput, error) {
	csv := "user,arn,password_enabled,password_last_used,mfa_active,access_key_1_active,access_key_1_last_used_date,access_key_2_active,access_key_2_last_used_date\n" +
		"<root_account>,arn:aws:iam::111122223333:root,not_supported,2024-05-01T00:00:00+00:00,true,false,N/A,false,N/A\n" +
		"alice,arn:aws:iam::111122223333:user/alice,true,2024-05-30T10:00:00+00:00,true,true,2024-05-29T10:00:00+00:00,false,N/A\n" +
		"bob,arn:aws:iam::111122223333:user/bob,false,N/A,false,false,N/A,false,N/A\n"
	return &iam.GetCredentialReportOutput{Content: []byte(csv)}, nil
}

func (f *fakeIAM) GenerateServiceLastAccessedDetails(ctx context.Context, params *iam.GenerateServiceLastAccessedDetailsInput, optFns ...func(*iam.Options)) (*iam.GenerateServiceLastAccessedDetailsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "job-" + aws.ToString(params.Arn)
	f.jobs[id] = aws.ToString(params.Arn)
	return &iam.GenerateServiceLastAccessedDetailsOutput{JobId: aws.String(id)}, nil
}

func (f *fakeIAM) GetServiceLastAccessedDetails(ctx context.Context, params *iam.GetServiceLastAccessedDetailsInput, optFns ...func(*iam.Options)) (*iam.GetServiceLastAccessedDetailsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(params.JobId)
	arn := f.jobs[id]
	f.polls[id]++

	if f.failJobs[arn] {
		return &iam.GetServiceLastAccessedDetailsOutput{
			JobStatus: types.JobStatusTypeFailed,
			Error:     &types.ErrorDetails{Code: aws.String("Throttled"), Message: aws.String("try later")},
		}, nil
	}
	if f.polls[id] == 1 {
		return &iam.GetServiceLastAccessedDetailsOutput{JobStatus: types.JobStatusTypeInProgress}, nil
	}

	out := &iam.GetServiceLastAccessedDetailsOutput{JobStatus: types.JobStatusTypeCompleted}
	if arn == acct+":user/alice" {
		if params.Marker == nil {
			out.ServicesLastAccessed = []types.ServiceLastAccessed{
				{ServiceName: aws.String("Amazon S3"), ServiceNamespace: aws.String("s3"), LastAuthenticated: &lastUsed, TotalAuthenticatedEntities: aws.Int32(1)},
				{ServiceName: aws.String("Amazon EC2"), ServiceNamespace: aws.String("ec2"), TotalAuthenticatedEntities: aws.Int32(0)},
			}
			out.Marker = aws.String("page-2")
		} else {
			out.ServicesLastAccessed = []types.ServiceLastAccessed{
				{ServiceName: aws.String("Amazon SQS"), ServiceNamespace: aws.String("sqs"), LastAuthenticated: &lastUsed, TotalAuthenticatedEntities: aws.Int32(2)},
			}
		}
	}
	return out, nil
}

func (f *fakeIAM) GetLoginProfile(ctx context.Context, params *iam.GetLoginProfileInput, optFns ...func(*iam.Options)) (*iam.GetLoginProfileOutput, error) {
	if aws.ToString(params.UserName) == "alice" {
		return &iam.GetLoginProfileOutput{}, nil
	}
	return nil, &types.NoSuchEntityException{Message: aws.String("login profile not found")}
}

func newTestScraper(ic iamClient) (*Scraper, *metrics.Metrics) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := newScraper(ic, &fakeSTS{arn: "arn:aws:sts::111122223333:assumed-role/scanner/hokori"}, 3, log, m)
	s.poll = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5)
	}
	s.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s, m
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var pb dto.Metric
	if err := g.Write(&pb); err != nil {
		t.Fatal(err)
	}
	return pb.GetGauge().GetValue()
}

func TestSnapshot(t *testing.T) {
	ic := newFakeIAM()
	ic.failJobs[acct+":user/bob"] = true
	s, m := newTestScraper(ic)

	snap, err := s.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}

	if snap.AccountID != "111122223333" {
		t.Errorf("unexpected account id %q", snap.AccountID)
	}
	if err := snap.Validate(); err != nil {
		t.Errorf("captured snapshot does not validate: %v", err)
	}

	if len(snap.Roles) != 1 || snap.Roles[0].RoleName != "app" {
		t.Fatalf("expected only role app (service-linked and caller role dropped), got %+v", snap.Roles)
	}
	if !snap.Roles[0].Scanned() || len(snap.Roles[0].LastAccessed) != 0 {
		t.Errorf("role with no activity should be scanned with empty data, got %v", snap.Roles[0].LastAccessed)
	}

	alice, bob := snap.Users[0], snap.Users[1]
	if !alice.LoginProfileExists || bob.LoginProfileExists {
		t.Errorf("login profiles: alice=%v bob=%v", alice.LoginProfileExists, bob.LoginProfileExists)
	}
	want := []snapshot.ServiceAccess{
		{ServiceNamespace: "s3", LastAccessed: "2024-05-20T08:00:00Z"},
		{ServiceNamespace: "sqs", LastAccessed: "2024-05-20T08:00:00Z"},
	}
	if len(alice.LastAccessed) != len(want) {
		t.Fatalf("alice last accessed = %+v, want %+v", alice.LastAccessed, want)
	}
	for i := range want {
		if alice.LastAccessed[i] != want[i] {
			t.Errorf("alice last accessed[%d] = %+v, want %+v", i, alice.LastAccessed[i], want[i])
		}
	}
	if bob.Scanned() {
		t.Error("failed job should leave bob unscanned")
	}

	if len(alice.UserPolicyList) != 1 || alice.UserPolicyList[0].PolicyName != "inline" {
		t.Errorf("expected unparsable inline policy to be skipped, got %+v", alice.UserPolicyList)
	}

	doc, ok := snap.Policies[0].DefaultDocument()
	if !ok || doc.Statement[0].Action[0] != "s3:GetObject" {
		t.Errorf("unexpected default document %+v", doc)
	}

	if len(snap.CredentialReport) != 3 {
		t.Fatalf("expected 3 credential rows, got %d", len(snap.CredentialReport))
	}
	if !snap.CredentialReport[1].AccessKey1Active || snap.CredentialReport[2].PasswordLastUsed != "" {
		t.Errorf("unexpected credential rows %+v", snap.CredentialReport)
	}

	if got := gaugeValue(t, m.PrincipalsScraped.WithLabelValues("user")); got != 2 {
		t.Errorf("principals scraped (user) = %v, want 2", got)
	}
}

type failingSTS struct{}

func (failingSTS) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return nil, errors.New("expired token")
}

func TestSnapshotCallerIdentityError(t *testing.T) {
	s, _ := newTestScraper(newFakeIAM())
	s.sts = failingSTS{}
	if _, err := s.Snapshot(context.Background()); err == nil {
		t.Fatal("expected error when caller identity is unavailable")
	}
}

func TestLoginProfileExistsPropagatesOtherErrors(t *testing.T) {
	s, _ := newTestScraper(&accessDeniedIAM{newFakeIAM()})
	if _, err := s.loginProfileExists(context.Background(), "carol"); err == nil {
		t.Fatal("expected non-NoSuchEntity error to be returned")
	}
}

type accessDeniedIAM struct {
	*fakeIAM
}

func (f *accessDeniedIAM) GetLoginProfile(ctx context.Context, params *iam.GetLoginProfileInput, optFns ...func(*iam.Options)) (*iam.GetLoginProfileOutput, error) {
	return nil, errors.New("AccessDenied")
}

func TestWithoutCallerRole(t *testing.T) {
	roles := func() []snapshot.Role {
		return []snapshot.Role{{RoleName: "a"}, {RoleName: "scanner"}, {RoleName: "b"}}
	}

	tests := []struct {
		name     string
		identity string
		want     int
	}{
		{"assumed role", "arn:aws:sts::111122223333:assumed-role/scanner/session", 2},
		{"iam user", "arn:aws:iam::111122223333:user/scanner", 3},
		{"other role", "arn:aws:sts::111122223333:assumed-role/other/session", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := withoutCallerRole(roles(), tt.identity)
			if len(got) != tt.want {
				t.Errorf("withoutCallerRole() kept %d roles, want %d", len(got), tt.want)
			}
		})
	}
}
