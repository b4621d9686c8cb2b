package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"

	"github.com/0xKirisame/hokori/internal/config"
	"github.com/0xKirisame/hokori/internal/metrics"
	"github.com/0xKirisame/hokori/internal/policy"
	"github.com/0xKirisame/hokori/internal/snapshot"
)

// errNotReady marks an asynchronous IAM job that has not finished yet.
var errNotReady = errors.New("job not ready")

// iamClient is the subset of the AWS IAM client we use (for easy testing).
type iamClient interface {
	GetAccountAuthorizationDetails(ctx context.Context, params *iam.GetAccountAuthorizationDetailsInput, optFns ...func(*iam.Options)) (*iam.GetAccountAuthorizationDetailsOutput, error)
	GenerateCredentialReport(ctx context.Context, params *iam.GenerateCredentialReportInput, optFns ...func(*iam.Options)) (*iam.GenerateCredentialReportOutput, error)
	GetCredentialReport(ctx context.Context, params *iam.GetCredentialReportInput, optFns ...func(*iam.Options)) (*iam.GetCredentialReportOutput, error)
	GenerateServiceLastAccessedDetails(ctx context.Context, params *iam.GenerateServiceLastAccessedDetailsInput, optFns ...func(*iam.Options)) (*iam.GenerateServiceLastAccessedDetailsOutput, error)
	GetServiceLastAccessedDetails(ctx context.Context, params *iam.GetServiceLastAccessedDetailsInput, optFns ...func(*iam.Options)) (*iam.GetServiceLastAccessedDetailsOutput, error)
	GetLoginProfile(ctx context.Context, params *iam.GetLoginProfileInput, optFns ...func(*iam.Options)) (*iam.GetLoginProfileOutput, error)
}

type stsClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Scraper captures IAM snapshots of the account the credentials belong to.
type Scraper struct {
	iam     iamClient
	sts     stsClient
	workers int
	log     *slog.Logger
	metrics *metrics.Metrics
	// poll builds the retry schedule for asynchronous IAM jobs.
	poll func() backoff.BackOff
	now  func() time.Time
}

// New creates a Scraper using the default AWS credential chain.
func New(ctx context.Context, cfg config.AWSConfig, log *slog.Logger, m *metrics.Metrics) (*Scraper, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxAttempts),
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return newScraper(iam.NewFromConfig(awsCfg), sts.NewFromConfig(awsCfg), cfg.MaxWorkers, log, m), nil
}

func newScraper(ic iamClient, sc stsClient, workers int, log *slog.Logger, m *metrics.Metrics) *Scraper {
	if workers < 1 {
		workers = 1
	}
	return &Scraper{
		iam:     ic,
		sts:     sc,
		workers: workers,
		log:     log,
		metrics: m,
		poll: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.MaxInterval = 15 * time.Second
			b.MaxElapsedTime = 5 * time.Minute
			return b
		},
		now: time.Now,
	}
}

// Snapshot captures users, roles, groups, managed policies, the credential
// report and per-principal service-last-accessed data. Service-linked roles
// and the role the scanner itself runs as are left out.
//
// A principal whose service-last-accessed job fails is kept without
// LastAccessed data so the analysis treats it as unscanned.
func (s *Scraper) Snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	identity, err := s.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("getting caller identity: %w", err)
	}
	snap := &snapshot.Snapshot{
		AccountID:   aws.ToString(identity.Account),
		IdentityArn: aws.ToString(identity.Arn),
		CapturedAt:  s.now().UTC(),
	}

	if err := s.authorizationDetails(ctx, snap); err != nil {
		return nil, fmt.Errorf("getting authorization details: %w", err)
	}
	snap.Roles = withoutCallerRole(snap.Roles, snap.IdentityArn)

	snap.CredentialReport, err = s.credentialReport(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting credential report: %w", err)
	}

	s.log.Info("scraping service last accessed data",
		"users", len(snap.Users), "roles", len(snap.Roles), "workers", s.workers)
	s.scanPrincipals(ctx, snap)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.metrics.PrincipalsScraped.WithLabelValues("user").Set(float64(len(snap.Users)))
	s.metrics.PrincipalsScraped.WithLabelValues("role").Set(float64(len(snap.Roles)))
	s.metrics.PrincipalsScraped.WithLabelValues("group").Set(float64(len(snap.Groups)))
	s.metrics.PrincipalsScraped.WithLabelValues("policy").Set(float64(len(snap.Policies)))
	s.metrics.SnapshotsTaken.Inc()
	return snap, nil
}

func (s *Scraper) authorizationDetails(ctx context.Context, snap *snapshot.Snapshot) error {
	snap.Users = []snapshot.User{}
	snap.Roles = []snapshot.Role{}
	snap.Groups = []snapshot.Group{}
	snap.Policies = []snapshot.ManagedPolicy{}

	paginator := iam.NewGetAccountAuthorizationDetailsPaginator(s.iam, &iam.GetAccountAuthorizationDetailsInput{
		Filter: []types.EntityType{
			types.EntityTypeUser,
			types.EntityTypeRole,
			types.EntityTypeGroup,
			types.EntityTypeLocalManagedPolicy,
			types.EntityTypeAWSManagedPolicy,
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, u := range page.UserDetailList {
			snap.Users = append(snap.Users, s.convertUser(u))
		}
		for _, r := range page.RoleDetailList {
			if strings.HasPrefix(aws.ToString(r.Path), "/aws-service-role/") {
				s.log.Debug("skipping service-linked role", "role", aws.ToString(r.RoleName))
				continue
			}
			snap.Roles = append(snap.Roles, s.convertRole(r))
		}
		for _, g := range page.GroupDetailList {
			snap.Groups = append(snap.Groups, s.convertGroup(g))
		}
		for _, p := range page.Policies {
			snap.Policies = append(snap.Policies, s.convertPolicy(p))
		}
	}
	return nil
}

func (s *Scraper) convertUser(u types.UserDetail) snapshot.User {
	name := aws.ToString(u.UserName)
	groups := u.GroupList
	if groups == nil {
		groups = []string{}
	}
	return snapshot.User{
		UserName:                name,
		UserID:                  aws.ToString(u.UserId),
		Arn:                     aws.ToString(u.Arn),
		Path:                    aws.ToString(u.Path),
		AttachedManagedPolicies: convertAttached(u.AttachedManagedPolicies),
		UserPolicyList:          s.convertInline(name, u.UserPolicyList),
		GroupList:               groups,
	}
}

func (s *Scraper) convertRole(r types.RoleDetail) snapshot.Role {
	name := aws.ToString(r.RoleName)
	return snapshot.Role{
		RoleName:                name,
		RoleID:                  aws.ToString(r.RoleId),
		Arn:                     aws.ToString(r.Arn),
		Path:                    aws.ToString(r.Path),
		AttachedManagedPolicies: convertAttached(r.AttachedManagedPolicies),
		RolePolicyList:          s.convertInline(name, r.RolePolicyList),
	}
}

func (s *Scraper) convertGroup(g types.GroupDetail) snapshot.Group {
	name := aws.ToString(g.GroupName)
	return snapshot.Group{
		GroupName:               name,
		GroupID:                 aws.ToString(g.GroupId),
		Arn:                     aws.ToString(g.Arn),
		Path:                    aws.ToString(g.Path),
		AttachedManagedPolicies: convertAttached(g.AttachedManagedPolicies),
		GroupPolicyList:         s.convertInline(name, g.GroupPolicyList),
	}
}

func (s *Scraper) convertPolicy(p types.ManagedPolicyDetail) snapshot.ManagedPolicy {
	arn := aws.ToString(p.Arn)
	mp := snapshot.ManagedPolicy{
		PolicyName:                    aws.ToString(p.PolicyName),
		PolicyID:                      aws.ToString(p.PolicyId),
		Arn:                           arn,
		Path:                          aws.ToString(p.Path),
		Description:                   aws.ToString(p.Description),
		DefaultVersionID:              aws.ToString(p.DefaultVersionId),
		AttachmentCount:               int(aws.ToInt32(p.AttachmentCount)),
		PermissionsBoundaryUsageCount: int(aws.ToInt32(p.PermissionsBoundaryUsageCount)),
		IsAttachable:                  p.IsAttachable,
		PolicyVersionList:             []snapshot.PolicyVersion{},
	}
	for _, v := range p.PolicyVersionList {
		versionID := aws.ToString(v.VersionId)
		doc, err := policy.Parse(aws.ToString(v.Document))
		if err != nil {
			s.log.Warn("failed to parse policy version, skipping",
				"policy", arn, "version", versionID, "error", err)
			continue
		}
		mp.PolicyVersionList = append(mp.PolicyVersionList, snapshot.PolicyVersion{
			VersionID:        versionID,
			IsDefaultVersion: v.IsDefaultVersion,
			Document:         *doc,
		})
	}
	return mp
}

func (s *Scraper) convertInline(owner string, in []types.PolicyDetail) []snapshot.InlinePolicy {
	out := make([]snapshot.InlinePolicy, 0, len(in))
	for _, p := range in {
		name := aws.ToString(p.PolicyName)
		doc, err := policy.Parse(aws.ToString(p.PolicyDocument))
		if err != nil {
			s.log.Warn("failed to parse inline policy document, skipping",
				"principal", owner, "policy", name, "error", err)
			continue
		}
		out = append(out, snapshot.InlinePolicy{PolicyName: name, PolicyDocument: *doc})
	}
	return out
}

func convertAttached(in []types.AttachedPolicy) []snapshot.AttachedPolicy {
	out := make([]snapshot.AttachedPolicy, 0, len(in))
	for _, p := range in {
		out = append(out, snapshot.AttachedPolicy{
			PolicyName: aws.ToString(p.PolicyName),
			PolicyArn:  aws.ToString(p.PolicyArn),
		})
	}
	return out
}

// withoutCallerRole drops the role behind an assumed-role identity ARN
// (arn:aws:sts::<account>:assumed-role/<role>/<session>).
func withoutCallerRole(roles []snapshot.Role, identityArn string) []snapshot.Role {
	_, resource, ok := strings.Cut(identityArn, ":assumed-role/")
	if !ok {
		return roles
	}
	name, _, _ := strings.Cut(resource, "/")
	out := roles[:0]
	for _, r := range roles {
		if r.RoleName == name {
			continue
		}
		out = append(out, r)
	}
	return out
}

// credentialReport generates the credential report, waits for it and parses
// the CSV content.
func (s *Scraper) credentialReport(ctx context.Context) ([]snapshot.Credentials, error) {
	op := func() error {
		out, err := s.iam.GenerateCredentialReport(ctx, &iam.GenerateCredentialReportInput{})
		if err != nil {
			return backoff.Permanent(err)
		}
		if out.State != types.ReportStateTypeComplete {
			return errNotReady
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(s.poll(), ctx)); err != nil {
		return nil, fmt.Errorf("generating credential report: %w", err)
	}

	out, err := s.iam.GetCredentialReport(ctx, &iam.GetCredentialReportInput{})
	if err != nil {
		return nil, err
	}
	return snapshot.ParseCredentialReport(bytes.NewReader(out.Content))
}

// scanPrincipals fills LastAccessed for every user and role, and
// LoginProfileExists for every user, with at most s.workers principals in
// flight.
func (s *Scraper) scanPrincipals(ctx context.Context, snap *snapshot.Snapshot) {
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}: // acquire
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }() // release
			fn()
		}()
	}

	for i := range snap.Users {
		u := &snap.Users[i]
		run(func() {
			exists, err := s.loginProfileExists(ctx, u.UserName)
			if err != nil {
				s.log.Warn("failed to get login profile", "user", u.UserName, "error", err)
			}
			u.LoginProfileExists = exists

			entries, err := s.lastAccessed(ctx, u.Arn)
			if err != nil {
				s.log.Warn("failed to get service last accessed data, leaving user unscanned",
					"user", u.UserName, "error", err)
				return
			}
			u.LastAccessed = entries
		})
	}
	for i := range snap.Roles {
		r := &snap.Roles[i]
		run(func() {
			entries, err := s.lastAccessed(ctx, r.Arn)
			if err != nil {
				s.log.Warn("failed to get service last accessed data, leaving role unscanned",
					"role", r.RoleName, "error", err)
				return
			}
			r.LastAccessed = entries
		})
	}
	wg.Wait()
}

func (s *Scraper) loginProfileExists(ctx context.Context, userName string) (bool, error) {
	_, err := s.iam.GetLoginProfile(ctx, &iam.GetLoginProfileInput{UserName: aws.String(userName)})
	if err == nil {
		return true, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchEntity" {
		return false, nil
	}
	return false, err
}

// lastAccessed runs a service-last-accessed job for arn and returns the
// services with at least one authenticated use. The result is never nil.
func (s *Scraper) lastAccessed(ctx context.Context, arn string) ([]snapshot.ServiceAccess, error) {
	job, err := s.iam.GenerateServiceLastAccessedDetails(ctx, &iam.GenerateServiceLastAccessedDetailsInput{
		Arn: aws.String(arn),
	})
	if err != nil {
		return nil, fmt.Errorf("starting job: %w", err)
	}
	jobID := job.JobId

	entries := []snapshot.ServiceAccess{}
	var marker *string
	for {
		var page *iam.GetServiceLastAccessedDetailsOutput
		op := func() error {
			out, err := s.iam.GetServiceLastAccessedDetails(ctx, &iam.GetServiceLastAccessedDetailsInput{
				JobId:  jobID,
				Marker: marker,
			})
			if err != nil {
				return backoff.Permanent(err)
			}
			switch out.JobStatus {
			case types.JobStatusTypeCompleted:
				page = out
				return nil
			case types.JobStatusTypeFailed:
				msg := "unknown error"
				if out.Error != nil {
					msg = aws.ToString(out.Error.Message)
				}
				return backoff.Permanent(fmt.Errorf("job %s failed: %s", aws.ToString(jobID), msg))
			default:
				return errNotReady
			}
		}
		if err := backoff.Retry(op, backoff.WithContext(s.poll(), ctx)); err != nil {
			return nil, err
		}

		for _, svc := range page.ServicesLastAccessed {
			if aws.ToInt32(svc.TotalAuthenticatedEntities) == 0 || svc.LastAuthenticated == nil {
				continue
			}
			entries = append(entries, snapshot.ServiceAccess{
				ServiceNamespace: aws.ToString(svc.ServiceNamespace),
				LastAccessed:     svc.LastAuthenticated.UTC().Format(time.RFC3339),
			})
		}
		if page.Marker == nil {
			return entries, nil
		}
		marker = page.Marker
	}
}
