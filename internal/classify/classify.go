package classify

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/0xKirisame/hokori/internal/diag"
	"github.com/0xKirisame/hokori/internal/policy"
	"github.com/0xKirisame/hokori/internal/recency"
	"github.com/0xKirisame/hokori/internal/snapshot"
)

// DefaultAdminPolicyArn is the AWS-managed administrator policy.
const DefaultAdminPolicyArn = "arn:aws:iam::aws:policy/AdministratorAccess"

// Tier is a least-privilege access tier.
type Tier string

const (
	TierAdmin     Tier = "Admin"
	TierPowerUser Tier = "PowerUser"
	TierReadOnly  Tier = "ReadOnly"
)

// WriteChecker decides whether a policy document grants write-level access.
type WriteChecker interface {
	RequiresWriteAccess(doc *policy.Document) bool
}

// Options controls a classification pass.
type Options struct {
	ThresholdDays  int
	AdminPolicyArn string
	// Workers bounds the number of users classified concurrently.
	Workers int
	// MaxRecommendedPolicies caps Powerusers.Policies; 0 keeps every policy.
	MaxRecommendedPolicies int
}

// Powerusers lists the PowerUser tier and the policies recommended for it,
// most widely used first.
type Powerusers struct {
	Users    []string `json:"Users"    yaml:"users"`
	Policies []string `json:"Policies" yaml:"policies"`
}

// PolicyUsage is the number of classified users relying on a policy.
type PolicyUsage struct {
	PolicyArn string `json:"PolicyArn" yaml:"policy_arn"`
	Users     int    `json:"Users"     yaml:"users"`
}

// Detachment is an existing grant that moving a user to its tier replaces.
type Detachment struct {
	UserName   string `json:"UserName"   yaml:"user_name"`
	EntityType string `json:"EntityType" yaml:"entity_type"`
	EntityID   string `json:"EntityId"   yaml:"entity_id"`
}

// Detachment entity types.
const (
	EntityGroup         = "Group"
	EntityUserPolicy    = "UserPolicy"
	EntityManagedPolicy = "AttachedManagedPolicy"
)

// Result is the per-account tier assignment.
type Result struct {
	Admins         []string      `json:"Admins"         yaml:"admins"`
	Powerusers     Powerusers    `json:"Powerusers"     yaml:"powerusers"`
	ReadOnly       []string      `json:"ReadOnly"       yaml:"read_only"`
	UnchangedUsers []string      `json:"UnchangedUsers" yaml:"unchanged_users"`
	PolicyUsage    []PolicyUsage `json:"PolicyUsage"    yaml:"policy_usage"`
	Detachments    []Detachment  `json:"Detachments"    yaml:"detachments"`
}

// TierOf returns the tier assigned to a user, or "" when the user was not classified.
func (r *Result) TierOf(user string) Tier {
	switch {
	case contains(r.Admins, user):
		return TierAdmin
	case contains(r.Powerusers.Users, user):
		return TierPowerUser
	case contains(r.ReadOnly, user):
		return TierReadOnly
	}
	return ""
}

// Classifier assigns every human user a least-privilege tier.
type Classifier struct {
	opts     Options
	clock    recency.Resolver
	analyzer *policy.Analyzer
	writes   WriteChecker
	diag     *diag.Collector
	log      *slog.Logger
}

// New creates a Classifier.
func New(opts Options, clock recency.Resolver, analyzer *policy.Analyzer, writes WriteChecker, d *diag.Collector, log *slog.Logger) *Classifier {
	if opts.AdminPolicyArn == "" {
		opts.AdminPolicyArn = DefaultAdminPolicyArn
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{
		opts:     opts,
		clock:    clock,
		analyzer: analyzer,
		writes:   writes,
		diag:     d,
		log:      log,
	}
}

// verdict is the outcome of classifying one user.
type verdict struct {
	tier  Tier
	inUse []string
}

// Run classifies every user not listed in unusedUsers. Users are evaluated
// concurrently; popularity counts are reduced after every user finishes.
func (c *Classifier) Run(ctx context.Context, ix *snapshot.Index, unusedUsers map[string]bool) (*Result, error) {
	snap := ix.Snapshot()
	res := &Result{
		Admins:         []string{},
		Powerusers:     Powerusers{Users: []string{}, Policies: []string{}},
		ReadOnly:       []string{},
		UnchangedUsers: []string{},
		PolicyUsage:    []PolicyUsage{},
		Detachments:    []Detachment{},
	}

	var humans []*snapshot.User
	for i := range snap.Users {
		u := &snap.Users[i]
		if first, _ := ix.User(u.UserName); first != u || unusedUsers[u.UserName] {
			continue
		}
		if len(u.AttachedManagedPolicies) == 0 && len(u.GroupList) == 0 {
			res.UnchangedUsers = append(res.UnchangedUsers, u.UserName)
			continue
		}
		humans = append(humans, u)
	}

	verdicts := make([]verdict, len(humans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for i, u := range humans {
		i, u := i, u
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := c.classifyUser(ix, u)
			if err != nil {
				return err
			}
			verdicts[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for i, u := range humans {
		v := verdicts[i]
		switch v.tier {
		case TierAdmin:
			res.Admins = append(res.Admins, u.UserName)
		case TierPowerUser:
			res.Powerusers.Users = append(res.Powerusers.Users, u.UserName)
		default:
			res.ReadOnly = append(res.ReadOnly, u.UserName)
		}
		for _, arn := range v.inUse {
			counts[arn]++
		}
		res.Detachments = append(res.Detachments, detachmentsOf(u)...)
	}

	for arn, n := range counts {
		res.PolicyUsage = append(res.PolicyUsage, PolicyUsage{PolicyArn: arn, Users: n})
	}
	sort.Slice(res.PolicyUsage, func(i, j int) bool {
		if res.PolicyUsage[i].Users != res.PolicyUsage[j].Users {
			return res.PolicyUsage[i].Users > res.PolicyUsage[j].Users
		}
		return res.PolicyUsage[i].PolicyArn < res.PolicyUsage[j].PolicyArn
	})
	for _, pu := range res.PolicyUsage {
		if c.opts.MaxRecommendedPolicies > 0 && len(res.Powerusers.Policies) >= c.opts.MaxRecommendedPolicies {
			break
		}
		res.Powerusers.Policies = append(res.Powerusers.Policies, pu.PolicyArn)
	}

	sort.Strings(res.Admins)
	sort.Strings(res.Powerusers.Users)
	sort.Strings(res.ReadOnly)
	sort.Strings(res.UnchangedUsers)
	sort.Slice(res.Detachments, func(i, j int) bool {
		a, b := res.Detachments[i], res.Detachments[j]
		if a.UserName != b.UserName {
			return a.UserName < b.UserName
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return a.EntityID < b.EntityID
	})

	c.log.Debug("classification complete",
		"admins", len(res.Admins),
		"powerusers", len(res.Powerusers.Users),
		"read_only", len(res.ReadOnly),
		"unchanged", len(res.UnchangedUsers),
	)
	return res, nil
}

func (c *Classifier) classifyUser(ix *snapshot.Index, u *snapshot.User) (verdict, error) {
	arns, err := c.effectivePolicies(ix, u)
	if err != nil {
		return verdict{}, err
	}
	if contains(arns, c.opts.AdminPolicyArn) {
		return verdict{tier: TierAdmin}, nil
	}

	if !u.Scanned() {
		c.diag.Warn(diag.InsufficientData, u.UserName, "user has no service-last-accessed data; tier derived from blind-spot grants only")
	}
	services, err := snapshot.RecentServices(u.LastAccessed, c.clock, c.opts.ThresholdDays)
	if err != nil {
		return verdict{}, &snapshot.InconsistentError{Kind: "timestamp", Ref: "LastAccessed", Owner: u.UserName, Err: err}
	}

	v := verdict{tier: TierReadOnly}
	for _, arn := range arns {
		doc, err := ix.PolicyDocument(u.UserName, arn)
		if err != nil {
			return verdict{}, err
		}
		if c.analyzer.IsUnused(doc, services) {
			continue
		}
		v.inUse = append(v.inUse, arn)
		if v.tier != TierPowerUser && c.writes.RequiresWriteAccess(doc) {
			v.tier = TierPowerUser
		}
	}
	return v, nil
}

// effectivePolicies returns the sorted ARNs of the managed policies attached
// to u directly or through its groups.
func (c *Classifier) effectivePolicies(ix *snapshot.Index, u *snapshot.User) ([]string, error) {
	seen := make(map[string]bool)
	var arns []string
	add := func(ap snapshot.AttachedPolicy) {
		if !seen[ap.PolicyArn] {
			seen[ap.PolicyArn] = true
			arns = append(arns, ap.PolicyArn)
		}
	}
	for _, ap := range u.AttachedManagedPolicies {
		add(ap)
	}
	for _, name := range u.GroupList {
		g, err := ix.Group(u.UserName, name)
		if err != nil {
			return nil, err
		}
		for _, ap := range g.AttachedManagedPolicies {
			add(ap)
		}
	}
	sort.Strings(arns)
	return arns, nil
}

func detachmentsOf(u *snapshot.User) []Detachment {
	out := make([]Detachment, 0, len(u.GroupList)+len(u.UserPolicyList)+len(u.AttachedManagedPolicies))
	for _, g := range u.GroupList {
		out = append(out, Detachment{UserName: u.UserName, EntityType: EntityGroup, EntityID: g})
	}
	for _, p := range u.UserPolicyList {
		out = append(out, Detachment{UserName: u.UserName, EntityType: EntityUserPolicy, EntityID: p.PolicyName})
	}
	for _, ap := range u.AttachedManagedPolicies {
		out = append(out, Detachment{UserName: u.UserName, EntityType: EntityManagedPolicy, EntityID: ap.PolicyArn})
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
