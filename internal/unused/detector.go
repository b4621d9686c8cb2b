package unused

import (
	"fmt"
	"log/slog"

	"github.com/0xKirisame/hokori/internal/diag"
	"github.com/0xKirisame/hokori/internal/policy"
	"github.com/0xKirisame/hokori/internal/recency"
	"github.com/0xKirisame/hokori/internal/snapshot"
)

// Detector finds unused users, roles, credentials, policies, groups and
// policy attachments in a snapshot.
type Detector struct {
	threshold int
	clock     recency.Resolver
	analyzer  *policy.Analyzer
	diag      *diag.Collector
	log       *slog.Logger
}

// NewDetector creates a Detector. threshold is in days and must not be negative.
func NewDetector(threshold int, clock recency.Resolver, analyzer *policy.Analyzer, d *diag.Collector, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		threshold: threshold,
		clock:     clock,
		analyzer:  analyzer,
		diag:      d,
		log:       log,
	}
}

// Run builds the unused report for the indexed snapshot. User and role
// records are annotated with LastUsedDays. Any dangling reference aborts the
// run with a snapshot.ErrInconsistent error and no report.
func (d *Detector) Run(ix *snapshot.Index) (*Report, error) {
	snap := ix.Snapshot()

	users, err := d.findUnusedUsers(ix)
	if err != nil {
		return nil, err
	}
	keys, logins, err := d.findUnusedCredentials(ix)
	if err != nil {
		return nil, err
	}
	roles, err := d.findUnusedRoles(ix)
	if err != nil {
		return nil, err
	}
	unusedUsers := make(map[string]bool, len(users))
	for _, u := range users {
		unusedUsers[u.UserName] = true
	}
	groups := d.findRedundantGroups(ix, unusedUsers)

	attachments, err := d.findUnusedAttachments(ix)
	if err != nil {
		return nil, err
	}

	r := &Report{
		Users:             users,
		Roles:             roles,
		AccessKeys:        excludeKeysOf(keys, unusedUsers),
		LoginProfiles:     excludeLoginsOf(logins, unusedUsers),
		Policies:          findUnattachedPolicies(snap),
		Groups:            groups,
		PolicyAttachments: filterAttachments(attachments, unusedUsers, roles, groups),
	}
	r.sort()

	d.log.Debug("unused detection complete",
		"threshold_days", d.threshold,
		"users", len(r.Users),
		"roles", len(r.Roles),
		"access_keys", len(r.AccessKeys),
		"login_profiles", len(r.LoginProfiles),
		"policies", len(r.Policies),
		"groups", len(r.Groups),
		"attachments", len(r.PolicyAttachments),
	)
	return r, nil
}

// daysSince resolves a timestamp, turning malformed values into inconsistent-snapshot errors.
func (d *Detector) daysSince(owner, value string) (recency.Days, error) {
	days, err := d.clock.DaysSince(value)
	if err != nil {
		return 0, &snapshot.InconsistentError{Kind: "timestamp", Ref: value, Owner: owner, Err: err}
	}
	return days, nil
}

func (d *Detector) findUnusedUsers(ix *snapshot.Index) ([]User, error) {
	snap := ix.Snapshot()
	out := []User{}
	for i := range snap.Users {
		u := &snap.Users[i]
		if first, _ := ix.User(u.UserName); first != u {
			continue
		}
		creds, err := ix.Credentials(u.UserName)
		if err != nil {
			return nil, err
		}
		password, err := d.daysSince(u.UserName, creds.PasswordLastUsed)
		if err != nil {
			return nil, err
		}
		key1, err := d.daysSince(u.UserName, creds.AccessKey1LastUsed)
		if err != nil {
			return nil, err
		}
		key2, err := d.daysSince(u.UserName, creds.AccessKey2LastUsed)
		if err != nil {
			return nil, err
		}

		u.LastUsedDays = recency.Min(password, key1, key2)
		if u.LastUsedDays.OlderThan(d.threshold) {
			out = append(out, User{UserName: u.UserName, Arn: u.Arn, LastUsedDays: u.LastUsedDays})
		}
	}
	return out, nil
}

func (d *Detector) findUnusedCredentials(ix *snapshot.Index) ([]AccessKey, []LoginProfile, error) {
	snap := ix.Snapshot()
	keys := []AccessKey{}
	logins := []LoginProfile{}
	for i := range snap.Users {
		u := &snap.Users[i]
		if first, _ := ix.User(u.UserName); first != u {
			continue
		}
		creds, err := ix.Credentials(u.UserName)
		if err != nil {
			return nil, nil, err
		}

		slots := []struct {
			slot     string
			active   snapshot.Flag
			lastUsed string
		}{
			{"1", creds.AccessKey1Active, creds.AccessKey1LastUsed},
			{"2", creds.AccessKey2Active, creds.AccessKey2LastUsed},
		}
		for _, s := range slots {
			if !s.active {
				continue
			}
			days, err := d.daysSince(u.UserName, s.lastUsed)
			if err != nil {
				return nil, nil, err
			}
			if days.OlderThan(d.threshold) {
				keys = append(keys, AccessKey{User: u.UserName, AccessKey: s.slot, DaysSinceLastUse: days})
			}
		}

		if creds.PasswordEnabled {
			days, err := d.daysSince(u.UserName, creds.PasswordLastUsed)
			if err != nil {
				return nil, nil, err
			}
			if days.OlderThan(d.threshold) {
				logins = append(logins, LoginProfile{User: u.UserName, MFAEnabled: bool(creds.MFAActive), DaysSinceLastUse: days})
			}
		}
	}
	return keys, logins, nil
}

func (d *Detector) findUnusedRoles(ix *snapshot.Index) ([]Role, error) {
	snap := ix.Snapshot()
	out := []Role{}
	for i := range snap.Roles {
		r := &snap.Roles[i]
		if first, _ := ix.Role(r.RoleName); first != r {
			continue
		}
		if !r.Scanned() {
			r.LastUsedDays = recency.Never
			d.diag.Warn(diag.InsufficientData, r.RoleName, "role has no service-last-accessed data; treated as used")
			continue
		}

		r.LastUsedDays = recency.Never
		for _, access := range r.LastAccessed {
			days, err := d.daysSince(r.RoleName, access.LastAccessed)
			if err != nil {
				return nil, err
			}
			r.LastUsedDays = recency.Min(r.LastUsedDays, days)
		}
		if r.LastUsedDays.OlderThan(d.threshold) {
			out = append(out, Role{RoleName: r.RoleName, Arn: r.Arn, LastUsedDays: r.LastUsedDays})
		}
	}
	return out, nil
}

// findUnattachedPolicies reports customer-managed policies with no attachments
// and no permissions-boundary use. AWS-managed policies cannot be deleted and
// are skipped.
func findUnattachedPolicies(snap *snapshot.Snapshot) []Policy {
	out := []Policy{}
	seen := make(map[string]bool, len(snap.Policies))
	for i := range snap.Policies {
		p := &snap.Policies[i]
		if seen[p.Arn] || p.AWSManaged() {
			continue
		}
		seen[p.Arn] = true
		if p.AttachmentCount == 0 && p.PermissionsBoundaryUsageCount == 0 {
			out = append(out, Policy{PolicyName: p.PolicyName, Arn: p.Arn})
		}
	}
	return out
}

// findRedundantGroups unions the groups with no active member and the groups
// with no policies, one entry per group name.
func (d *Detector) findRedundantGroups(ix *snapshot.Index, unusedUsers map[string]bool) []Group {
	snap := ix.Snapshot()
	members := make(map[string]bool)
	for i := range snap.Users {
		u := &snap.Users[i]
		if first, _ := ix.User(u.UserName); first != u || unusedUsers[u.UserName] {
			continue
		}
		for _, g := range u.GroupList {
			members[g] = true
		}
	}

	out := []Group{}
	seen := make(map[string]bool, len(snap.Groups))
	for _, g := range snap.Groups {
		if seen[g.GroupName] {
			continue
		}
		seen[g.GroupName] = true

		var reasons []GroupReason
		if !members[g.GroupName] {
			reasons = append(reasons, ReasonNoActiveMembers)
		}
		if len(g.AttachedManagedPolicies)+len(g.GroupPolicyList) == 0 {
			reasons = append(reasons, ReasonNoPolicies)
		}
		if len(reasons) > 0 {
			out = append(out, Group{GroupName: g.GroupName, Arn: g.Arn, Reasons: reasons})
		}
	}
	return out
}

func excludeKeysOf(keys []AccessKey, users map[string]bool) []AccessKey {
	out := make([]AccessKey, 0, len(keys))
	for _, k := range keys {
		if !users[k.User] {
			out = append(out, k)
		}
	}
	return out
}

func excludeLoginsOf(logins []LoginProfile, users map[string]bool) []LoginProfile {
	out := make([]LoginProfile, 0, len(logins))
	for _, l := range logins {
		if !users[l.User] {
			out = append(out, l)
		}
	}
	return out
}

// filterAttachments drops attachments whose owner is itself reported unused
// or redundant.
func filterAttachments(attachments []Attachment, unusedUsers map[string]bool, roles []Role, groups []Group) []Attachment {
	unusedRoles := make(map[string]bool, len(roles))
	for _, r := range roles {
		unusedRoles[r.RoleName] = true
	}
	redundantGroups := make(map[string]bool, len(groups))
	for _, g := range groups {
		redundantGroups[g.GroupName] = true
	}

	out := make([]Attachment, 0, len(attachments))
	for _, a := range attachments {
		switch a.PrincipalKind {
		case PrincipalUser:
			if unusedUsers[a.Principal] {
				continue
			}
		case PrincipalRole:
			if unusedRoles[a.Principal] {
				continue
			}
		case PrincipalGroup:
			if redundantGroups[a.Principal] {
				continue
			}
		default:
			panic(fmt.Sprintf("unused: unknown principal kind %q", a.PrincipalKind))
		}
		out = append(out, a)
	}
	return out
}
