package unused

import (
	"github.com/0xKirisame/hokori/internal/diag"
	"github.com/0xKirisame/hokori/internal/policy"
	"github.com/0xKirisame/hokori/internal/snapshot"
)

// groupVerdict is the merged verdict for one policy/group pair across every
// member that inherits it.
type groupVerdict struct {
	attachment Attachment
	used       bool
}

// findUnusedAttachments evaluates every role attachment and every user
// attachment, direct and group-inherited. A group attachment is unused only if
// no member's evaluation found it in use. Members without last-accessed data
// count as using every group policy.
func (d *Detector) findUnusedAttachments(ix *snapshot.Index) ([]Attachment, error) {
	snap := ix.Snapshot()
	var out []Attachment

	for i := range snap.Roles {
		r := &snap.Roles[i]
		if first, _ := ix.Role(r.RoleName); first != r || !r.Scanned() {
			continue
		}
		services, err := d.recentServices(r.RoleName, r.LastAccessed)
		if err != nil {
			return nil, err
		}
		found, err := d.evaluate(ix, PrincipalRole, r.RoleName, r.AttachedManagedPolicies, r.RolePolicyList, services)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}

	// First pass: per-user verdicts, group pairs collected but not finalized.
	verdicts := make(map[string]*groupVerdict)
	var order []string
	for i := range snap.Users {
		u := &snap.Users[i]
		if first, _ := ix.User(u.UserName); first != u {
			continue
		}
		// An unscanned member may be using any policy it inherits, so its
		// group pairs are registered as used.
		scanned := u.Scanned()
		var services []string
		if scanned {
			var err error
			if services, err = d.recentServices(u.UserName, u.LastAccessed); err != nil {
				return nil, err
			}
			found, err := d.evaluate(ix, PrincipalUser, u.UserName, u.AttachedManagedPolicies, u.UserPolicyList, services)
			if err != nil {
				return nil, err
			}
			out = append(out, found...)
		} else {
			d.diag.Warn(diag.InsufficientData, u.UserName, "user has no service-last-accessed data; attachments not evaluated")
		}

		for _, groupName := range u.GroupList {
			g, err := ix.Group(u.UserName, groupName)
			if err != nil {
				return nil, err
			}
			err = d.eachPolicy(ix, g.GroupName, g.AttachedManagedPolicies, g.GroupPolicyList, func(a Attachment, doc *policy.Document) {
				a.PrincipalKind = PrincipalGroup
				a.Principal = g.GroupName
				key := a.PolicyName + "/" + g.GroupName
				v, ok := verdicts[key]
				if !ok {
					v = &groupVerdict{attachment: a}
					verdicts[key] = v
					order = append(order, key)
				}
				if !scanned || !d.analyzer.IsUnused(doc, services) {
					v.used = true
				}
			})
			if err != nil {
				return nil, err
			}
		}
	}

	// Second pass: used wins over unused.
	for _, key := range order {
		if v := verdicts[key]; !v.used {
			out = append(out, v.attachment)
		}
	}
	return out, nil
}

func (d *Detector) recentServices(owner string, entries []snapshot.ServiceAccess) ([]string, error) {
	services, err := snapshot.RecentServices(entries, d.clock, d.threshold)
	if err != nil {
		return nil, &snapshot.InconsistentError{Kind: "timestamp", Ref: "LastAccessed", Owner: owner, Err: err}
	}
	return services, nil
}

// evaluate returns the attachments of one principal that are unused given services.
func (d *Detector) evaluate(
	ix *snapshot.Index,
	kind PrincipalKind,
	name string,
	managed []snapshot.AttachedPolicy,
	inline []snapshot.InlinePolicy,
	services []string,
) ([]Attachment, error) {
	var out []Attachment
	err := d.eachPolicy(ix, name, managed, inline, func(a Attachment, doc *policy.Document) {
		if d.analyzer.IsUnused(doc, services) {
			a.PrincipalKind = kind
			a.Principal = name
			out = append(out, a)
		}
	})
	return out, err
}

// eachPolicy resolves the documents of an owner's managed and inline policies
// and calls fn for each one, managed first.
func (d *Detector) eachPolicy(
	ix *snapshot.Index,
	owner string,
	managed []snapshot.AttachedPolicy,
	inline []snapshot.InlinePolicy,
	fn func(Attachment, *policy.Document),
) error {
	for _, ap := range managed {
		doc, err := ix.PolicyDocument(owner, ap.PolicyArn)
		if err != nil {
			return err
		}
		fn(Attachment{PolicyName: ap.PolicyName, PolicyArn: ap.PolicyArn}, doc)
	}
	for i := range inline {
		p := &inline[i]
		fn(Attachment{PolicyName: p.PolicyName}, snapshot.InlineDocument(owner, p))
	}
	return nil
}
