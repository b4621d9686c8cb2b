package taxonomy

import (
	"fmt"

	"github.com/0xKirisame/hokori/internal/diag"
	"github.com/0xKirisame/hokori/internal/policy"
)

// Resolver answers "does this policy grant write access?" against a Table.
type Resolver struct {
	table             *Table
	unresolvedIsWrite bool
	diag              *diag.Collector
}

// NewResolver creates a Resolver. Actions missing from the table are logged to
// d and count as write access only when unresolvedIsWrite is set.
func NewResolver(t *Table, unresolvedIsWrite bool, d *diag.Collector) *Resolver {
	return &Resolver{table: t, unresolvedIsWrite: unresolvedIsWrite, diag: d}
}

// RequiresWriteAccess reports whether any action granted by doc resolves to a
// Write, Delete or Permissions management access level.
//
// "*", "*:..." and "svc:*" are maximal grants, whether or not svc is in the
// taxonomy. An Allow statement using NotAction grants
// everything except the listed actions and is treated the same way.
func (r *Resolver) RequiresWriteAccess(doc *policy.Document) bool {
	if doc.AllowsByExclusion() {
		return true
	}

	for _, action := range policy.Actions(doc, r.diag) {
		if action == "*" {
			return true
		}
		service, name, ok := policy.SplitAction(action)
		if !ok {
			r.diag.Warn(diag.MalformedPolicyDocument, doc.Source,
				fmt.Sprintf("action %q has no service prefix", action))
			continue
		}
		if service == "*" || name == "*" {
			return true
		}

		entries := r.table.Resolve(service, name)
		if len(entries) == 0 {
			r.diag.Warn(diag.UnresolvedAction, doc.Source,
				fmt.Sprintf("action %q is not in the action taxonomy", action))
			if r.unresolvedIsWrite {
				return true
			}
			continue
		}
		for _, e := range entries {
			if e.Level.GrantsWrite() {
				return true
			}
		}
	}
	return false
}
