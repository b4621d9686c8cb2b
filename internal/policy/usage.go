package policy

import (
	"github.com/0xKirisame/hokori/internal/diag"
)

// DefaultBlindSpots are actions the service-last-accessed report does not
// observe. Policies granting them are never reported unused.
var DefaultBlindSpots = []string{"iam:PassRole", "s3:GetObject", "s3:PutObject"}

// Analyzer decides whether a policy's grants are in use by a principal.
type Analyzer struct {
	blindSpots []string
	diag       *diag.Collector
}

// NewAnalyzer creates an Analyzer. A nil blindSpots uses DefaultBlindSpots.
func NewAnalyzer(blindSpots []string, d *diag.Collector) *Analyzer {
	if blindSpots == nil {
		blindSpots = DefaultBlindSpots
	}
	return &Analyzer{blindSpots: blindSpots, diag: d}
}

// IsUnused reports whether none of the services granted by doc appear in
// servicesUsed (the namespaces the principal used within the threshold).
//
// Documents containing a Deny statement or a NotAction grant, and documents
// granting any blind-spot action, are always in use.
func (a *Analyzer) IsUnused(doc *Document, servicesUsed []string) bool {
	if doc.HasDenyOrNotAction() {
		return false
	}

	actions := Actions(doc, a.diag)
	for _, action := range actions {
		if MatchAny(action, a.blindSpots) {
			return false
		}
	}

	for _, svc := range Services(actions) {
		if MatchAny(svc, servicesUsed) {
			return false
		}
	}
	return true
}

// IsBlindSpot reports whether action overlaps the analyzer's blind-spot list.
func (a *Analyzer) IsBlindSpot(action string) bool {
	return MatchAny(action, a.blindSpots)
}
