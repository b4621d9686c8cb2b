package generator

import (
	"encoding/json"
	"io"

	"github.com/0xKirisame/hokori/internal/analysis"
)

// JSONGenerator produces JSON-formatted reports.
type JSONGenerator struct{}

// Generate writes r to w as indented JSON. The never-used sentinel is
// written as null.
func (g *JSONGenerator) Generate(r *analysis.Report, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
