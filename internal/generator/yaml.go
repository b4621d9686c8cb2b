package generator

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/0xKirisame/hokori/internal/analysis"
)

// YAMLGenerator produces YAML-formatted reports.
type YAMLGenerator struct{}

// Generate writes a YAML report to w using the snake_case yaml tags of the
// report types.
func (g *YAMLGenerator) Generate(r *analysis.Report, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}
