package generator

import (
	"fmt"
	"io"

	"github.com/0xKirisame/hokori/internal/analysis"
)

// Generator renders an analysis report in a specific format.
type Generator interface {
	Generate(r *analysis.Report, w io.Writer) error
}

// New returns a Generator for the given format string.
// Supported formats: "json", "yaml", "table".
func New(format string) (Generator, error) {
	switch format {
	case "json":
		return &JSONGenerator{}, nil
	case "yaml":
		return &YAMLGenerator{}, nil
	case "table":
		return &TableGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (supported: json, yaml, table)", format)
	}
}
