package docparse

import (
	"context"
	"fmt"

	"github.com/legalflow/legalflow/pkg/extract"
)

// MultiParser routes each document to the first registered parser that
// supports its detected type.
type MultiParser struct {
	parsers []extract.DocumentParser
}

// NewMultiParser composes parsers; earlier entries win for shared types.
func NewMultiParser(parsers ...extract.DocumentParser) *MultiParser {
	return &MultiParser{parsers: parsers}
}

func (m *MultiParser) Name() string { return "multi" }

func (m *MultiParser) SupportsType(t extract.DocType) bool {
	for _, p := range m.parsers {
		if p.SupportsType(t) {
			return true
		}
	}
	return false
}

func (m *MultiParser) Parse(ctx context.Context, data []byte, hints extract.ParseHints) (*extract.NormalizedDoc, error) {
	for _, p := range m.parsers {
		if p.SupportsType(hints.DetectedType) {
			return p.Parse(ctx, data, hints)
		}
	}
	return nil, fmt.Errorf("unsupported document type %q", hints.DetectedType)
}
