// Package rulebased is an offline event extractor built on date patterns.
// It exists for development and air-gapped deployments; accuracy is well
// below the LLM extractors and it advertises only its own prompt version.
package rulebased

import (
	"context"
	"regexp"
	"strings"

	"github.com/legalflow/legalflow/pkg/extract"
)

// Extractor scans the document line by line and emits one event per line
// that carries a recognizable date.
type Extractor struct{}

// New creates the rule-based extractor.
func New() *Extractor { return &Extractor{} }

func (e *Extractor) Name() string { return "rulebased" }

func (e *Extractor) SupportsPromptVersion(v string) bool {
	return v == "" || v == "rules-v1"
}

var datePatterns = []*regexp.Regexp{
	// 12.03.2021, 12/03/2021, 12-03-2021
	regexp.MustCompile(`\b\d{1,2}[./-]\d{1,2}[./-]\d{4}\b`),
	// 12 March 2021, 12th March, 2021
	regexp.MustCompile(`(?i)\b\d{1,2}(?:st|nd|rd|th)?\s+(?:January|February|March|April|May|June|July|August|September|October|November|December)[,]?\s+\d{4}\b`),
	// March 12, 2021
	regexp.MustCompile(`(?i)\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},\s+\d{4}\b`),
}

func (e *Extractor) Extract(ctx context.Context, doc *extract.NormalizedDoc, promptVersion string) ([]extract.CandidateEvent, error) {
	text := doc.PlainText
	if text == "" {
		text = doc.Markdown
	}

	reference := doc.Metadata["subject"]

	var events []extract.CandidateEvent
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		date := findDate(line)
		if date == "" {
			continue
		}
		events = append(events, extract.CandidateEvent{
			Date:        date,
			Particulars: line,
			Reference:   reference,
		})
	}
	return events, nil
}

func findDate(line string) string {
	for _, re := range datePatterns {
		if m := re.FindString(line); m != "" {
			return m
		}
	}
	return ""
}
