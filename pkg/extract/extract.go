// Package extract defines the two capability contracts the pipeline is built
// on, document parsing and event extraction, together with the typed failure
// taxonomy that flows back to the coordinator.
package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/legalflow/legalflow/internal/model"
)

// NormalizedDoc is the parser's output: a format-independent view of one
// document's text and structure.
type NormalizedDoc struct {
	Markdown   string
	PlainText  string
	Pages      int
	OCRApplied bool
	Metadata   map[string]string
}

// CandidateEvent is one event as returned by an extractor, before validation
// and sequencing. Date and Citation may be empty; an empty citation is a
// quality signal, not an error.
type CandidateEvent struct {
	Date        string `json:"date"`
	Particulars string `json:"particulars"`
	Citation    string `json:"citation"`
	Reference   string `json:"reference"`
}

// ParseHints carries context the parser may use. Detection is always done on
// content; Filename is informational only.
type ParseHints struct {
	Filename     string
	DetectedType DocType
	OCRPolicy    string
}

// DocumentParser turns raw document bytes into a NormalizedDoc.
//
// A parser that recognizes the format but finds no extractable text layer
// (a scanned image inside a PDF, say) returns ErrNotExtractable so the
// caller can fall through to OCR.
type DocumentParser interface {
	Name() string
	Parse(ctx context.Context, data []byte, hints ParseHints) (*NormalizedDoc, error)
	SupportsType(t DocType) bool
}

// EventExtractor turns a normalized document into candidate events using the
// configured prompt version. Implementations are typically backed by an LLM.
type EventExtractor interface {
	Name() string
	Extract(ctx context.Context, doc *NormalizedDoc, promptVersion string) ([]CandidateEvent, error)
	SupportsPromptVersion(v string) bool
}

// ErrNotExtractable signals that a document was recognized but carries no
// machine-readable text layer and needs OCR.
var ErrNotExtractable = errors.New("document has no extractable text layer")

// Failure is a typed pipeline failure. It is returned as a value, never
// panicked, and maps one-to-one onto the document/run failure kinds.
type Failure struct {
	Kind    model.FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// NewParseFailure builds a failure for an unreadable document.
func NewParseFailure(msg string, err error) *Failure {
	return &Failure{Kind: model.FailureParse, Message: msg, Err: err}
}

// NewExtractionFailure builds a failure for a provider call that errored
// after retries were exhausted.
func NewExtractionFailure(msg string, err error) *Failure {
	return &Failure{Kind: model.FailureExtraction, Message: msg, Err: err}
}

// NewConfigurationFailure builds a failure for a bad provider/prompt
// selection. Configuration failures fail the whole run before dispatch.
func NewConfigurationFailure(msg string) *Failure {
	return &Failure{Kind: model.FailureConfiguration, Message: msg}
}

// AsFailure extracts a *Failure from an error chain, or wraps the error as an
// extraction failure when it carries no kind of its own.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return NewExtractionFailure("provider error", err)
}

// transientError marks an error as retryable (timeouts, rate limits).
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps an error so the pipeline's retry policy will retry it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether the error was marked transient anywhere in its
// chain. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var t *transientError
	return errors.As(err, &t)
}
