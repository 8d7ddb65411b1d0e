// Package pipeline runs one document through the extraction stages: detect,
// parse, OCR if needed, extract, validate, sequence. The executor is
// stateless; everything it learns about the document is in the Result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/legalflow/legalflow/internal/model"
	"github.com/legalflow/legalflow/pkg/extract"
	"github.com/legalflow/legalflow/pkg/providers/ocr"
	"github.com/legalflow/legalflow/pkg/registry"
	"github.com/legalflow/legalflow/pkg/resilience"
	"github.com/legalflow/legalflow/pkg/telemetry"
)

// DocumentInput is one document to process.
type DocumentInput struct {
	ID       string
	Filename string
	Data     []byte
}

// Result is the outcome of one attempt. Failure is nil on success; Events
// are validated and numbered 1..n in document order.
type Result struct {
	Events       []extract.CandidateEvent
	DetectedType extract.DocType
	OCRApplied   bool
	Pages        int
	Warnings     []string

	ParseSeconds   float64
	ExtractSeconds float64

	Failure *extract.Failure
}

// Executor drives the per-document pipeline. Each provider gets its own
// circuit breaker, so a failing upstream sheds load without delaying
// documents bound for a healthy one.
type Executor struct {
	registry *registry.Registry
	ocr      *ocr.Chain
	retrier  *resilience.Retrier
	logger   *slog.Logger

	breakerFailures int
	breakerCooldown time.Duration

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewExecutor wires the pipeline. The OCR chain may be nil when no engine is
// deployed; scanned documents then fail with a parse failure.
func NewExecutor(reg *registry.Registry, chain *ocr.Chain, retrier *resilience.Retrier, logger *slog.Logger) *Executor {
	if retrier == nil {
		retrier = resilience.NewRetrier()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:        reg,
		ocr:             chain,
		retrier:         retrier,
		logger:          logger,
		breakerFailures: 5,
		breakerCooldown: 30 * time.Second,
		breakers:        make(map[string]*resilience.CircuitBreaker),
	}
}

// WithBreaker tunes the per-provider circuit breakers.
func (ex *Executor) WithBreaker(maxFailures int, cooldown time.Duration) *Executor {
	ex.breakerFailures = maxFailures
	ex.breakerCooldown = cooldown
	return ex
}

func (ex *Executor) breaker(provider string) *resilience.CircuitBreaker {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	cb, ok := ex.breakers[provider]
	if !ok {
		cb = resilience.NewCircuitBreaker().
			WithMaxFailures(ex.breakerFailures).
			WithCooldown(ex.breakerCooldown)
		cb.OnTrip = func(reason string) {
			ex.logger.Warn("provider circuit opened", "provider", provider, "reason", reason)
		}
		cb.OnReset = func() {
			ex.logger.Info("provider circuit closed", "provider", provider)
		}
		ex.breakers[provider] = cb
	}
	return cb
}

// Process runs one attempt over the document. It never returns an error:
// every failure mode is typed into Result.Failure so the caller can persist
// it uniformly.
func (ex *Executor) Process(ctx context.Context, in DocumentInput, cfg model.RunConfig) Result {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.process",
		attribute.String("document.id", in.ID),
		attribute.String("document.filename", in.Filename))
	defer span.End()

	var res Result

	provider, err := ex.registry.Resolve(cfg.Provider)
	if err != nil {
		res.Failure = extract.NewConfigurationFailure(err.Error())
		telemetry.RecordError(ctx, res.Failure)
		return res
	}

	res.DetectedType = extract.DetectType(in.Data)
	span.SetAttributes(
		attribute.String("provider", provider.Name),
		attribute.String("document.type", string(res.DetectedType)))
	log := ex.logger.With("document", in.ID, "type", res.DetectedType, "provider", provider.Name)

	doc, failure := ex.parse(ctx, provider, in, cfg, res.DetectedType, &res)
	if failure != nil {
		res.Failure = failure
		telemetry.RecordError(ctx, failure)
		return res
	}
	res.OCRApplied = doc.OCRApplied
	res.Pages = doc.Pages
	telemetry.AddEvent(ctx, "parsed",
		attribute.Int("pages", res.Pages),
		attribute.Bool("ocr", res.OCRApplied))

	events, failure := ex.extract(ctx, provider, doc, cfg, &res)
	if failure != nil {
		res.Failure = failure
		telemetry.RecordError(ctx, failure)
		return res
	}

	res.Events = validate(events, in.Filename, &res.Warnings)
	span.SetAttributes(attribute.Int("events", len(res.Events)))
	log.Debug("document processed",
		"events", len(res.Events),
		"warnings", len(res.Warnings),
		"ocr", res.OCRApplied)
	return res
}

// parse runs the parser stage, falling through to OCR per policy.
func (ex *Executor) parse(ctx context.Context, provider *registry.Provider, in DocumentInput, cfg model.RunConfig, docType extract.DocType, res *Result) (*extract.NormalizedDoc, *extract.Failure) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.parse")
	defer span.End()

	start := time.Now()
	defer func() { res.ParseSeconds = time.Since(start).Seconds() }()

	hints := extract.ParseHints{
		Filename:     in.Filename,
		DetectedType: docType,
		OCRPolicy:    cfg.OCRPolicy,
	}

	if cfg.OCRPolicy == "force" {
		return ex.recognize(ctx, in, nil)
	}

	doc, err := provider.Parser.Parse(ctx, in.Data, hints)
	if err == nil {
		return doc, nil
	}

	if errors.Is(err, extract.ErrNotExtractable) && cfg.OCRPolicy != "off" {
		return ex.recognize(ctx, in, err)
	}
	if ctx.Err() != nil {
		return nil, extract.NewExtractionFailure("processing cancelled", ctx.Err())
	}
	return nil, extract.NewParseFailure(fmt.Sprintf("failed to parse %s", in.Filename), err)
}

// recognize runs the OCR chain. parseErr, when set, is the parser error that
// sent us here and is folded into the failure message.
func (ex *Executor) recognize(ctx context.Context, in DocumentInput, parseErr error) (*extract.NormalizedDoc, *extract.Failure) {
	if !ex.ocr.Available() {
		msg := fmt.Sprintf("%s needs OCR but no engine is configured", in.Filename)
		return nil, extract.NewParseFailure(msg, parseErr)
	}

	doc, err := ex.ocr.Recognize(ctx, in.Data)
	if err != nil {
		msg := fmt.Sprintf("OCR failed for %s", in.Filename)
		if parseErr != nil {
			msg = fmt.Sprintf("%s (after: %v)", msg, parseErr)
		}
		return nil, extract.NewParseFailure(msg, err)
	}
	return doc, nil
}

// extract runs the extractor with retries on transient errors. A provider
// whose circuit is open is not called at all; the document fails fast and
// can be retried once the provider recovers.
func (ex *Executor) extract(ctx context.Context, provider *registry.Provider, doc *extract.NormalizedDoc, cfg model.RunConfig, res *Result) ([]extract.CandidateEvent, *extract.Failure) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.extract")
	defer span.End()

	start := time.Now()
	defer func() { res.ExtractSeconds = time.Since(start).Seconds() }()

	cb := ex.breaker(provider.Name)
	if !cb.Allow() {
		f := extract.NewExtractionFailure(
			fmt.Sprintf("provider %s is unavailable (circuit open)", provider.Name), nil)
		telemetry.RecordError(ctx, f)
		return nil, f
	}

	var events []extract.CandidateEvent
	err := ex.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		events, err = provider.Extractor.Extract(ctx, doc, cfg.PromptVersion)
		return err
	}, extract.IsTransient)

	// Only transient errors count against the provider's health; a bad
	// prompt or API key says nothing about whether the upstream is alive.
	cb.Record(err == nil || !extract.IsTransient(err))

	if err != nil {
		if f := asTypedFailure(err); f != nil {
			return nil, f
		}
		return nil, extract.NewExtractionFailure(
			fmt.Sprintf("extractor %s failed", provider.Extractor.Name()), err)
	}
	return events, nil
}

func asTypedFailure(err error) *extract.Failure {
	var f *extract.Failure
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// validate drops candidates without particulars, fills empty references
// with the filename, and numbers the survivors 1..n.
func validate(events []extract.CandidateEvent, filename string, warnings *[]string) []extract.CandidateEvent {
	out := events[:0]
	for i, ev := range events {
		if strings.TrimSpace(ev.Particulars) == "" {
			*warnings = append(*warnings,
				fmt.Sprintf("dropped event %d: missing particulars", i+1))
			continue
		}
		if strings.TrimSpace(ev.Reference) == "" {
			ev.Reference = filename
		}
		out = append(out, ev)
	}
	return out
}
