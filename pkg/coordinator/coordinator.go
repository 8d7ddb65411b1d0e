// Package coordinator owns every run and document status transition. It is
// the sole writer: workers report results here, the API layer calls in here,
// and each transition is persisted before it is published.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/legalflow/legalflow/internal/model"
	"github.com/legalflow/legalflow/pkg/dispatch"
	"github.com/legalflow/legalflow/pkg/pipeline"
	"github.com/legalflow/legalflow/pkg/progress"
	"github.com/legalflow/legalflow/pkg/registry"
	"github.com/legalflow/legalflow/pkg/store"
	"github.com/legalflow/legalflow/pkg/telemetry"
)

// ErrRunTerminal is returned for operations that need a live run.
var ErrRunTerminal = errors.New("coordinator: run is already terminal")

// DocumentUpload describes one already-stored document joining a run.
type DocumentUpload struct {
	Filename   string
	StorageKey string
	SHA256     string
	SizeBytes  int64
}

// CreateRunParams are the inputs to CreateRun.
type CreateRunParams struct {
	CaseID    string
	Config    model.RunConfig
	Documents []DocumentUpload
}

// Coordinator sequences run lifecycles over the store, the dispatch queue,
// and the progress publisher.
type Coordinator struct {
	store    store.Store
	queue    dispatch.Queue
	progress *progress.Publisher
	registry *registry.Registry
	logger   *slog.Logger
}

// New wires a coordinator.
func New(st store.Store, q dispatch.Queue, pub *progress.Publisher, reg *registry.Registry, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: st, queue: q, progress: pub, registry: reg, logger: logger}
}

// jobID is deterministic per attempt so a cancel can withdraw exactly the
// queued job and stale deliveries are recognizable.
func jobID(documentID string, attempt int) string {
	return fmt.Sprintf("%s:%d", documentID, attempt)
}

// CreateRun validates the configuration against the provider registry and
// persists the run with its documents in pending state. A configuration
// problem is rejected here, before anything is queued.
func (c *Coordinator) CreateRun(ctx context.Context, p CreateRunParams) (*model.Run, error) {
	if len(p.Documents) == 0 {
		return nil, errors.New("a run needs at least one document")
	}
	if _, ok := dispatch.ParseLane(p.Config.Lane); !ok {
		return nil, fmt.Errorf("unknown dispatch lane %q", p.Config.Lane)
	}
	if f := c.registry.Validate(p.Config); f != nil {
		return nil, f
	}

	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot config: %w", err)
	}

	run := &model.Run{
		ID:     uuid.NewString(),
		CaseID: p.CaseID,
		Status: model.RunPending,
		Config: cfg,
	}
	docs := make([]model.Document, 0, len(p.Documents))
	for _, d := range p.Documents {
		docs = append(docs, model.Document{
			ID:         uuid.NewString(),
			RunID:      run.ID,
			CaseID:     p.CaseID,
			Filename:   d.Filename,
			StorageKey: d.StorageKey,
			SHA256:     d.SHA256,
			SizeBytes:  d.SizeBytes,
			Status:     model.DocumentPending,
			Attempt:    1,
		})
	}

	if err := c.store.CreateRun(ctx, run, docs); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	c.logger.Info("run created", "run", run.ID, "case", p.CaseID, "documents", len(docs))
	return run, nil
}

// StartRun dispatches the run's pending documents. Starting a run that is
// already processing is a no-op, so clients can retry the request safely.
// The config snapshot is decoded before any state moves, so a corrupt
// snapshot rejects the start instead of surfacing per document mid-batch.
func (c *Coordinator) StartRun(ctx context.Context, runID string) (*model.Run, error) {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.start_run",
		attribute.String("run.id", runID))
	defer span.End()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	cfg, err := c.runConfig(run)
	if err != nil {
		telemetry.RecordError(ctx, err)
		c.logger.Error("refusing to start run", "run", runID, "error", err)
		return nil, err
	}
	lane, _ := dispatch.ParseLane(cfg.Lane)

	started, err := c.store.MarkRunStarted(ctx, runID)
	if err != nil {
		return nil, err
	}
	run, err = c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !started {
		if run.Status.Terminal() {
			return nil, ErrRunTerminal
		}
		return run, nil
	}

	c.progress.Publish(runID, progress.Record{
		Kind: progress.KindRun, EntityID: runID,
		From: string(model.RunPending), To: string(model.RunProcessing),
	})

	docs, err := c.store.ListDocuments(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if doc.Status != model.DocumentPending {
			continue
		}
		job := dispatch.Job{
			ID:         jobID(doc.ID, doc.Attempt),
			RunID:      runID,
			DocumentID: doc.ID,
			Lane:       lane,
			Attempt:    doc.Attempt,
		}
		if err := c.queue.Enqueue(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to enqueue document %s: %w", doc.ID, err)
		}
	}

	c.logger.Info("run started", "run", runID, "documents", len(docs), "lane", lane)
	return run, nil
}

func (c *Coordinator) runConfig(run *model.Run) (model.RunConfig, error) {
	var cfg model.RunConfig
	if len(run.Config) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(run.Config, &cfg); err != nil {
		return cfg, fmt.Errorf("corrupt config snapshot for run %s: %w", run.ID, err)
	}
	return cfg, nil
}

// OnDocumentStarted flips the document to processing. It reports false when
// the delivery is stale (already processed or superseded by a retry).
func (c *Coordinator) OnDocumentStarted(ctx context.Context, job dispatch.Job) (bool, error) {
	doc, err := c.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return false, err
	}
	if doc.Attempt != job.Attempt {
		return false, nil
	}

	ok, err := c.store.MarkDocumentProcessing(ctx, job.DocumentID)
	if err != nil || !ok {
		return false, err
	}

	c.progress.Publish(job.RunID, progress.Record{
		Kind: progress.KindDocument, EntityID: job.DocumentID,
		From: string(model.DocumentPending), To: string(model.DocumentProcessing),
	})
	return true, nil
}

// OnResult records a finished attempt: persist the document transition,
// publish it, then finalize the run if every document is terminal. Stale
// results (a cancelled run, a superseded attempt) are discarded without
// touching anything.
func (c *Coordinator) OnResult(ctx context.Context, job dispatch.Job, res pipeline.Result) error {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.result",
		attribute.String("run.id", job.RunID),
		attribute.String("document.id", job.DocumentID))
	defer span.End()

	// A terminal run means cancellation won the race; whatever the worker
	// produced is dropped on the floor.
	run, err := c.store.GetRun(ctx, job.RunID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		c.logger.Warn("discarded result for terminal run", "run", job.RunID, "document", job.DocumentID)
		return nil
	}

	if res.Failure != nil {
		return c.onFailure(ctx, job, res)
	}

	events := make([]model.Event, 0, len(res.Events))
	for i, ev := range res.Events {
		events = append(events, model.Event{
			ID:          uuid.NewString(),
			RunID:       job.RunID,
			DocumentID:  job.DocumentID,
			Attempt:     job.Attempt,
			Sequence:    i + 1,
			Date:        ev.Date,
			Particulars: ev.Particulars,
			Citation:    ev.Citation,
			DocumentRef: ev.Reference,
		})
	}

	applied, err := c.store.CompleteDocument(ctx, store.DocumentResult{
		DocumentID:     job.DocumentID,
		Attempt:        job.Attempt,
		Events:         events,
		DetectedType:   string(res.DetectedType),
		OCRApplied:     res.OCRApplied,
		Pages:          res.Pages,
		Warnings:       len(res.Warnings),
		ParseSeconds:   res.ParseSeconds,
		ExtractSeconds: res.ExtractSeconds,
	})
	if err != nil {
		return err
	}
	if !applied {
		c.logger.Warn("discarded stale result", "document", job.DocumentID, "attempt", job.Attempt)
		return nil
	}

	c.progress.Publish(job.RunID, progress.Record{
		Kind: progress.KindDocument, EntityID: job.DocumentID,
		From: string(model.DocumentProcessing), To: string(model.DocumentCompleted),
		Detail: fmt.Sprintf("%d events", len(events)),
	})
	for _, w := range res.Warnings {
		c.logger.Warn("quality warning", "run", job.RunID, "document", job.DocumentID, "warning", w)
	}

	return c.finalize(ctx, job.RunID)
}

func (c *Coordinator) onFailure(ctx context.Context, job dispatch.Job, res pipeline.Result) error {
	applied, err := c.store.FailDocument(ctx, job.DocumentID, job.Attempt, res.Failure.Kind, res.Failure.Error())
	if err != nil {
		return err
	}
	if !applied {
		c.logger.Warn("discarded stale failure", "document", job.DocumentID, "attempt", job.Attempt)
		return nil
	}
	telemetry.RecordError(ctx, res.Failure)

	c.progress.Publish(job.RunID, progress.Record{
		Kind: progress.KindDocument, EntityID: job.DocumentID,
		From: string(model.DocumentProcessing), To: string(model.DocumentFailed),
		Detail: string(res.Failure.Kind),
	})
	c.logger.Error("document failed",
		"run", job.RunID, "document", job.DocumentID,
		"kind", res.Failure.Kind, "error", res.Failure.Error())

	return c.finalize(ctx, job.RunID)
}

func (c *Coordinator) finalize(ctx context.Context, runID string) error {
	status, changed, err := c.store.FinalizeRunIfDone(ctx, runID)
	if err != nil {
		return err
	}
	if changed {
		c.progress.Publish(runID, progress.Record{
			Kind: progress.KindRun, EntityID: runID,
			From: string(model.RunProcessing), To: string(status),
		})
		c.logger.Info("run finished", "run", runID, "status", status)
	}
	return nil
}

// CancelRun stops a live run: queued documents are failed as cancelled and
// their jobs withdrawn, in-flight documents are left to finish and their
// late results discarded. When every document is already terminal the final
// status follows the document counts, so a cancel that lands after some
// documents completed yields partially_failed rather than erasing that
// work; a run with documents still in flight goes straight to failed.
func (c *Coordinator) CancelRun(ctx context.Context, runID string) error {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.cancel_run",
		attribute.String("run.id", runID))
	defer span.End()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return ErrRunTerminal
	}

	cancelled, err := c.store.CancelPendingDocuments(ctx, runID)
	if err != nil {
		return err
	}

	docs, err := c.store.ListDocuments(ctx, runID)
	if err != nil {
		return err
	}
	attempts := make(map[string]int, len(docs))
	for _, d := range docs {
		attempts[d.ID] = d.Attempt
	}
	for _, docID := range cancelled {
		c.queue.Withdraw(ctx, jobID(docID, attempts[docID]))
		c.progress.Publish(runID, progress.Record{
			Kind: progress.KindDocument, EntityID: docID,
			From: string(model.DocumentPending), To: string(model.DocumentFailed),
			Detail: string(model.FailureCancelled),
		})
	}

	status, changed, err := c.store.FinalizeRunIfDone(ctx, runID)
	if err != nil {
		return err
	}
	if !changed {
		if err := c.store.FailRun(ctx, runID, model.FailureCancelled, "cancelled by request"); err != nil {
			return err
		}
		status = model.RunFailed
	}
	c.progress.Publish(runID, progress.Record{
		Kind: progress.KindRun, EntityID: runID,
		From: string(run.Status), To: string(status),
		Detail: string(model.FailureCancelled),
	})
	c.logger.Info("run cancelled", "run", runID, "status", status, "queued_documents", len(cancelled))
	return nil
}

// RetryDocument requeues a failed document under a fresh attempt. Events
// from the prior attempt stay visible until the retry completes, then are
// superseded atomically.
func (c *Coordinator) RetryDocument(ctx context.Context, documentID string) (*model.Document, error) {
	current, err := c.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	run, err := c.store.GetRun(ctx, current.RunID)
	if err != nil {
		return nil, err
	}
	cfg, err := c.runConfig(run)
	if err != nil {
		c.logger.Error("refusing to retry document", "document", documentID, "error", err)
		return nil, err
	}
	lane, _ := dispatch.ParseLane(cfg.Lane)

	doc, err := c.store.ResetDocumentForRetry(ctx, documentID)
	if err != nil {
		return nil, err
	}

	if changed, err := c.store.SetRunProcessing(ctx, doc.RunID); err != nil {
		return nil, err
	} else if changed {
		c.progress.Reopen(doc.RunID)
		c.progress.Publish(doc.RunID, progress.Record{
			Kind: progress.KindRun, EntityID: doc.RunID,
			To: string(model.RunProcessing), Detail: "document retry",
		})
	}

	job := dispatch.Job{
		ID:         jobID(doc.ID, doc.Attempt),
		RunID:      doc.RunID,
		DocumentID: doc.ID,
		Lane:       lane,
		Attempt:    doc.Attempt,
	}
	if err := c.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue retry: %w", err)
	}

	c.progress.Publish(doc.RunID, progress.Record{
		Kind: progress.KindDocument, EntityID: doc.ID,
		From: string(model.DocumentFailed), To: string(model.DocumentPending),
		Detail: fmt.Sprintf("attempt %d", doc.Attempt),
	})
	c.logger.Info("document retry queued", "document", doc.ID, "attempt", doc.Attempt)
	return doc, nil
}
