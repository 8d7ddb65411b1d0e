package coordinator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/legalflow/legalflow/internal/model"
	"github.com/legalflow/legalflow/pkg/dispatch"
	"github.com/legalflow/legalflow/pkg/extract"
	"github.com/legalflow/legalflow/pkg/objstore"
	"github.com/legalflow/legalflow/pkg/pipeline"
	"github.com/legalflow/legalflow/pkg/progress"
	"github.com/legalflow/legalflow/pkg/registry"
	"github.com/legalflow/legalflow/pkg/resilience"
	"github.com/legalflow/legalflow/pkg/store"
)

// scriptParser passes the raw bytes through as plain text; "NOPARSE" in the
// content errors like an unreadable scan.
type scriptParser struct{}

func (scriptParser) Name() string                        { return "script-parser" }
func (scriptParser) SupportsType(t extract.DocType) bool { return true }
func (scriptParser) Parse(ctx context.Context, data []byte, hints extract.ParseHints) (*extract.NormalizedDoc, error) {
	if strings.Contains(string(data), "NOPARSE") {
		return nil, errors.New("unreadable scan")
	}
	return &extract.NormalizedDoc{PlainText: string(data), Pages: 1}, nil
}

// scriptExtractor reads its behavior from the document text: "FAIL" errors,
// otherwise each non-empty line becomes one event.
type scriptExtractor struct{}

func (scriptExtractor) Name() string                        { return "script-extractor" }
func (scriptExtractor) SupportsPromptVersion(v string) bool { return v == "" || v == "v1" }
func (scriptExtractor) Extract(ctx context.Context, doc *extract.NormalizedDoc, promptVersion string) ([]extract.CandidateEvent, error) {
	if strings.Contains(doc.PlainText, "FAIL") {
		return nil, errors.New("extraction blew up")
	}
	var events []extract.CandidateEvent
	for _, line := range strings.Split(doc.PlainText, "\n") {
		if strings.TrimSpace(line) != "" {
			events = append(events, extract.CandidateEvent{Particulars: line})
		}
	}
	return events, nil
}

type fixture struct {
	store   *store.MemoryStore
	queue   *dispatch.MemoryQueue
	pub     *progress.Publisher
	objects *objstore.MemoryStore
	coord   *Coordinator
	pool    *Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.NewRegistry()
	if err := reg.Register(&registry.Provider{
		Name:      "script",
		Parser:    scriptParser{},
		Extractor: scriptExtractor{},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	st := store.NewMemoryStore()
	q := dispatch.NewMemoryQueue(time.Minute)
	t.Cleanup(func() { q.Close() })
	pub := progress.NewPublisher()
	objects := objstore.NewMemoryStore()

	coord := New(st, q, pub, reg, nil)
	retrier := resilience.NewRetrier().WithMaxAttempts(2).WithBaseDelay(time.Millisecond).WithJitter(0)
	ex := pipeline.NewExecutor(reg, nil, retrier, nil)
	pool := NewPool(q, st, objects, ex, coord, PoolConfig{Workers: 2, MaxJobsPerWorker: 5}, nil)

	return &fixture{store: st, queue: q, pub: pub, objects: objects, coord: coord, pool: pool}
}

// createRun seeds object storage and creates a run; contents maps filename
// to document text.
func (f *fixture) createRun(t *testing.T, contents map[string]string) *model.Run {
	t.Helper()
	ctx := context.Background()

	var uploads []DocumentUpload
	for name, text := range contents {
		key := "clients/c1/cases/case1/uploads/" + name
		if err := f.objects.Put(ctx, key, bytes.NewReader([]byte(text)), int64(len(text)), "text/plain"); err != nil {
			t.Fatalf("Put: %v", err)
		}
		uploads = append(uploads, DocumentUpload{Filename: name, StorageKey: key})
	}

	run, err := f.coord.CreateRun(ctx, CreateRunParams{
		CaseID:    "case1",
		Config:    model.RunConfig{Provider: "script", Lane: "default"},
		Documents: uploads,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

// waitTerminal runs the pool until the run reaches a terminal status.
func (f *fixture) waitTerminal(t *testing.T, runID string) model.RunStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolDone := make(chan error, 1)
	go func() { poolDone <- f.pool.Run(ctx) }()

	var last model.RunStatus
	for rec := range f.pub.Subscribe(ctx, runID, 0) {
		if rec.Kind == progress.KindRun && model.RunStatus(rec.To).Terminal() {
			last = model.RunStatus(rec.To)
		}
	}
	cancel()
	<-poolDone

	if last == "" {
		t.Fatal("run never reached a terminal status")
	}
	return last
}

func TestRunCompletesAllDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := f.createRun(t, map[string]string{
		"a.txt": "Plaint filed.\nSummons issued.",
		"b.txt": "Hearing held.",
	})
	if _, err := f.coord.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if got := f.waitTerminal(t, run.ID); got != model.RunCompleted {
		t.Fatalf("run status = %q, want completed", got)
	}

	events, total, _ := f.store.ListEvents(ctx, run.ID, 0, 0)
	if total != 3 {
		t.Errorf("events = %d, want 3: %+v", total, events)
	}
	for _, ev := range events {
		if ev.Sequence < 1 {
			t.Errorf("event %s has sequence %d", ev.ID, ev.Sequence)
		}
	}
}

func TestPartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := f.createRun(t, map[string]string{
		"good.txt": "Decree passed.\nAppeal filed.",
		"bad.txt":  "FAIL",
	})
	f.coord.StartRun(ctx, run.ID)

	if got := f.waitTerminal(t, run.ID); got != model.RunPartiallyFailed {
		t.Fatalf("run status = %q, want partially_failed", got)
	}

	// Events from the successful document survive.
	_, total, _ := f.store.ListEvents(ctx, run.ID, 0, 0)
	if total != 2 {
		t.Errorf("events = %d, want 2", total)
	}

	docs, _ := f.store.ListDocuments(ctx, run.ID)
	var failed *model.Document
	for i := range docs {
		if docs[i].Status == model.DocumentFailed {
			failed = &docs[i]
		}
	}
	if failed == nil {
		t.Fatal("expected one failed document")
	}
	if failed.FailureKind != model.FailureExtraction {
		t.Errorf("failure kind = %q, want extraction", failed.FailureKind)
	}
}

func TestMixedOutcomeRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// One document yields two events, one cannot be parsed, one parses but
	// carries no events at all.
	run := f.createRun(t, map[string]string{
		"events.txt": "Decree passed.\nAppeal filed.",
		"broken.txt": "NOPARSE",
		"empty.txt":  "",
	})
	f.coord.StartRun(ctx, run.ID)

	if got := f.waitTerminal(t, run.ID); got != model.RunPartiallyFailed {
		t.Fatalf("run status = %q, want partially_failed", got)
	}

	// Exactly the two events from the successful document.
	_, total, _ := f.store.ListEvents(ctx, run.ID, 0, 0)
	if total != 2 {
		t.Errorf("events = %d, want 2", total)
	}

	docs, _ := f.store.ListDocuments(ctx, run.ID)
	byName := make(map[string]model.Document, len(docs))
	for _, d := range docs {
		byName[d.Filename] = d
	}
	if d := byName["events.txt"]; d.Status != model.DocumentCompleted {
		t.Errorf("events.txt = %q, want completed", d.Status)
	}
	// A document with zero events still completes; it does not count as a
	// failure.
	if d := byName["empty.txt"]; d.Status != model.DocumentCompleted {
		t.Errorf("empty.txt = %q, want completed", d.Status)
	}
	if d := byName["broken.txt"]; d.Status != model.DocumentFailed || d.FailureKind != model.FailureParse {
		t.Errorf("broken.txt = %s/%s, want failed/parse", d.Status, d.FailureKind)
	}
}

func TestAllDocumentsFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := f.createRun(t, map[string]string{
		"x.txt": "FAIL",
		"y.txt": "FAIL",
	})
	f.coord.StartRun(ctx, run.ID)

	if got := f.waitTerminal(t, run.ID); got != model.RunFailed {
		t.Fatalf("run status = %q, want failed", got)
	}
}

func TestStartRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := f.createRun(t, map[string]string{"a.txt": "One event."})
	if _, err := f.coord.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("first StartRun: %v", err)
	}
	if _, err := f.coord.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("second StartRun: %v", err)
	}

	// Only one job was queued despite two starts.
	counts, _ := f.queue.Len(ctx)
	if counts[dispatch.LaneDefault] != 1 {
		t.Errorf("queued jobs = %d, want 1", counts[dispatch.LaneDefault])
	}
}

func TestCreateRunRejectsBadConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.CreateRun(ctx, CreateRunParams{
		CaseID:    "case1",
		Config:    model.RunConfig{Provider: "nonexistent"},
		Documents: []DocumentUpload{{Filename: "a.txt", StorageKey: "k"}},
	})
	var f2 *extract.Failure
	if !errors.As(err, &f2) || f2.Kind != model.FailureConfiguration {
		t.Fatalf("err = %v, want configuration failure", err)
	}

	if _, err := f.coord.CreateRun(ctx, CreateRunParams{
		CaseID:    "case1",
		Config:    model.RunConfig{Provider: "script", Lane: "turbo"},
		Documents: []DocumentUpload{{Filename: "a.txt", StorageKey: "k"}},
	}); err == nil {
		t.Error("unknown lane should be rejected")
	}

	if _, err := f.coord.CreateRun(ctx, CreateRunParams{
		CaseID: "case1",
		Config: model.RunConfig{Provider: "script"},
	}); err == nil {
		t.Error("empty document set should be rejected")
	}
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := f.createRun(t, map[string]string{
		"a.txt": "Event one.",
		"b.txt": "Event two.",
		"c.txt": "Event three.",
	})
	f.coord.StartRun(ctx, run.ID)

	// Cancel before any worker runs: every document is still queued.
	if err := f.coord.CancelRun(ctx, run.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != model.RunFailed {
		t.Errorf("run status = %q, want failed", got.Status)
	}

	docs, _ := f.store.ListDocuments(ctx, run.ID)
	for _, d := range docs {
		if d.Status != model.DocumentFailed || d.FailureKind != model.FailureCancelled {
			t.Errorf("doc %s = %s/%s, want failed/cancelled", d.ID, d.Status, d.FailureKind)
		}
	}

	// The queued jobs were withdrawn.
	counts, _ := f.queue.Len(ctx)
	if counts[dispatch.LaneDefault] != 0 {
		t.Errorf("queued jobs after cancel = %d, want 0", counts[dispatch.LaneDefault])
	}

	// Cancelling again reports the run as terminal.
	if err := f.coord.CancelRun(ctx, run.ID); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("second cancel = %v, want ErrRunTerminal", err)
	}
}

func TestCancelAfterCompletedDocumentIsPartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := f.createRun(t, map[string]string{
		"done.txt":   "Decree passed.",
		"queued.txt": "Never processed.",
	})
	f.coord.StartRun(ctx, run.ID)

	// One document finishes before the cancel lands.
	job, err := f.queue.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if ok, _ := f.coord.OnDocumentStarted(ctx, job); !ok {
		t.Fatal("OnDocumentStarted should succeed")
	}
	err = f.coord.OnResult(ctx, job, pipeline.Result{
		Events: []extract.CandidateEvent{{Particulars: "Decree passed."}},
	})
	if err != nil {
		t.Fatalf("OnResult: %v", err)
	}

	if err := f.coord.CancelRun(ctx, run.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	// The completed work is not erased: with every document terminal the
	// run status follows the document counts.
	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != model.RunPartiallyFailed {
		t.Errorf("run status = %q, want partially_failed", got.Status)
	}
	_, total, _ := f.store.ListEvents(ctx, run.ID, 0, 0)
	if total != 1 {
		t.Errorf("events = %d, want 1", total)
	}
}

func TestStartRunRejectsCorruptConfigSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := &model.Run{
		ID:     "run-corrupt",
		CaseID: "case1",
		Status: model.RunPending,
		Config: []byte("{not json"),
	}
	docs := []model.Document{{
		ID: "d1", RunID: run.ID, CaseID: "case1",
		Filename: "a.txt", Status: model.DocumentPending, Attempt: 1,
	}}
	if err := f.store.CreateRun(ctx, run, docs); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if _, err := f.coord.StartRun(ctx, run.ID); err == nil {
		t.Fatal("corrupt config snapshot should refuse the start")
	}

	// Nothing moved: the run is still pending and no job was queued.
	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != model.RunPending {
		t.Errorf("run status = %q, want pending", got.Status)
	}
	counts, _ := f.queue.Len(ctx)
	if counts[dispatch.LaneDefault] != 0 {
		t.Errorf("queued jobs = %d, want 0", counts[dispatch.LaneDefault])
	}
}

func TestLateResultAfterCancelIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := f.createRun(t, map[string]string{"a.txt": "Event one."})
	f.coord.StartRun(ctx, run.ID)

	// A worker claims the job and starts the document.
	job, err := f.queue.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if ok, _ := f.coord.OnDocumentStarted(ctx, job); !ok {
		t.Fatal("OnDocumentStarted should succeed")
	}

	// Cancel lands while the document is in flight.
	if err := f.coord.CancelRun(ctx, run.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	// The worker finishes afterwards; its result must not resurrect the run.
	err = f.coord.OnResult(ctx, job, pipeline.Result{
		Events: []extract.CandidateEvent{{Particulars: "Too late."}},
	})
	if err != nil {
		t.Fatalf("OnResult: %v", err)
	}

	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != model.RunFailed {
		t.Errorf("run status = %q, want failed (cancelled)", got.Status)
	}
	_, total, _ := f.store.ListEvents(ctx, run.ID, 0, 0)
	if total != 0 {
		t.Errorf("late events persisted: %d", total)
	}
}

func TestRetryDocumentSupersedes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := f.createRun(t, map[string]string{
		"good.txt": "Kept event.",
		"bad.txt":  "FAIL",
	})
	f.coord.StartRun(ctx, run.ID)
	if got := f.waitTerminal(t, run.ID); got != model.RunPartiallyFailed {
		t.Fatalf("run status = %q, want partially_failed", got)
	}

	docs, _ := f.store.ListDocuments(ctx, run.ID)
	var failedID string
	for _, d := range docs {
		if d.Status == model.DocumentFailed {
			failedID = d.ID
		}
	}

	// Fix the document content, then retry.
	failedDoc, _ := f.store.GetDocument(ctx, failedID)
	f.objects.Put(ctx, failedDoc.StorageKey, bytes.NewReader([]byte("Recovered event.")), 16, "text/plain")

	doc, err := f.coord.RetryDocument(ctx, failedID)
	if err != nil {
		t.Fatalf("RetryDocument: %v", err)
	}
	if doc.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", doc.Attempt)
	}

	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != model.RunProcessing {
		t.Errorf("run status after retry = %q, want processing", got.Status)
	}

	if got := f.waitTerminal(t, run.ID); got != model.RunCompleted {
		t.Fatalf("run status after retry = %q, want completed", got)
	}

	events, total, _ := f.store.ListEvents(ctx, run.ID, 0, 0)
	if total != 2 {
		t.Fatalf("events = %d, want 2: %+v", total, events)
	}
}

func TestRetryDocumentRequiresFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := f.createRun(t, map[string]string{"a.txt": "Event."})
	docs, _ := f.store.ListDocuments(ctx, run.ID)

	if _, err := f.coord.RetryDocument(ctx, docs[0].ID); err == nil {
		t.Error("retry of a pending document should fail")
	}
}

func TestMissingObjectFailsDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.coord.CreateRun(ctx, CreateRunParams{
		CaseID:    "case1",
		Config:    model.RunConfig{Provider: "script"},
		Documents: []DocumentUpload{{Filename: "ghost.txt", StorageKey: "missing/key"}},
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	f.coord.StartRun(ctx, run.ID)

	if got := f.waitTerminal(t, run.ID); got != model.RunFailed {
		t.Fatalf("run status = %q, want failed", got)
	}

	docs, _ := f.store.ListDocuments(ctx, run.ID)
	if docs[0].FailureKind != model.FailureParse {
		t.Errorf("failure kind = %q, want parse", docs[0].FailureKind)
	}
}

func TestProgressStreamOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := f.createRun(t, map[string]string{"a.txt": "Event."})
	f.coord.StartRun(ctx, run.ID)
	f.waitTerminal(t, run.ID)

	// Replay the whole log; sequence must be strictly increasing and end
	// with the terminal run record.
	sub, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var records []progress.Record
	for rec := range f.pub.Subscribe(sub, run.ID, 0) {
		records = append(records, rec)
	}

	if len(records) < 3 {
		t.Fatalf("records = %d, want at least start, doc transitions, finish", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Seq != records[i-1].Seq+1 {
			t.Fatalf("sequence gap at %d: %d -> %d", i, records[i-1].Seq, records[i].Seq)
		}
	}
	last := records[len(records)-1]
	if last.Kind != progress.KindRun || !model.RunStatus(last.To).Terminal() {
		t.Errorf("last record = %+v, want terminal run record", last)
	}
}
