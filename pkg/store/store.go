// Package store persists the Client/Case/Run/Document/Event hierarchy. The
// run coordinator is the only writer of run and document status; the store's
// job is to make each of its transitions atomic and idempotent.
package store

import (
	"context"
	"errors"

	"github.com/legalflow/legalflow/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// DocumentResult carries everything a finished document attempt writes in
// one transaction. Attempt guards against late results: a result whose
// attempt no longer matches the document's current attempt is stale and is
// discarded without effect.
type DocumentResult struct {
	DocumentID   string
	Attempt      int
	Events       []model.Event
	DetectedType string
	OCRApplied   bool
	Pages        int
	Warnings     int

	ParseSeconds   float64
	ExtractSeconds float64
}

// Store is the persistence contract. Implementations must make each method
// atomic; callers never compose transactions across calls.
type Store interface {
	// Clients
	CreateClient(ctx context.Context, c *model.Client) error
	GetClient(ctx context.Context, id string) (*model.Client, error)
	ListClients(ctx context.Context) ([]model.Client, error)

	// SetClientStatus changes the client lifecycle state. Clients are never
	// deleted, only deactivated or suspended.
	SetClientStatus(ctx context.Context, id string, status model.ClientStatus) error

	// Cases
	CreateCase(ctx context.Context, c *model.Case) error
	GetCase(ctx context.Context, id string) (*model.Case, error)
	ListCases(ctx context.Context, clientID string) ([]model.Case, error)
	SetCaseStatus(ctx context.Context, id string, status model.CaseStatus) error

	// Runs
	CreateRun(ctx context.Context, run *model.Run, docs []model.Document) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, caseID string) ([]model.Run, error)

	// MarkRunStarted flips a pending run to processing and stamps
	// StartedAt. It reports false when the run was not pending, which
	// makes duplicate start requests harmless.
	MarkRunStarted(ctx context.Context, id string) (bool, error)

	// FailRun forces the run to failed with the given reason. Used for
	// configuration failures and cancellation.
	FailRun(ctx context.Context, id string, kind model.FailureKind, msg string) error

	// SetRunProcessing moves a terminal run back to processing (document
	// retry). Reports false if the run was already processing.
	SetRunProcessing(ctx context.Context, id string) (bool, error)

	// FinalizeRunIfDone recomputes the run status from its documents and,
	// when every document is terminal, transitions the run exactly once.
	// It reports the resulting status and whether this call performed the
	// transition.
	FinalizeRunIfDone(ctx context.Context, id string) (model.RunStatus, bool, error)

	// Documents
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	ListDocuments(ctx context.Context, runID string) ([]model.Document, error)

	// MarkDocumentProcessing flips a pending document to processing.
	// Reports false when the document is not pending (duplicate delivery).
	MarkDocumentProcessing(ctx context.Context, id string) (bool, error)

	// CompleteDocument writes a successful attempt: events from earlier
	// attempts are superseded (deleted), the new batch is inserted, and
	// the document is marked completed, all in one transaction. Reports
	// false for stale attempts.
	CompleteDocument(ctx context.Context, res DocumentResult) (bool, error)

	// FailDocument marks an attempt failed. Reports false for stale
	// attempts.
	FailDocument(ctx context.Context, id string, attempt int, kind model.FailureKind, msg string) (bool, error)

	// ResetDocumentForRetry moves a failed document back to pending with
	// an incremented attempt and returns the updated record.
	ResetDocumentForRetry(ctx context.Context, id string) (*model.Document, error)

	// CancelPendingDocuments fails every pending document of the run with
	// the cancelled kind and returns their IDs.
	CancelPendingDocuments(ctx context.Context, runID string) ([]string, error)

	CountDocumentsByStatus(ctx context.Context, runID string) (model.StatusCounts, error)

	// Events
	ListEvents(ctx context.Context, runID string, limit, offset int) ([]model.Event, int64, error)

	// Artifacts
	CreateArtifact(ctx context.Context, a *model.Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]model.Artifact, error)
}
