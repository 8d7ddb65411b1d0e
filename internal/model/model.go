// Package model defines the persistent records of the extraction service:
// the Client → Case → Run → Document → Event/Artifact hierarchy and the
// status machines that govern it.
package model

import (
	"time"

	"gorm.io/datatypes"
)

// ClientStatus is the lifecycle state of a tenant account.
// Clients are never hard-deleted; they only change status.
type ClientStatus string

const (
	ClientActive    ClientStatus = "active"
	ClientInactive  ClientStatus = "inactive"
	ClientSuspended ClientStatus = "suspended"
)

// CaseStatus is the lifecycle state of a legal case.
type CaseStatus string

const (
	CaseActive   CaseStatus = "active"
	CaseClosed   CaseStatus = "closed"
	CaseArchived CaseStatus = "archived"
)

// RunStatus is the aggregate state of a batch extraction run.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunProcessing      RunStatus = "processing"
	RunCompleted       RunStatus = "completed"
	RunPartiallyFailed RunStatus = "partially_failed"
	RunFailed          RunStatus = "failed"
)

// Terminal reports whether the run has reached a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunPartiallyFailed, RunFailed:
		return true
	}
	return false
}

// DocumentStatus is the processing state of a single uploaded document.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

// Terminal reports whether the document has reached a final state.
func (s DocumentStatus) Terminal() bool {
	return s == DocumentCompleted || s == DocumentFailed
}

// FailureKind categorizes why a run or document failed.
type FailureKind string

const (
	FailureConfiguration FailureKind = "configuration"
	FailureParse         FailureKind = "parse"
	FailureExtraction    FailureKind = "extraction"
	FailureCancelled     FailureKind = "cancelled"
)

// ArtifactFormat is an export file format.
type ArtifactFormat string

const (
	FormatCSV  ArtifactFormat = "csv"
	FormatXLSX ArtifactFormat = "xlsx"
	FormatJSON ArtifactFormat = "json"
)

// ParseArtifactFormat parses a format string, returning false for unknown values.
func ParseArtifactFormat(s string) (ArtifactFormat, bool) {
	switch ArtifactFormat(s) {
	case FormatCSV, FormatXLSX, FormatJSON:
		return ArtifactFormat(s), true
	}
	return "", false
}

// RunConfig is the immutable configuration snapshot taken when a run is
// created. It is stored as an opaque JSON blob on the run and never mutated.
type RunConfig struct {
	Provider      string `json:"provider"`
	Model         string `json:"model,omitempty"`
	PromptVersion string `json:"prompt_version"`
	OCRPolicy     string `json:"ocr_policy,omitempty"` // auto | force | off
	Lane          string `json:"lane,omitempty"`       // dispatch lane, default "default"
}

// Client is a tenant that owns cases.
type Client struct {
	ID            string       `gorm:"primaryKey;size:36" json:"id"`
	Name          string       `gorm:"size:255;not null" json:"name"`
	ReferenceCode string       `gorm:"size:100;uniqueIndex" json:"reference_code,omitempty"`
	ContactEmail  string       `gorm:"size:255" json:"contact_email,omitempty"`
	Status        ClientStatus `gorm:"size:20;default:active" json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Case is a legal matter grouping runs under a client.
type Case struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	ClientID    string     `gorm:"size:36;index:idx_case_client_status;not null" json:"client_id"`
	Name        string     `gorm:"size:255;not null" json:"name"`
	Description string     `gorm:"type:text" json:"description,omitempty"`
	Status      CaseStatus `gorm:"size:20;index:idx_case_client_status;default:active" json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Run is one batch extraction job over a set of documents with a fixed
// provider/prompt configuration.
type Run struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	CaseID     string         `gorm:"size:36;index:idx_run_case_status;not null" json:"case_id"`
	Status     RunStatus      `gorm:"size:20;index:idx_run_case_status;default:pending" json:"status"`
	Config     datatypes.JSON `gorm:"type:jsonb" json:"config"`
	Error      string         `gorm:"type:text" json:"error,omitempty"`
	CreatedAt  time.Time      `gorm:"index" json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`

	// Timing totals accumulated across documents.
	ParseSeconds   float64 `json:"parse_seconds,omitempty"`
	ExtractSeconds float64 `json:"extract_seconds,omitempty"`

	Metadata datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
}

// Document is one uploaded file within a run. It is processed by at most one
// in-flight job at a time; Attempt counts explicit retries.
type Document struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	RunID        string         `gorm:"size:36;index:idx_doc_run_status;not null" json:"run_id"`
	CaseID       string         `gorm:"size:36;index;not null" json:"case_id"`
	Filename     string         `gorm:"size:255;not null" json:"filename"`
	StorageKey   string         `gorm:"size:500" json:"storage_key"`
	SHA256       string         `gorm:"size:64;index" json:"sha256,omitempty"`
	SizeBytes    int64          `json:"size_bytes,omitempty"`
	DetectedType string         `gorm:"size:30" json:"detected_type,omitempty"`
	OCRApplied   bool           `json:"ocr_applied"`
	Pages        int            `json:"pages,omitempty"`
	Status       DocumentStatus `gorm:"size:20;index:idx_doc_run_status;default:pending" json:"status"`
	FailureKind  FailureKind    `gorm:"size:20" json:"failure_kind,omitempty"`
	Error        string         `gorm:"type:text" json:"error,omitempty"`
	Attempt      int            `gorm:"default:1" json:"attempt"`
	Warnings     int            `json:"warnings,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ProcessedAt  *time.Time     `json:"processed_at,omitempty"`
}

// Event is one extracted legal event. Events are immutable once written; a
// document retry writes a fresh batch under a higher attempt number and the
// prior attempt's events are superseded.
type Event struct {
	ID         string `gorm:"primaryKey;size:36" json:"id"`
	RunID      string `gorm:"size:36;index;not null" json:"run_id"`
	DocumentID string `gorm:"size:36;index;not null" json:"document_id"`
	Attempt    int    `gorm:"default:1" json:"attempt"`

	// The five-column structure of the exported chronology.
	Sequence    int    `json:"sequence"`
	Date        string `gorm:"size:100" json:"date,omitempty"` // empty when the event is undated
	Particulars string `gorm:"type:text;not null" json:"particulars"`
	Citation    string `gorm:"type:text" json:"citation,omitempty"`
	DocumentRef string `gorm:"size:255" json:"document_ref"`

	CreatedAt time.Time `json:"created_at"`
}

// Artifact is a generated export over a run's events. Multiple artifacts per
// run and format are allowed; they are versioned by creation time and never
// mutated.
type Artifact struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	RunID      string         `gorm:"size:36;index;not null" json:"run_id"`
	Format     ArtifactFormat `gorm:"size:10" json:"format"`
	StorageKey string         `gorm:"size:500" json:"storage_key"`
	SizeBytes  int64          `json:"size_bytes"`
	CreatedAt  time.Time      `json:"created_at"`
}

// StatusCounts aggregates document statuses within a run.
type StatusCounts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Total returns the number of documents counted.
func (c StatusCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// AllTerminal reports whether every document has reached a final state.
func (c StatusCounts) AllTerminal() bool {
	return c.Pending == 0 && c.Processing == 0
}

// ComputeRunStatus derives the run status from its documents' statuses.
// The run status is always a pure function of the document statuses:
//
//	any non-terminal document  -> processing
//	all completed              -> completed
//	some completed, some failed -> partially_failed
//	none completed             -> failed
//
// An empty run stays pending until documents are attached.
func ComputeRunStatus(c StatusCounts) RunStatus {
	if c.Total() == 0 {
		return RunPending
	}
	if !c.AllTerminal() {
		return RunProcessing
	}
	switch {
	case c.Failed == 0:
		return RunCompleted
	case c.Completed > 0:
		return RunPartiallyFailed
	default:
		return RunFailed
	}
}
