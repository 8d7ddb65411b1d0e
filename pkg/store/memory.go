package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/legalflow/legalflow/internal/model"
)

// MemoryStore is the in-process store used for tests and single-node
// development. Semantics mirror GormStore exactly.
type MemoryStore struct {
	mu        sync.RWMutex
	clients   map[string]*model.Client
	cases     map[string]*model.Case
	runs      map[string]*model.Run
	documents map[string]*model.Document
	events    map[string][]model.Event // by run ID
	artifacts map[string][]model.Artifact
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:   make(map[string]*model.Client),
		cases:     make(map[string]*model.Case),
		runs:      make(map[string]*model.Run),
		documents: make(map[string]*model.Document),
		events:    make(map[string][]model.Event),
		artifacts: make(map[string][]model.Artifact),
	}
}

// --- Clients ---

func (s *MemoryStore) CreateClient(ctx context.Context, c *model.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	s.clients[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetClient(ctx context.Context, id string) (*model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListClients(ctx context.Context) ([]model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SetClientStatus(ctx context.Context, id string, status model.ClientStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

// --- Cases ---

func (s *MemoryStore) CreateCase(ctx context.Context, c *model.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	s.cases[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCase(ctx context.Context, id string) (*model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListCases(ctx context.Context, clientID string) ([]model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Case
	for _, c := range s.cases {
		if clientID == "" || c.ClientID == clientID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SetCaseStatus(ctx context.Context, id string, status model.CaseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

// --- Runs ---

func (s *MemoryStore) CreateRun(ctx context.Context, run *model.Run, docs []model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = model.RunPending
	}
	rp := *run
	s.runs[run.ID] = &rp
	for i := range docs {
		if docs[i].CreatedAt.IsZero() {
			docs[i].CreatedAt = time.Now()
		}
		if docs[i].Status == "" {
			docs[i].Status = model.DocumentPending
		}
		if docs[i].Attempt == 0 {
			docs[i].Attempt = 1
		}
		dp := docs[i]
		s.documents[docs[i].ID] = &dp
	}
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	rp := *run
	return &rp, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, caseID string) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Run
	for _, r := range s.runs {
		if caseID == "" || r.CaseID == caseID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MarkRunStarted(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false, ErrNotFound
	}
	if run.Status != model.RunPending {
		return false, nil
	}
	now := time.Now()
	run.Status = model.RunProcessing
	run.StartedAt = &now
	return true, nil
}

func (s *MemoryStore) FailRun(ctx context.Context, id string, kind model.FailureKind, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	run.Status = model.RunFailed
	run.Error = fmt.Sprintf("%s: %s", kind, msg)
	run.FinishedAt = &now
	return nil
}

func (s *MemoryStore) SetRunProcessing(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false, ErrNotFound
	}
	if run.Status == model.RunProcessing {
		return false, nil
	}
	run.Status = model.RunProcessing
	run.FinishedAt = nil
	run.Error = ""
	return true, nil
}

func (s *MemoryStore) FinalizeRunIfDone(ctx context.Context, id string) (model.RunStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return "", false, ErrNotFound
	}

	if run.Status.Terminal() {
		return run.Status, false, nil
	}

	counts := s.countLocked(id)
	status := model.ComputeRunStatus(counts)
	if status == run.Status || !status.Terminal() {
		return status, false, nil
	}

	now := time.Now()
	run.Status = status
	run.FinishedAt = &now
	return status, true, nil
}

func (s *MemoryStore) countLocked(runID string) model.StatusCounts {
	var counts model.StatusCounts
	for _, d := range s.documents {
		if d.RunID != runID {
			continue
		}
		switch d.Status {
		case model.DocumentPending:
			counts.Pending++
		case model.DocumentProcessing:
			counts.Processing++
		case model.DocumentCompleted:
			counts.Completed++
		case model.DocumentFailed:
			counts.Failed++
		}
	}
	return counts
}

// --- Documents ---

func (s *MemoryStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	dp := *doc
	return &dp, nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context, runID string) ([]model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Document
	for _, d := range s.documents {
		if d.RunID == runID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) MarkDocumentProcessing(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return false, ErrNotFound
	}
	if doc.Status != model.DocumentPending {
		return false, nil
	}
	doc.Status = model.DocumentProcessing
	return true, nil
}

func (s *MemoryStore) CompleteDocument(ctx context.Context, res DocumentResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[res.DocumentID]
	if !ok {
		return false, ErrNotFound
	}
	if doc.Attempt != res.Attempt || doc.Status != model.DocumentProcessing {
		return false, nil
	}

	now := time.Now()
	doc.Status = model.DocumentCompleted
	doc.DetectedType = res.DetectedType
	doc.OCRApplied = res.OCRApplied
	doc.Pages = res.Pages
	doc.Warnings = res.Warnings
	doc.FailureKind = ""
	doc.Error = ""
	doc.ProcessedAt = &now

	kept := s.events[doc.RunID][:0]
	for _, ev := range s.events[doc.RunID] {
		if ev.DocumentID != res.DocumentID || ev.Attempt >= res.Attempt {
			kept = append(kept, ev)
		}
	}
	s.events[doc.RunID] = append(kept, res.Events...)

	if run, ok := s.runs[doc.RunID]; ok {
		run.ParseSeconds += res.ParseSeconds
		run.ExtractSeconds += res.ExtractSeconds
	}
	return true, nil
}

func (s *MemoryStore) FailDocument(ctx context.Context, id string, attempt int, kind model.FailureKind, msg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return false, ErrNotFound
	}
	if doc.Attempt != attempt || doc.Status.Terminal() {
		return false, nil
	}
	now := time.Now()
	doc.Status = model.DocumentFailed
	doc.FailureKind = kind
	doc.Error = msg
	doc.ProcessedAt = &now
	return true, nil
}

func (s *MemoryStore) ResetDocumentForRetry(ctx context.Context, id string) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	if doc.Status != model.DocumentFailed {
		return nil, fmt.Errorf("document %s is %s, only failed documents can be retried", id, doc.Status)
	}
	doc.Status = model.DocumentPending
	doc.Attempt++
	doc.FailureKind = ""
	doc.Error = ""
	doc.ProcessedAt = nil
	dp := *doc
	return &dp, nil
}

func (s *MemoryStore) CancelPendingDocuments(ctx context.Context, runID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	now := time.Now()
	for _, d := range s.documents {
		if d.RunID == runID && d.Status == model.DocumentPending {
			d.Status = model.DocumentFailed
			d.FailureKind = model.FailureCancelled
			d.Error = "run cancelled"
			d.ProcessedAt = &now
			ids = append(ids, d.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) CountDocumentsByStatus(ctx context.Context, runID string) (model.StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLocked(runID), nil
}

// --- Events ---

func (s *MemoryStore) ListEvents(ctx context.Context, runID string, limit, offset int) ([]model.Event, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]model.Event, len(s.events[runID]))
	copy(all, s.events[runID])
	sort.Slice(all, func(i, j int) bool {
		if all[i].DocumentID != all[j].DocumentID {
			return all[i].DocumentID < all[j].DocumentID
		}
		return all[i].Sequence < all[j].Sequence
	})

	total := int64(len(all))
	if limit <= 0 {
		return all, total, nil
	}
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

// --- Artifacts ---

func (s *MemoryStore) CreateArtifact(ctx context.Context, a *model.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.artifacts[a.RunID] = append(s.artifacts[a.RunID], *a)
	return nil
}

func (s *MemoryStore) ListArtifacts(ctx context.Context, runID string) ([]model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Artifact, len(s.artifacts[runID]))
	copy(out, s.artifacts[runID])
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
