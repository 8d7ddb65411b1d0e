// Package server provides the HTTP API: clients, cases, uploads, runs, and
// the SSE progress stream.
package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/legalflow/legalflow/internal/model"
	"github.com/legalflow/legalflow/pkg/coordinator"
	"github.com/legalflow/legalflow/pkg/export"
	"github.com/legalflow/legalflow/pkg/objstore"
	"github.com/legalflow/legalflow/pkg/progress"
	"github.com/legalflow/legalflow/pkg/registry"
	"github.com/legalflow/legalflow/pkg/store"
)

// Server handles HTTP requests for the extraction API.
type Server struct {
	store       store.Store
	objects     objstore.Store
	coordinator *coordinator.Coordinator
	exporter    *export.Exporter
	progress    *progress.Publisher
	registry    *registry.Registry
	logger      *slog.Logger

	maxUploadBytes int64
	health         http.Handler
	mux            *http.ServeMux
}

// Config carries the server's collaborators.
type Config struct {
	Store       store.Store
	Objects     objstore.Store
	Coordinator *coordinator.Coordinator
	Exporter    *export.Exporter
	Progress    *progress.Publisher
	Registry    *registry.Registry
	Logger      *slog.Logger

	// MaxUploadBytes caps multipart uploads; 0 means 200MB.
	MaxUploadBytes int64

	// Health overrides the default always-ok health handler.
	Health http.Handler
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 200 << 20
	}
	if cfg.Health == nil {
		cfg.Health = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
	}

	s := &Server{
		store:          cfg.Store,
		objects:        cfg.Objects,
		coordinator:    cfg.Coordinator,
		exporter:       cfg.Exporter,
		progress:       cfg.Progress,
		registry:       cfg.Registry,
		logger:         cfg.Logger,
		maxUploadBytes: cfg.MaxUploadBytes,
		health:         cfg.Health,
		mux:            http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP handlers.
func (s *Server) setupRoutes() {
	s.mux.Handle("GET /healthz", s.health)
	s.mux.HandleFunc("GET /v1/providers", s.handleListProviders)

	s.mux.HandleFunc("POST /v1/clients", s.handleCreateClient)
	s.mux.HandleFunc("GET /v1/clients", s.handleListClients)
	s.mux.HandleFunc("GET /v1/clients/{id}", s.handleGetClient)
	s.mux.HandleFunc("POST /v1/clients/{id}/status", s.handleSetClientStatus)

	s.mux.HandleFunc("POST /v1/cases", s.handleCreateCase)
	s.mux.HandleFunc("GET /v1/cases", s.handleListCases)
	s.mux.HandleFunc("GET /v1/cases/{id}", s.handleGetCase)
	s.mux.HandleFunc("POST /v1/cases/{id}/status", s.handleSetCaseStatus)

	s.mux.HandleFunc("POST /v1/uploads", s.handleUpload)

	s.mux.HandleFunc("POST /v1/runs", s.handleCreateRun)
	s.mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("POST /v1/runs/{id}/start", s.handleStartRun)
	s.mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancelRun)
	s.mux.HandleFunc("GET /v1/runs/{id}/events", s.handleListEvents)
	s.mux.Handle("GET /v1/runs/{id}/stream", s.streamHandler())
	s.mux.HandleFunc("POST /v1/runs/{id}/export", s.handleExport)
	s.mux.HandleFunc("GET /v1/runs/{id}/artifacts", s.handleListArtifacts)

	s.mux.HandleFunc("GET /v1/documents/{id}", s.handleGetDocument)
	s.mux.HandleFunc("POST /v1/documents/{id}/retry", s.handleRetryDocument)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS headers for browser clients
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mux.ServeHTTP(w, r)
}

// --- Providers ---

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{"providers": s.registry.List()})
}

// --- Clients ---

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		ReferenceCode string `json:"reference_code"`
		ContactEmail  string `json:"contact_email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}

	client := &model.Client{
		ID:            uuid.NewString(),
		Name:          req.Name,
		ReferenceCode: req.ReferenceCode,
		ContactEmail:  req.ContactEmail,
		Status:        model.ClientActive,
	}
	if err := s.store.CreateClient(r.Context(), client); err != nil {
		s.internalError(w, "create client", err)
		return
	}
	jsonStatus(w, http.StatusCreated, client)
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients(r.Context())
	if err != nil {
		s.internalError(w, "list clients", err)
		return
	}
	jsonResponse(w, map[string]any{"clients": clients})
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	client, err := s.store.GetClient(r.Context(), r.PathValue("id"))
	if err != nil {
		s.notFoundOr500(w, "client", err)
		return
	}
	jsonResponse(w, client)
}

// handleSetClientStatus deactivates, suspends, or reactivates a client.
// Clients are never deleted.
func (s *Server) handleSetClientStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.ClientStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch req.Status {
	case model.ClientActive, model.ClientInactive, model.ClientSuspended:
	default:
		jsonError(w, "status must be active, inactive, or suspended", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if err := s.store.SetClientStatus(r.Context(), id, req.Status); err != nil {
		s.notFoundOr500(w, "client", err)
		return
	}
	client, err := s.store.GetClient(r.Context(), id)
	if err != nil {
		s.internalError(w, "get client", err)
		return
	}
	jsonResponse(w, client)
}

// --- Cases ---

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID    string `json:"client_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" || req.Name == "" {
		jsonError(w, "client_id and name are required", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetClient(r.Context(), req.ClientID); err != nil {
		s.notFoundOr500(w, "client", err)
		return
	}

	kase := &model.Case{
		ID:          uuid.NewString(),
		ClientID:    req.ClientID,
		Name:        req.Name,
		Description: req.Description,
		Status:      model.CaseActive,
	}
	if err := s.store.CreateCase(r.Context(), kase); err != nil {
		s.internalError(w, "create case", err)
		return
	}
	jsonStatus(w, http.StatusCreated, kase)
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := s.store.ListCases(r.Context(), r.URL.Query().Get("client_id"))
	if err != nil {
		s.internalError(w, "list cases", err)
		return
	}
	jsonResponse(w, map[string]any{"cases": cases})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	kase, err := s.store.GetCase(r.Context(), r.PathValue("id"))
	if err != nil {
		s.notFoundOr500(w, "case", err)
		return
	}
	jsonResponse(w, kase)
}

// handleSetCaseStatus closes, archives, or reopens a case. A case can only
// leave active while every run under it is terminal.
func (s *Server) handleSetCaseStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.CaseStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch req.Status {
	case model.CaseActive, model.CaseClosed, model.CaseArchived:
	default:
		jsonError(w, "status must be active, closed, or archived", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if _, err := s.store.GetCase(r.Context(), id); err != nil {
		s.notFoundOr500(w, "case", err)
		return
	}

	if req.Status != model.CaseActive {
		runs, err := s.store.ListRuns(r.Context(), id)
		if err != nil {
			s.internalError(w, "list runs", err)
			return
		}
		for _, run := range runs {
			if !run.Status.Terminal() {
				jsonError(w, "case has unfinished runs", http.StatusConflict)
				return
			}
		}
	}

	if err := s.store.SetCaseStatus(r.Context(), id, req.Status); err != nil {
		s.notFoundOr500(w, "case", err)
		return
	}
	kase, err := s.store.GetCase(r.Context(), id)
	if err != nil {
		s.internalError(w, "get case", err)
		return
	}
	jsonResponse(w, kase)
}

// --- Uploads ---

// handleUpload receives one document via multipart form and stages it in the
// object store. The returned storage key goes into a later run request.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		jsonError(w, "failed to parse upload", http.StatusBadRequest)
		return
	}

	caseID := r.FormValue("case_id")
	if caseID == "" {
		jsonError(w, "case_id is required", http.StatusBadRequest)
		return
	}
	kase, err := s.store.GetCase(r.Context(), caseID)
	if err != nil {
		s.notFoundOr500(w, "case", err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "no file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		jsonError(w, "failed to read upload", http.StatusBadRequest)
		return
	}

	sum := sha256.Sum256(data)
	uploadID := uuid.NewString()
	key := objstore.UploadKey(kase.ClientID, caseID, uploadID, header.Filename)

	if err := s.objects.Put(r.Context(), key, bytes.NewReader(data), int64(len(data)), header.Header.Get("Content-Type")); err != nil {
		s.internalError(w, "store upload", err)
		return
	}

	jsonStatus(w, http.StatusCreated, map[string]any{
		"upload_id":   uploadID,
		"filename":    header.Filename,
		"storage_key": key,
		"sha256":      hex.EncodeToString(sum[:]),
		"size_bytes":  len(data),
	})
}

// --- Runs ---

type createRunRequest struct {
	CaseID    string          `json:"case_id"`
	Config    model.RunConfig `json:"config"`
	Documents []struct {
		Filename   string `json:"filename"`
		StorageKey string `json:"storage_key"`
		SHA256     string `json:"sha256"`
		SizeBytes  int64  `json:"size_bytes"`
	} `json:"documents"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CaseID == "" {
		jsonError(w, "case_id is required", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetCase(r.Context(), req.CaseID); err != nil {
		s.notFoundOr500(w, "case", err)
		return
	}

	params := coordinator.CreateRunParams{CaseID: req.CaseID, Config: req.Config}
	for _, d := range req.Documents {
		params.Documents = append(params.Documents, coordinator.DocumentUpload{
			Filename:   d.Filename,
			StorageKey: d.StorageKey,
			SHA256:     d.SHA256,
			SizeBytes:  d.SizeBytes,
		})
	}

	run, err := s.coordinator.CreateRun(r.Context(), params)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonStatus(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), r.URL.Query().Get("case_id"))
	if err != nil {
		s.internalError(w, "list runs", err)
		return
	}
	jsonResponse(w, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.notFoundOr500(w, "run", err)
		return
	}
	docs, err := s.store.ListDocuments(r.Context(), runID)
	if err != nil {
		s.internalError(w, "list documents", err)
		return
	}
	counts, err := s.store.CountDocumentsByStatus(r.Context(), runID)
	if err != nil {
		s.internalError(w, "count documents", err)
		return
	}

	jsonResponse(w, map[string]any{
		"run":       run,
		"documents": docs,
		"counts": map[string]int{
			"pending":    counts.Pending,
			"processing": counts.Processing,
			"completed":  counts.Completed,
			"failed":     counts.Failed,
		},
	})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.coordinator.StartRun(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			jsonError(w, "run not found", http.StatusNotFound)
		case errors.Is(err, coordinator.ErrRunTerminal):
			jsonError(w, "run already finished", http.StatusConflict)
		default:
			s.internalError(w, "start run", err)
		}
		return
	}
	jsonStatus(w, http.StatusAccepted, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.coordinator.CancelRun(r.Context(), runID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			jsonError(w, "run not found", http.StatusNotFound)
		case errors.Is(err, coordinator.ErrRunTerminal):
			jsonError(w, "run already finished", http.StatusConflict)
		default:
			s.internalError(w, "cancel run", err)
		}
		return
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.internalError(w, "get run", err)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.notFoundOr500(w, "run", err)
		return
	}

	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	events, total, err := s.store.ListEvents(r.Context(), runID, limit, offset)
	if err != nil {
		s.internalError(w, "list events", err)
		return
	}
	jsonResponse(w, map[string]any{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) streamHandler() http.Handler {
	return s.progress.SSEHandler(func(r *http.Request) string {
		return r.PathValue("id")
	})
}

// --- Exports ---

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Format string `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	format, ok := model.ParseArtifactFormat(req.Format)
	if !ok {
		jsonError(w, "format must be csv, xlsx, or json", http.StatusBadRequest)
		return
	}

	artifact, err := s.exporter.Export(r.Context(), r.PathValue("id"), format)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			jsonError(w, "run not found", http.StatusNotFound)
		case errors.Is(err, export.ErrNoEvents):
			jsonError(w, "run has no events to export", http.StatusConflict)
		default:
			s.internalError(w, "export run", err)
		}
		return
	}

	url, err := s.objects.Presign(r.Context(), artifact.StorageKey, 15*time.Minute)
	if err != nil {
		s.logger.Warn("presign failed", "key", artifact.StorageKey, "error", err)
	}
	jsonStatus(w, http.StatusCreated, map[string]any{
		"artifact":     artifact,
		"download_url": url,
	})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.notFoundOr500(w, "run", err)
		return
	}
	artifacts, err := s.store.ListArtifacts(r.Context(), runID)
	if err != nil {
		s.internalError(w, "list artifacts", err)
		return
	}
	jsonResponse(w, map[string]any{"artifacts": artifacts})
}

// --- Documents ---

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		s.notFoundOr500(w, "document", err)
		return
	}
	jsonResponse(w, doc)
}

func (s *Server) handleRetryDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.coordinator.RetryDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "document not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	jsonStatus(w, http.StatusAccepted, doc)
}

// --- Helpers ---

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "error", err)
	jsonError(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) notFoundOr500(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		jsonError(w, what+" not found", http.StatusNotFound)
		return
	}
	s.internalError(w, "get "+what, err)
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
