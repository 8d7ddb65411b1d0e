package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/legalflow/legalflow/internal/model"
	"github.com/legalflow/legalflow/pkg/coordinator"
	"github.com/legalflow/legalflow/pkg/dispatch"
	"github.com/legalflow/legalflow/pkg/export"
	"github.com/legalflow/legalflow/pkg/extract"
	"github.com/legalflow/legalflow/pkg/objstore"
	"github.com/legalflow/legalflow/pkg/progress"
	"github.com/legalflow/legalflow/pkg/registry"
	"github.com/legalflow/legalflow/pkg/store"
)

type echoParser struct{}

func (echoParser) Name() string { return "echo" }

func (echoParser) SupportsType(t extract.DocType) bool { return true }

func (echoParser) Parse(ctx context.Context, data []byte, hints extract.ParseHints) (*extract.NormalizedDoc, error) {
	return &extract.NormalizedDoc{PlainText: string(data)}, nil
}

type echoExtractor struct{}

func (echoExtractor) Name() string { return "echo" }

func (echoExtractor) SupportsPromptVersion(v string) bool { return v == "" || v == "v1" }

func (echoExtractor) Extract(ctx context.Context, doc *extract.NormalizedDoc, promptVersion string) ([]extract.CandidateEvent, error) {
	return []extract.CandidateEvent{{Date: "12.03.2021", Particulars: doc.PlainText}}, nil
}

type fixture struct {
	store   *store.MemoryStore
	objects *objstore.MemoryStore
	pub     *progress.Publisher
	srv     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	objects := objstore.NewMemoryStore()
	pub := progress.NewPublisher()
	queue := dispatch.NewMemoryQueue(0)
	t.Cleanup(func() { queue.Close() })

	reg := registry.NewRegistry()
	if err := reg.Register(&registry.Provider{
		Name:      "echo",
		Parser:    echoParser{},
		Extractor: echoExtractor{},
		Capabilities: registry.Capabilities{
			PromptVersions: []string{"v1"},
		},
	}); err != nil {
		t.Fatalf("register provider: %v", err)
	}

	coord := coordinator.New(st, queue, pub, reg, nil)
	exp := export.New(st, objects)

	s := New(Config{
		Store:       st,
		Objects:     objects,
		Coordinator: coord,
		Exporter:    exp,
		Progress:    pub,
		Registry:    reg,
	})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	return &fixture{store: st, objects: objects, pub: pub, srv: srv}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func (f *fixture) createCase(t *testing.T) (clientID, caseID string) {
	t.Helper()
	resp := f.postJSON(t, "/v1/clients", map[string]string{"name": "Acme Legal"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create client status = %d", resp.StatusCode)
	}
	client := decode[model.Client](t, resp)

	resp = f.postJSON(t, "/v1/cases", map[string]string{
		"client_id": client.ID,
		"name":      "Acme v. Initech",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create case status = %d", resp.StatusCode)
	}
	kase := decode[model.Case](t, resp)
	return client.ID, kase.ID
}

func (f *fixture) upload(t *testing.T, caseID, filename, content string) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("case_id", caseID)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	io.WriteString(fw, content)
	mw.Close()

	resp, err := http.Post(f.srv.URL+"/v1/uploads", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	return decode[map[string]any](t, resp)
}

func TestClientCaseLifecycle(t *testing.T) {
	f := newFixture(t)
	clientID, caseID := f.createCase(t)

	resp := f.get(t, "/v1/clients/"+clientID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get client status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.get(t, "/v1/cases?client_id="+clientID)
	body := decode[map[string][]model.Case](t, resp)
	if len(body["cases"]) != 1 || body["cases"][0].ID != caseID {
		t.Fatalf("cases = %+v", body["cases"])
	}

	resp = f.get(t, "/v1/clients/does-not-exist")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing client status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateCaseRequiresClient(t *testing.T) {
	f := newFixture(t)
	resp := f.postJSON(t, "/v1/cases", map[string]string{
		"client_id": "ghost",
		"name":      "Orphan case",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUploadAndCreateRun(t *testing.T) {
	f := newFixture(t)
	_, caseID := f.createCase(t)

	up := f.upload(t, caseID, "petition.txt", "Petition filed")
	if up["sha256"] == "" || up["storage_key"] == "" {
		t.Fatalf("upload response = %v", up)
	}

	resp := f.postJSON(t, "/v1/runs", map[string]any{
		"case_id": caseID,
		"config":  map[string]string{"provider": "echo", "prompt_version": "v1"},
		"documents": []map[string]any{{
			"filename":    "petition.txt",
			"storage_key": up["storage_key"],
			"sha256":      up["sha256"],
		}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create run status = %d", resp.StatusCode)
	}
	run := decode[model.Run](t, resp)
	if run.Status != model.RunPending {
		t.Fatalf("run status = %q", run.Status)
	}

	resp = f.get(t, "/v1/runs/"+run.ID)
	detail := decode[map[string]json.RawMessage](t, resp)
	var docs []model.Document
	if err := json.Unmarshal(detail["documents"], &docs); err != nil {
		t.Fatalf("documents: %v", err)
	}
	if len(docs) != 1 || docs[0].Status != model.DocumentPending {
		t.Fatalf("documents = %+v", docs)
	}
}

func TestCreateRunRejectsUnknownProvider(t *testing.T) {
	f := newFixture(t)
	_, caseID := f.createCase(t)

	resp := f.postJSON(t, "/v1/runs", map[string]any{
		"case_id": caseID,
		"config":  map[string]string{"provider": "nope"},
		"documents": []map[string]any{{
			"filename":    "x.txt",
			"storage_key": "k",
		}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if !strings.Contains(body["error"], "nope") {
		t.Fatalf("error = %q", body["error"])
	}
}

func TestStartAndCancelRun(t *testing.T) {
	f := newFixture(t)
	_, caseID := f.createCase(t)
	up := f.upload(t, caseID, "a.txt", "hello")

	resp := f.postJSON(t, "/v1/runs", map[string]any{
		"case_id": caseID,
		"config":  map[string]string{"provider": "echo"},
		"documents": []map[string]any{{
			"filename":    "a.txt",
			"storage_key": up["storage_key"],
		}},
	})
	run := decode[model.Run](t, resp)

	resp = f.postJSON(t, "/v1/runs/"+run.ID+"/start", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.postJSON(t, "/v1/runs/"+run.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	cancelled := decode[model.Run](t, resp)
	if cancelled.Status != model.RunFailed {
		t.Fatalf("cancelled run status = %q", cancelled.Status)
	}

	// A second cancel conflicts.
	resp = f.postJSON(t, "/v1/runs/"+run.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestExportEmptyRunConflicts(t *testing.T) {
	f := newFixture(t)
	_, caseID := f.createCase(t)
	up := f.upload(t, caseID, "a.txt", "hello")

	resp := f.postJSON(t, "/v1/runs", map[string]any{
		"case_id": caseID,
		"config":  map[string]string{"provider": "echo"},
		"documents": []map[string]any{{
			"filename":    "a.txt",
			"storage_key": up["storage_key"],
		}},
	})
	run := decode[model.Run](t, resp)

	resp = f.postJSON(t, "/v1/runs/"+run.ID+"/export", map[string]string{"format": "csv"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("export status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.postJSON(t, "/v1/runs/"+run.ID+"/export", map[string]string{"format": "pdf"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad format status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestListEventsPagination(t *testing.T) {
	f := newFixture(t)
	_, caseID := f.createCase(t)
	up := f.upload(t, caseID, "a.txt", "hello")

	resp := f.postJSON(t, "/v1/runs", map[string]any{
		"case_id": caseID,
		"config":  map[string]string{"provider": "echo"},
		"documents": []map[string]any{{
			"filename":    "a.txt",
			"storage_key": up["storage_key"],
		}},
	})
	run := decode[model.Run](t, resp)

	resp = f.get(t, fmt.Sprintf("/v1/runs/%s/events?limit=10&offset=0", run.ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	body := decode[map[string]json.RawMessage](t, resp)
	var total int64
	json.Unmarshal(body["total"], &total)
	if total != 0 {
		t.Fatalf("total = %d", total)
	}
}

func TestProgressStreamEndpoint(t *testing.T) {
	f := newFixture(t)

	f.pub.Publish("run-sse", progress.Record{Kind: progress.KindRun, EntityID: "run-sse", From: "pending", To: "processing"})
	f.pub.Publish("run-sse", progress.Record{Kind: progress.KindRun, EntityID: "run-sse", From: "processing", To: "completed"})

	resp := f.get(t, "/v1/runs/run-sse/stream")
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "id: 1") || !strings.Contains(text, "id: 2") {
		t.Fatalf("stream missing records: %q", text)
	}
	if !strings.Contains(text, `"to":"completed"`) {
		t.Fatalf("stream missing terminal record: %q", text)
	}
}

func TestCaseCloseRequiresTerminalRuns(t *testing.T) {
	f := newFixture(t)
	_, caseID := f.createCase(t)
	up := f.upload(t, caseID, "a.txt", "hello")

	resp := f.postJSON(t, "/v1/runs", map[string]any{
		"case_id": caseID,
		"config":  map[string]string{"provider": "echo"},
		"documents": []map[string]any{{
			"filename":    "a.txt",
			"storage_key": up["storage_key"],
		}},
	})
	run := decode[model.Run](t, resp)

	// The run is still pending, so closing conflicts.
	resp = f.postJSON(t, "/v1/cases/"+caseID+"/status", map[string]string{"status": "closed"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("close status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.postJSON(t, "/v1/runs/"+run.ID+"/cancel", nil)
	resp.Body.Close()

	resp = f.postJSON(t, "/v1/cases/"+caseID+"/status", map[string]string{"status": "closed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close after cancel status = %d", resp.StatusCode)
	}
	kase := decode[model.Case](t, resp)
	if kase.Status != model.CaseClosed {
		t.Fatalf("case status = %q", kase.Status)
	}
}

func TestClientStatusTransition(t *testing.T) {
	f := newFixture(t)
	clientID, _ := f.createCase(t)

	resp := f.postJSON(t, "/v1/clients/"+clientID+"/status", map[string]string{"status": "suspended"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	client := decode[model.Client](t, resp)
	if client.Status != model.ClientSuspended {
		t.Fatalf("client status = %q", client.Status)
	}

	resp = f.postJSON(t, "/v1/clients/"+clientID+"/status", map[string]string{"status": "deleted"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestProvidersEndpoint(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/v1/providers")
	body := decode[map[string][]string](t, resp)
	if len(body["providers"]) != 1 || body["providers"][0] != "echo" {
		t.Fatalf("providers = %v", body["providers"])
	}
}
