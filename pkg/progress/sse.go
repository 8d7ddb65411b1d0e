package progress

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// SSEHandler streams a run's progress log over Server-Sent Events. The
// client resumes with either a Last-Event-ID header or a ?from= query
// parameter holding the last sequence number it saw.
func (p *Publisher) SSEHandler(runID func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := runID(r)
		if id == "" {
			http.Error(w, "run id required", http.StatusBadRequest)
			return
		}

		var fromSeq uint64
		if v := r.Header.Get("Last-Event-ID"); v != "" {
			fromSeq, _ = strconv.ParseUint(v, 10, 64)
		} else if v := r.URL.Query().Get("from"); v != "" {
			fromSeq, _ = strconv.ParseUint(v, 10, 64)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		for rec := range p.Subscribe(r.Context(), id, fromSeq) {
			writeSSERecord(w, rec)
			flusher.Flush()
		}
	}
}

// writeSSERecord writes a record in SSE wire format.
func writeSSERecord(w http.ResponseWriter, rec Record) {
	fmt.Fprintf(w, "id: %d\n", rec.Seq)
	fmt.Fprintf(w, "event: %s\n", rec.Kind)

	data, _ := json.Marshal(rec)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
