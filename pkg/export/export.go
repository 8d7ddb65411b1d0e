// Package export renders a run's events into downloadable artifacts. The
// chronology keeps the five-column layout: No, Date, Event Particulars,
// Citation, Document Reference.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/legalflow/legalflow/internal/model"
	"github.com/legalflow/legalflow/pkg/objstore"
	"github.com/legalflow/legalflow/pkg/store"
)

// ErrNoEvents is returned when the run has nothing to export.
var ErrNoEvents = errors.New("export: run has no events")

var columns = []string{"No", "Date", "Event Particulars", "Citation", "Document Reference"}

// Exporter builds artifacts and records them against the run.
type Exporter struct {
	store   store.Store
	objects objstore.Store
}

// New creates an exporter.
func New(st store.Store, objects objstore.Store) *Exporter {
	return &Exporter{store: st, objects: objects}
}

// Export renders the run's events in the given format, uploads the file,
// and records the artifact. Artifacts are never overwritten; each call
// produces a new one.
func (e *Exporter) Export(ctx context.Context, runID string, format model.ArtifactFormat) (*model.Artifact, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	kase, err := e.store.GetCase(ctx, run.CaseID)
	if err != nil {
		return nil, err
	}

	events, _, err := e.store.ListEvents(ctx, runID, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	var data []byte
	var contentType string
	switch format {
	case model.FormatCSV:
		data, err = renderCSV(events)
		contentType = "text/csv"
	case model.FormatXLSX:
		data, err = renderXLSX(events)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case model.FormatJSON:
		data, err = e.renderJSON(ctx, run, events)
		contentType = "application/json"
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return nil, err
	}

	filename := fmt.Sprintf("chronology-%s.%s", time.Now().UTC().Format("20060102-150405"), format)
	key := objstore.ArtifactKey(kase.ClientID, run.CaseID, runID, filename)
	if err := e.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return nil, fmt.Errorf("failed to upload artifact: %w", err)
	}

	artifact := &model.Artifact{
		ID:         uuid.NewString(),
		RunID:      runID,
		Format:     format,
		StorageKey: key,
		SizeBytes:  int64(len(data)),
	}
	if err := e.store.CreateArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

func renderCSV(events []model.Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(columns); err != nil {
		return nil, err
	}
	for i, ev := range events {
		row := []string{
			strconv.Itoa(i + 1),
			ev.Date,
			ev.Particulars,
			ev.Citation,
			ev.DocumentRef,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func renderXLSX(events []model.Event) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Legal Events"
	f.SetSheetName("Sheet1", sheet)

	for col, name := range columns {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(sheet, cell, name)
	}

	widths := []float64{6, 14, 50, 20, 30}
	for col, w := range widths {
		name, _ := excelize.ColumnNumberToName(col + 1)
		f.SetColWidth(sheet, name, name, w)
	}

	for i, ev := range events {
		row := i + 2
		values := []any{i + 1, ev.Date, ev.Particulars, ev.Citation, ev.DocumentRef}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(sheet, cell, v)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// jsonExport is the machine-readable artifact: run metadata, document
// outcomes, and the full event list.
type jsonExport struct {
	Run       *model.Run       `json:"run"`
	Documents []model.Document `json:"documents"`
	Events    []model.Event    `json:"events"`
}

func (e *Exporter) renderJSON(ctx context.Context, run *model.Run, events []model.Event) ([]byte, error) {
	docs, err := e.store.ListDocuments(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(jsonExport{Run: run, Documents: docs, Events: events}, "", "  ")
}
