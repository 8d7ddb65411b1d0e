package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/legalflow/legalflow/internal/model"
)

// GormStore is the PostgreSQL-backed store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a PostgreSQL connection and migrates the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(
		&model.Client{}, &model.Case{}, &model.Run{},
		&model.Document{}, &model.Event{}, &model.Artifact{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormStore{db: db}, nil
}

// DB exposes the underlying handle for health checks.
func (s *GormStore) DB() *gorm.DB { return s.db }

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- Clients ---

func (s *GormStore) CreateClient(ctx context.Context, c *model.Client) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *GormStore) GetClient(ctx context.Context, id string) (*model.Client, error) {
	var c model.Client
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *GormStore) ListClients(ctx context.Context) ([]model.Client, error) {
	var out []model.Client
	err := s.db.WithContext(ctx).Order("created_at desc").Find(&out).Error
	return out, err
}

func (s *GormStore) SetClientStatus(ctx context.Context, id string, status model.ClientStatus) error {
	res := s.db.WithContext(ctx).Model(&model.Client{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Cases ---

func (s *GormStore) CreateCase(ctx context.Context, c *model.Case) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *GormStore) GetCase(ctx context.Context, id string) (*model.Case, error) {
	var c model.Case
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *GormStore) ListCases(ctx context.Context, clientID string) ([]model.Case, error) {
	var out []model.Case
	q := s.db.WithContext(ctx).Order("created_at desc")
	if clientID != "" {
		q = q.Where("client_id = ?", clientID)
	}
	err := q.Find(&out).Error
	return out, err
}

func (s *GormStore) SetCaseStatus(ctx context.Context, id string, status model.CaseStatus) error {
	res := s.db.WithContext(ctx).Model(&model.Case{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Runs ---

func (s *GormStore) CreateRun(ctx context.Context, run *model.Run, docs []model.Document) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if len(docs) > 0 {
			if err := tx.Create(&docs).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var run model.Run
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}

func (s *GormStore) ListRuns(ctx context.Context, caseID string) ([]model.Run, error) {
	var out []model.Run
	q := s.db.WithContext(ctx).Order("created_at desc")
	if caseID != "" {
		q = q.Where("case_id = ?", caseID)
	}
	err := q.Find(&out).Error
	return out, err
}

func (s *GormStore) MarkRunStarted(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.Run{}).
		Where("id = ? AND status = ?", id, model.RunPending).
		Updates(map[string]any{"status": model.RunProcessing, "started_at": now})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) FailRun(ctx context.Context, id string, kind model.FailureKind, msg string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&model.Run{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      model.RunFailed,
			"error":       fmt.Sprintf("%s: %s", kind, msg),
			"finished_at": now,
		}).Error
}

func (s *GormStore) SetRunProcessing(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Run{}).
		Where("id = ? AND status <> ?", id, model.RunProcessing).
		Updates(map[string]any{"status": model.RunProcessing, "finished_at": nil, "error": ""})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) FinalizeRunIfDone(ctx context.Context, id string) (model.RunStatus, bool, error) {
	var status model.RunStatus
	var changed bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run model.Run
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&run, "id = ?", id).Error; err != nil {
			return notFound(err)
		}

		// A terminal run never transitions again; late results and
		// cancellation races land here.
		if run.Status.Terminal() {
			status = run.Status
			return nil
		}

		counts, err := countStatuses(tx, id)
		if err != nil {
			return err
		}

		status = model.ComputeRunStatus(counts)
		if status == run.Status || !status.Terminal() {
			return nil
		}

		now := time.Now()
		if err := tx.Model(&model.Run{}).Where("id = ?", id).
			Updates(map[string]any{"status": status, "finished_at": now}).Error; err != nil {
			return err
		}
		changed = true
		return nil
	})
	return status, changed, err
}

func countStatuses(tx *gorm.DB, runID string) (model.StatusCounts, error) {
	type row struct {
		Status model.DocumentStatus
		N      int
	}
	var rows []row
	err := tx.Model(&model.Document{}).
		Select("status, count(*) as n").
		Where("run_id = ?", runID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return model.StatusCounts{}, err
	}

	var counts model.StatusCounts
	for _, r := range rows {
		switch r.Status {
		case model.DocumentPending:
			counts.Pending = r.N
		case model.DocumentProcessing:
			counts.Processing = r.N
		case model.DocumentCompleted:
			counts.Completed = r.N
		case model.DocumentFailed:
			counts.Failed = r.N
		}
	}
	return counts, nil
}

// --- Documents ---

func (s *GormStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	if err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

func (s *GormStore) ListDocuments(ctx context.Context, runID string) ([]model.Document, error) {
	var out []model.Document
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).
		Order("created_at, id").Find(&out).Error
	return out, err
}

func (s *GormStore) MarkDocumentProcessing(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND status = ?", id, model.DocumentPending).
		Update("status", model.DocumentProcessing)
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) CompleteDocument(ctx context.Context, res DocumentResult) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		upd := tx.Model(&model.Document{}).
			Where("id = ? AND attempt = ? AND status = ?",
				res.DocumentID, res.Attempt, model.DocumentProcessing).
			Updates(map[string]any{
				"status":        model.DocumentCompleted,
				"detected_type": res.DetectedType,
				"ocr_applied":   res.OCRApplied,
				"pages":         res.Pages,
				"warnings":      res.Warnings,
				"failure_kind":  "",
				"error":         "",
				"processed_at":  now,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return nil // stale attempt, drop silently
		}
		applied = true

		// Supersede any events written by earlier attempts.
		if err := tx.Where("document_id = ? AND attempt < ?",
			res.DocumentID, res.Attempt).Delete(&model.Event{}).Error; err != nil {
			return err
		}
		if len(res.Events) > 0 {
			if err := tx.Create(&res.Events).Error; err != nil {
				return err
			}
		}

		var doc model.Document
		if err := tx.Select("run_id").First(&doc, "id = ?", res.DocumentID).Error; err != nil {
			return err
		}
		return tx.Model(&model.Run{}).Where("id = ?", doc.RunID).
			Updates(map[string]any{
				"parse_seconds":   gorm.Expr("parse_seconds + ?", res.ParseSeconds),
				"extract_seconds": gorm.Expr("extract_seconds + ?", res.ExtractSeconds),
			}).Error
	})
	return applied, err
}

func (s *GormStore) FailDocument(ctx context.Context, id string, attempt int, kind model.FailureKind, msg string) (bool, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND attempt = ? AND status IN ?",
			id, attempt, []model.DocumentStatus{model.DocumentPending, model.DocumentProcessing}).
		Updates(map[string]any{
			"status":       model.DocumentFailed,
			"failure_kind": kind,
			"error":        msg,
			"processed_at": now,
		})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) ResetDocumentForRetry(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&doc, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if doc.Status != model.DocumentFailed {
			return fmt.Errorf("document %s is %s, only failed documents can be retried", id, doc.Status)
		}

		doc.Status = model.DocumentPending
		doc.Attempt++
		doc.FailureKind = ""
		doc.Error = ""
		doc.ProcessedAt = nil
		return tx.Model(&model.Document{}).Where("id = ?", id).
			Updates(map[string]any{
				"status":       model.DocumentPending,
				"attempt":      doc.Attempt,
				"failure_kind": "",
				"error":        "",
				"processed_at": nil,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *GormStore) CancelPendingDocuments(ctx context.Context, runID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Document{}).
			Where("run_id = ? AND status = ?", runID, model.DocumentPending).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		now := time.Now()
		return tx.Model(&model.Document{}).Where("id IN ?", ids).
			Updates(map[string]any{
				"status":       model.DocumentFailed,
				"failure_kind": model.FailureCancelled,
				"error":        "run cancelled",
				"processed_at": now,
			}).Error
	})
	return ids, err
}

func (s *GormStore) CountDocumentsByStatus(ctx context.Context, runID string) (model.StatusCounts, error) {
	return countStatuses(s.db.WithContext(ctx), runID)
}

// --- Events ---

func (s *GormStore) ListEvents(ctx context.Context, runID string, limit, offset int) ([]model.Event, int64, error) {
	q := s.db.WithContext(ctx).Model(&model.Event{}).Where("run_id = ?", runID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var out []model.Event
	query := s.db.WithContext(ctx).Where("run_id = ?", runID).
		Order("document_id, sequence")
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}
	if err := query.Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// --- Artifacts ---

func (s *GormStore) CreateArtifact(ctx context.Context, a *model.Artifact) error {
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *GormStore) ListArtifacts(ctx context.Context, runID string) ([]model.Artifact, error) {
	var out []model.Artifact
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).
		Order("created_at desc").Find(&out).Error
	return out, err
}
