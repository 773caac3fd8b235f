package gorm

import (
	"context"
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/chromaseek/pkg/models"
)

// SyncRunStore records batch synchronization history.
type SyncRunStore struct {
	db *gorm.DB
}

// NewSyncRunStore creates a new sync run store.
func NewSyncRunStore(store *Store) *SyncRunStore {
	return &SyncRunStore{db: store.DB}
}

// Start records a run that has begun.
func (s *SyncRunStore) Start(ctx context.Context, runID, strategy string, dryRun, force bool) error {
	return s.db.WithContext(ctx).Create(&SyncRun{
		RunID:     runID,
		Strategy:  strategy,
		DryRun:    dryRun,
		Force:     force,
		StartedAt: time.Now(),
	}).Error
}

// Finish records the outcome of a run.
func (s *SyncRunStore) Finish(ctx context.Context, res models.SyncResult, runErr error) error {
	updates := map[string]any{
		"finished_at": time.Now(),
		"strategy":    res.Strategy,
		"considered":  res.Considered,
		"processed":   res.Processed,
		"skipped":     res.Skipped,
		"errors":      res.Errors,
		"degraded":    res.Degraded,
	}
	if runErr != nil {
		updates["error"] = sql.NullString{String: runErr.Error(), Valid: true}
	}
	return s.db.WithContext(ctx).
		Model(&SyncRun{}).
		Where("run_id = ?", res.RunID).
		Updates(updates).Error
}

// Recent returns the latest runs, newest first.
func (s *SyncRunStore) Recent(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []SyncRun
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}
