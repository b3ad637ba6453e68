package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/emomo-backfill/internal/domain"
	"gorm.io/gorm"
)

// BatchRunRepository persists backfill run records.
type BatchRunRepository struct {
	db *gorm.DB
}

// NewBatchRunRepository creates a new BatchRunRepository.
func NewBatchRunRepository(db *gorm.DB) *BatchRunRepository {
	return &BatchRunRepository{db: db}
}

// Create inserts a new run record.
func (r *BatchRunRepository) Create(ctx context.Context, run *domain.BatchRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// GetByID retrieves a run by its ID.
func (r *BatchRunRepository) GetByID(ctx context.Context, id string) (*domain.BatchRun, error) {
	var run domain.BatchRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// SaveCheckpoint stores the safe checkpoint of a run. The checkpoint only moves
// forward, so a late write cannot rewind it.
func (r *BatchRunRepository) SaveCheckpoint(ctx context.Context, id string, lastSafeID int64) error {
	if err := r.db.WithContext(ctx).
		Model(&domain.BatchRun{}).
		Where("id = ? AND last_safe_id < ?", id, lastSafeID).
		Update("last_safe_id", lastSafeID).Error; err != nil {
		return fmt.Errorf("failed to save checkpoint for run %s: %w", id, err)
	}
	return nil
}

// UpdateProgress stores the run's counters.
func (r *BatchRunRepository) UpdateProgress(ctx context.Context, run *domain.BatchRun) error {
	return r.db.WithContext(ctx).
		Model(&domain.BatchRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"total_items":     run.TotalItems,
			"processed_items": run.ProcessedItems,
			"modified_items":  run.ModifiedItems,
			"failed_items":    run.FailedItems,
		}).Error
}

// Finish marks a run as ended with its final status and counters.
func (r *BatchRunRepository) Finish(ctx context.Context, run *domain.BatchRun) error {
	now := time.Now()
	run.CompletedAt = &now
	if err := r.db.WithContext(ctx).
		Model(&domain.BatchRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":          run.Status,
			"total_items":     run.TotalItems,
			"processed_items": run.ProcessedItems,
			"modified_items":  run.ModifiedItems,
			"failed_items":    run.FailedItems,
			"report_key":      run.ReportKey,
			"error_log":       run.ErrorLog,
			"completed_at":    run.CompletedAt,
		}).Error; err != nil {
		return fmt.Errorf("failed to finish run %s: %w", run.ID, err)
	}
	// last_safe_id goes through SaveCheckpoint so it never moves backwards.
	return r.SaveCheckpoint(ctx, run.ID, run.LastSafeID)
}

// LatestResumable returns the most recent run of jobName that did not complete.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobName: backfill job name.
// Returns:
//   - *domain.BatchRun: the run to resume from, or nil when there is none.
//   - error: non-nil if the query fails.
func (r *BatchRunRepository) LatestResumable(ctx context.Context, jobName string) (*domain.BatchRun, error) {
	var run domain.BatchRun
	err := r.db.WithContext(ctx).
		Where("job_name = ? AND dry_run = ?", jobName, false).
		Order("created_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest run of %s: %w", jobName, err)
	}
	if !run.Status.Resumable() {
		return nil, nil
	}
	return &run, nil
}
