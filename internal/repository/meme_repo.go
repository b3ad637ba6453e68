package repository

import (
	"context"
	"fmt"

	"github.com/timmy/emomo-backfill/internal/domain"
	"gorm.io/gorm"
)

// MemeRepository handles meme data operations.
type MemeRepository struct {
	db *gorm.DB
}

// NewMemeRepository creates a new MemeRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *MemeRepository: repository instance bound to db.
func NewMemeRepository(db *gorm.DB) *MemeRepository {
	return &MemeRepository{db: db}
}

// Create inserts a new meme record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - meme: meme record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *MemeRepository) Create(ctx context.Context, meme *domain.Meme) error {
	return r.db.WithContext(ctx).Create(meme).Error
}

// GetByID retrieves a meme by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: meme ID.
// Returns:
//   - *domain.Meme: meme record if found.
//   - error: gorm.ErrRecordNotFound if missing, other non-nil on failure.
func (r *MemeRepository) GetByID(ctx context.Context, id int64) (*domain.Meme, error) {
	var meme domain.Meme
	if err := r.db.WithContext(ctx).First(&meme, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &meme, nil
}

// ListAfterID returns up to limit memes with id greater than afterID, in
// ascending id order. Keyset pagination keeps the cost of a page independent of
// how far into the table it is.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - afterID: exclusive lower bound on id.
//   - limit: maximum number of records to return.
// Returns:
//   - []domain.Meme: page of memes; empty when the table is exhausted.
//   - error: non-nil if the query fails.
func (r *MemeRepository) ListAfterID(ctx context.Context, afterID int64, limit int) ([]domain.Meme, error) {
	var memes []domain.Meme
	if err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&memes).Error; err != nil {
		return nil, fmt.Errorf("failed to list memes after id %d: %w", afterID, err)
	}
	return memes, nil
}

// ListDescribedAfterID is ListAfterID restricted to memes that have a description.
func (r *MemeRepository) ListDescribedAfterID(ctx context.Context, afterID int64, limit int) ([]domain.Meme, error) {
	var memes []domain.Meme
	if err := r.db.WithContext(ctx).
		Where("id > ? AND vlm_description <> ''", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&memes).Error; err != nil {
		return nil, fmt.Errorf("failed to list described memes after id %d: %w", afterID, err)
	}
	return memes, nil
}

// CountAfterID counts memes with id greater than afterID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - afterID: exclusive lower bound on id.
// Returns:
//   - int64: number of matching records.
//   - error: non-nil if the query fails.
func (r *MemeRepository) CountAfterID(ctx context.Context, afterID int64) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Meme{}).Where("id > ?", afterID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count memes: %w", err)
	}
	return count, nil
}

// UpdateDescription overwrites the description of a single meme.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: meme ID.
//   - description: new description text.
// Returns:
//   - error: gorm.ErrRecordNotFound if the row no longer exists, other non-nil on failure.
func (r *MemeRepository) UpdateDescription(ctx context.Context, id int64, description string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Meme{}).
		Where("id = ?", id).
		Update("vlm_description", description)
	if result.Error != nil {
		return fmt.Errorf("failed to update meme %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("meme %d: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// UpdateEmbeddingModel records which model produced the meme's current vector.
func (r *MemeRepository) UpdateEmbeddingModel(ctx context.Context, id int64, model string) error {
	return r.db.WithContext(ctx).
		Model(&domain.Meme{}).
		Where("id = ?", id).
		Update("embedding_model", model).Error
}
