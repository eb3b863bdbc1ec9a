package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tarikibrahimovic/NLB-Payments/internal/model"
)

// FailureRepository is the dead-letter store. It always writes through its
// own connection, never through a caller's transaction, so a record survives
// the rollback of the unit of work that faulted.
type FailureRepository struct {
	db *gorm.DB
}

func NewFailureRepository(db *gorm.DB) *FailureRepository {
	return &FailureRepository{db: db}
}

func (r *FailureRepository) Record(ctx context.Context, failure *model.IntegrationFailure) error {
	if failure.ID == uuid.Nil {
		failure.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(failure).Error
}

func (r *FailureRepository) List(ctx context.Context, page, pageSize int) ([]*model.IntegrationFailure, int64, error) {
	var failures []*model.IntegrationFailure
	var total int64

	query := r.db.WithContext(ctx).Model(&model.IntegrationFailure{})

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	offset, limit := pageOffset(page, pageSize)
	err = query.
		Order("occurred_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&failures).Error

	return failures, total, err
}

// IncrementRetryCountForRelated bumps retry_count on every failure recorded
// for the entity and returns how many rows were touched.
func (r *FailureRepository) IncrementRetryCountForRelated(ctx context.Context, relatedID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.IntegrationFailure{}).
		Where("related_id = ?", relatedID).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))
	return result.RowsAffected, result.Error
}
