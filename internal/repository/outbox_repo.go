package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/tarikibrahimovic/NLB-Payments/internal/model"
)

// OutboxRepository stores transfer outcome events until the sender has
// published them. Once a message is SENT or FAILED it is settled and later
// status updates for it are no-ops.
type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create writes msg in tx so the event commits or rolls back with the state
// change it describes.
func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	if tx == nil {
		tx = r.db
	}
	if msg.Status == "" {
		msg.Status = model.OutboxStatusPending
	}
	return tx.WithContext(ctx).Create(msg).Error
}

// GetPendingMessages returns up to limit unsettled messages, oldest first.
func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) MarkAsSent(ctx context.Context, id int64) error {
	return r.unsettled(ctx, id).Update("status", model.OutboxStatusSent).Error
}

func (r *OutboxRepository) IncrementRetryCount(ctx context.Context, id int64) error {
	return r.unsettled(ctx, id).UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

// MarkAsFailed settles the message after its last publish attempt, which
// also counts as a retry.
func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64) error {
	return r.unsettled(ctx, id).Updates(map[string]interface{}{
		"status":      model.OutboxStatusFailed,
		"retry_count": gorm.Expr("retry_count + 1"),
	}).Error
}

// unsettled scopes an update to message id while it is still PENDING.
func (r *OutboxRepository) unsettled(ctx context.Context, id int64) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending)
}
