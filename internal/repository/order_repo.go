package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tarikibrahimovic/NLB-Payments/internal/model"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func preloadItems(db *gorm.DB) *gorm.DB {
	return db.Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("ordinal ASC")
	})
}

// GetByIdempotencyKey returns nil, nil when no order carries key.
func (r *OrderRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.PaymentOrder, error) {
	var order model.PaymentOrder
	err := preloadItems(r.db.WithContext(ctx)).
		Where("idempotency_key = ?", key).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// CreateWithItems inserts the header and then its items as two statements of
// the same unit of work. A unique violation on the idempotency key (or an
// item key derived from it) is reported as ErrDuplicateIdempotencyKey, one on
// the order number as ErrDuplicateOrderNo.
func (r *OrderRepository) CreateWithItems(ctx context.Context, tx *gorm.DB, order *model.PaymentOrder) error {
	if tx == nil {
		tx = r.db
	}
	tx = tx.WithContext(ctx)

	if err := tx.Omit(clause.Associations).Create(order).Error; err != nil {
		if isDuplicateKey(err) {
			return r.classifyHeaderConflict(ctx, order)
		}
		return err
	}
	if len(order.Items) == 0 {
		return nil
	}

	for _, item := range order.Items {
		item.PaymentOrderID = order.ID
	}
	if err := tx.Create(order.Items).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, order.IdempotencyKey)
		}
		return err
	}
	return nil
}

// classifyHeaderConflict tells which unique index the header insert hit. A
// competing insert of the same key has committed by the time the violation is
// raised, so a fresh read outside the failed unit of work sees it.
func (r *OrderRepository) classifyHeaderConflict(ctx context.Context, order *model.PaymentOrder) error {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.PaymentOrder{}).
		Where("idempotency_key = ?", order.IdempotencyKey).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("classify unique violation: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, order.IdempotencyKey)
	}
	return fmt.Errorf("%w: %s", ErrDuplicateOrderNo, order.OrderNo)
}

// Save persists the terminal outcome of a PENDING order together with the
// status and failure reason of its items. The status guard makes the move out
// of PENDING happen at most once.
func (r *OrderRepository) Save(ctx context.Context, tx *gorm.DB, order *model.PaymentOrder) error {
	if !model.CanTransitionTo(model.OrderStatusPending, order.Status) {
		return ErrOrderStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}
	tx = tx.WithContext(ctx)

	result := tx.Model(&model.PaymentOrder{}).
		Where("id = ? AND status = ?", order.ID, model.OrderStatusPending).
		Updates(map[string]interface{}{
			"status": order.Status,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}

	for _, item := range order.Items {
		err := tx.Model(&model.PaymentOrderItem{}).
			Where("id = ? AND status = ?", item.ID, model.ItemStatusPending).
			Updates(map[string]interface{}{
				"status":         item.Status,
				"failure_reason": item.FailureReason,
			}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// GetByIDForUser only returns orders the user initiated.
func (r *OrderRepository) GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*model.PaymentOrder, error) {
	var order model.PaymentOrder
	err := preloadItems(r.db.WithContext(ctx)).
		Where("id = ? AND initiated_by_user_id = ?", id, userID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *OrderRepository) ListByUserID(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*model.PaymentOrder, int64, error) {
	var orders []*model.PaymentOrder
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PaymentOrder{}).Where("initiated_by_user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	offset, limit := pageOffset(page, pageSize)
	err = query.
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&orders).Error

	return orders, total, err
}

// ListStalePending returns PENDING orders created before the cutoff, oldest
// first.
func (r *OrderRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*model.PaymentOrder, error) {
	var orders []*model.PaymentOrder
	err := preloadItems(r.db.WithContext(ctx)).
		Where("status = ? AND created_at < ?", model.OrderStatusPending, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// ExpirePending fails an orphaned PENDING order and its pending items. It
// returns ErrOrderStatusInvalid when the order has already left PENDING.
func (r *OrderRepository) ExpirePending(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) error {
	if tx == nil {
		tx = r.db
	}
	tx = tx.WithContext(ctx)

	result := tx.Model(&model.PaymentOrder{}).
		Where("id = ? AND status = ?", id, model.OrderStatusPending).
		Update("status", model.OrderStatusFailed)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}

	return tx.Model(&model.PaymentOrderItem{}).
		Where("payment_order_id = ? AND status = ?", id, model.ItemStatusPending).
		Updates(map[string]interface{}{
			"status":         model.ItemStatusFailed,
			"failure_reason": reason,
		}).Error
}
