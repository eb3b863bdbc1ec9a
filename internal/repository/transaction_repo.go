package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tarikibrahimovic/NLB-Payments/internal/model"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// AppendAll inserts ledger entries. The table is append only; there is no
// update or delete.
func (r *TransactionRepository) AppendAll(ctx context.Context, tx *gorm.DB, entries []*model.Transaction) error {
	if len(entries) == 0 {
		return nil
	}
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entries).Error
}

func (r *TransactionRepository) ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]*model.Transaction, error) {
	var entries []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("payment_order_id = ?", orderID).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

// ListByAccountID returns entries where the account is either side, newest
// first.
func (r *TransactionRepository) ListByAccountID(ctx context.Context, accountID uuid.UUID, page, pageSize int) ([]*model.Transaction, int64, error) {
	var entries []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("source_account_id = ? OR destination_account_id = ?", accountID, accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	offset, limit := pageOffset(page, pageSize)
	err = query.
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&entries).Error

	return entries, total, err
}
