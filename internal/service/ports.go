package service

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tarikibrahimovic/NLB-Payments/internal/model"
)

// UnitOfWork runs fn inside one atomic unit of work. Store calls made with
// the tx handed to fn take part in it.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error
}

// LedgerStore is the only way balances are read for update and written.
type LedgerStore interface {
	LockByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*model.Account, error)
	SaveAll(ctx context.Context, tx *gorm.DB, accounts []*model.Account) error
}

type OrderStore interface {
	GetByIdempotencyKey(ctx context.Context, key string) (*model.PaymentOrder, error)
	CreateWithItems(ctx context.Context, tx *gorm.DB, order *model.PaymentOrder) error
	Save(ctx context.Context, tx *gorm.DB, order *model.PaymentOrder) error
}

type TransactionStore interface {
	AppendAll(ctx context.Context, tx *gorm.DB, entries []*model.Transaction) error
}

// FailureQueue records faults outside of any caller transaction.
type FailureQueue interface {
	Record(ctx context.Context, failure *model.IntegrationFailure) error
}

type OutboxStore interface {
	Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error
}
