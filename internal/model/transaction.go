package model

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Ledger entry
// ============================================================================

// Transaction is an immutable ledger entry, one per executed transfer leg.
//
// Rules for this table:
//  1. Append only. Rows are never updated or deleted.
//  2. Written only for items that actually succeeded.
//  3. The rows of one order reconstruct its whole effect on balances.
type Transaction struct {
	ID                   uuid.UUID `gorm:"type:char(36);primaryKey" json:"id"`
	SourceAccountID      uuid.UUID `gorm:"type:char(36);index;not null" json:"source_account_id"`
	DestinationAccountID uuid.UUID `gorm:"type:char(36);index;not null" json:"destination_account_id"`
	Amount               int64     `gorm:"not null" json:"amount"`
	Currency             string    `gorm:"type:varchar(3);not null" json:"currency"`
	PaymentOrderID       uuid.UUID `gorm:"type:char(36);index;not null" json:"payment_order_id"`
	PaymentOrderItemID   uuid.UUID `gorm:"type:char(36);not null" json:"payment_order_item_id"`
	IdempotencyKey       string    `gorm:"type:varchar(255);index;not null" json:"idempotency_key"`
	CreatedAt            time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// NewLedgerEntry builds the entry for one succeeded item of order.
func NewLedgerEntry(order *PaymentOrder, item *PaymentOrderItem) *Transaction {
	return &Transaction{
		ID:                   uuid.New(),
		SourceAccountID:      order.SourceAccountID,
		DestinationAccountID: item.DestinationAccountID,
		Amount:               item.Amount,
		Currency:             order.Currency,
		PaymentOrderID:       order.ID,
		PaymentOrderItemID:   item.ID,
		IdempotencyKey:       order.IdempotencyKey,
	}
}
