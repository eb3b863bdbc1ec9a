package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

type ItemStatus string

const (
	ItemStatusPending ItemStatus = "PENDING"
	ItemStatusSuccess ItemStatus = "SUCCESS"
	ItemStatusFailed  ItemStatus = "FAILED"
)

var ErrInvalidStatusTransition = errors.New("order status transition not allowed")

// ValidStatusTransitions lists the only moves an order may make. COMPLETED and
// FAILED are terminal.
var ValidStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusCompleted, OrderStatusFailed},
}

func CanTransitionTo(current, target OrderStatus) bool {
	for _, s := range ValidStatusTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

func (s OrderStatus) IsFinal() bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed
}

// ============================================================================
// Payment order header
// ============================================================================

// PaymentOrder is the header of one batch transfer request. The idempotency
// key maps to exactly one order for the lifetime of the system.
type PaymentOrder struct {
	ID                uuid.UUID           `gorm:"type:char(36);primaryKey" json:"id"`
	OrderNo           string              `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	IdempotencyKey    string              `gorm:"type:varchar(255);uniqueIndex:idx_payment_orders_idempotency_key;not null" json:"idempotency_key"`
	InitiatedByUserID uuid.UUID           `gorm:"type:char(36);index;not null" json:"initiated_by_user_id"`
	SourceAccountID   uuid.UUID           `gorm:"type:char(36);not null" json:"source_account_id"`
	TotalAmount       int64               `gorm:"not null" json:"total_amount"` // sum of item amounts, minor units
	Currency          string              `gorm:"type:varchar(3);not null" json:"currency"`
	Status            OrderStatus         `gorm:"type:varchar(20);index;not null" json:"status"`
	Items             []*PaymentOrderItem `gorm:"foreignKey:PaymentOrderID" json:"items,omitempty"`
	CreatedAt         time.Time           `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentOrder) TableName() string {
	return "payment_orders"
}

// PaymentOrderItem is one destination leg of an order.
type PaymentOrderItem struct {
	ID                   uuid.UUID  `gorm:"type:char(36);primaryKey" json:"id"`
	PaymentOrderID       uuid.UUID  `gorm:"type:char(36);index;not null" json:"payment_order_id"`
	Ordinal              int        `gorm:"not null" json:"ordinal"` // 0-based position in the request
	DestinationAccountID uuid.UUID  `gorm:"type:char(36);not null" json:"destination_account_id"`
	Amount               int64      `gorm:"not null" json:"amount"`
	Status               ItemStatus `gorm:"type:varchar(20);not null" json:"status"`
	OrderKey             string     `gorm:"type:varchar(300);uniqueIndex;not null" json:"order_key"`
	FailureReason        *string    `gorm:"type:varchar(500)" json:"failure_reason,omitempty"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentOrderItem) TableName() string {
	return "payment_order_items"
}

// ItemKey derives the unique key of the item at the given ordinal.
func ItemKey(idempotencyKey string, ordinal int) string {
	return fmt.Sprintf("%s#%d", idempotencyKey, ordinal)
}

// Complete moves a PENDING order to COMPLETED. Every item must already have
// been marked SUCCESS by the caller.
func (o *PaymentOrder) Complete(now time.Time) error {
	if !CanTransitionTo(o.Status, OrderStatusCompleted) {
		return ErrInvalidStatusTransition
	}
	for _, item := range o.Items {
		if item.Status != ItemStatusSuccess {
			return fmt.Errorf("item %s is %s: %w", item.ID, item.Status, ErrInvalidStatusTransition)
		}
	}
	o.Status = OrderStatusCompleted
	o.UpdatedAt = now
	return nil
}

// Fail moves a PENDING order to FAILED and copies reason onto every item that
// is still PENDING.
func (o *PaymentOrder) Fail(reason string, now time.Time) error {
	if !CanTransitionTo(o.Status, OrderStatusFailed) {
		return ErrInvalidStatusTransition
	}
	o.Status = OrderStatusFailed
	o.UpdatedAt = now
	for _, item := range o.Items {
		if item.Status != ItemStatusPending {
			continue
		}
		r := reason
		item.Status = ItemStatusFailed
		item.FailureReason = &r
		item.UpdatedAt = now
	}
	return nil
}

// MarkSucceeded records that the item's credit has been applied.
func (i *PaymentOrderItem) MarkSucceeded(now time.Time) error {
	if i.Status != ItemStatusPending {
		return ErrInvalidStatusTransition
	}
	i.Status = ItemStatusSuccess
	i.UpdatedAt = now
	return nil
}
