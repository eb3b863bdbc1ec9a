package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

const (
	EventTransferCompleted = "transfer.completed"
	EventTransferFailed    = "transfer.failed"
)

// OutboxMessage is written in the same unit of work as the order outcome it
// announces and published later by the outbox sender.
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	EventType  string    `gorm:"type:varchar(64);not null" json:"event_type"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// TransferEvent is the payload announcing an order outcome.
type TransferEvent struct {
	OrderID         uuid.UUID   `json:"payment_order_id"`
	OrderNo         string      `json:"order_no"`
	IdempotencyKey  string      `json:"idempotency_key"`
	SourceAccountID uuid.UUID   `json:"source_account_id"`
	Status          OrderStatus `json:"status"`
	TotalAmount     int64       `json:"total_amount"`
	Currency        string      `json:"currency"`
	ItemCount       int         `json:"item_count"`
	Reason          string      `json:"reason,omitempty"`
	OccurredAt      string      `json:"occurred_at"`
}

// NewTransferOutcomeMessage builds the pending outbox row for an order that
// has just reached a final status. The order id is the message key.
func NewTransferOutcomeMessage(order *PaymentOrder, eventType, topic, reason string, now time.Time) (*OutboxMessage, error) {
	payload, err := json.Marshal(TransferEvent{
		OrderID:         order.ID,
		OrderNo:         order.OrderNo,
		IdempotencyKey:  order.IdempotencyKey,
		SourceAccountID: order.SourceAccountID,
		Status:          order.Status,
		TotalAmount:     order.TotalAmount,
		Currency:        order.Currency,
		ItemCount:       len(order.Items),
		Reason:          reason,
		OccurredAt:      now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", eventType, err)
	}

	return &OutboxMessage{
		MessageKey: order.ID.String(),
		EventType:  eventType,
		Topic:      topic,
		Payload:    string(payload),
		Status:     OutboxStatusPending,
	}, nil
}
