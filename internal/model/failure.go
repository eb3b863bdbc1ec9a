package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	FailureEntityPaymentOrder  = "PaymentOrder"
	FailureEntityBatchTransfer = "BatchTransferRequest"
)

// IntegrationFailure is a dead-letter record for a fault that could not be
// resolved synchronously. RetryCount belongs to the reconciliation process.
type IntegrationFailure struct {
	ID         uuid.UUID  `gorm:"type:char(36);primaryKey" json:"id"`
	Context    string     `gorm:"type:varchar(100);not null" json:"context"`
	EntityName string     `gorm:"type:varchar(100)" json:"entity_name"`
	RelatedID  *uuid.UUID `gorm:"type:char(36);index" json:"related_id,omitempty"`
	Message    string     `gorm:"type:varchar(1000);not null" json:"message"`
	Payload    string     `gorm:"type:text" json:"payload"`
	RetryCount int        `gorm:"not null;default:0" json:"retry_count"`
	OccurredAt time.Time  `gorm:"autoCreateTime;index" json:"occurred_at"`
}

func (IntegrationFailure) TableName() string {
	return "integration_failures"
}
