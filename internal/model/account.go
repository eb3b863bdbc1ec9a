package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type AccountStatus string

const (
	AccountStatusActive AccountStatus = "ACTIVE"
	AccountStatusFrozen AccountStatus = "FROZEN"
	AccountStatusClosed AccountStatus = "CLOSED"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrBalanceOverflow   = errors.New("balance would exceed the maximum storable amount")
)

// Account is a balance holder owned by exactly one user.
// Balances are kept in minor units and are only mutated while the row is
// exclusively locked; accounts are never deleted, they move to CLOSED.
type Account struct {
	ID        uuid.UUID     `gorm:"type:char(36);primaryKey" json:"id"`
	OwnerID   uuid.UUID     `gorm:"type:char(36);index;not null" json:"owner_id"`
	Balance   int64         `gorm:"not null;default:0" json:"balance"`       // minor units
	Currency  string        `gorm:"type:varchar(3);not null" json:"currency"` // ISO 4217
	Status    AccountStatus `gorm:"type:varchar(10);not null" json:"status"`
	Version   int64         `gorm:"not null;default:0" json:"version"` // bumped on every save
	CreatedAt time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}

func NewAccount(ownerID uuid.UUID, currency string) *Account {
	return &Account{
		ID:       uuid.New(),
		OwnerID:  ownerID,
		Balance:  0,
		Currency: currency,
		Status:   AccountStatusActive,
	}
}

func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

func (a *Account) OwnedBy(userID uuid.UUID) bool {
	return a.OwnerID == userID
}

// Debit removes amount from the balance. The balance never goes negative.
func (a *Account) Debit(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if a.Balance < amount {
		return ErrInsufficientFunds
	}
	a.Balance -= amount
	return nil
}

// Credit adds amount to the balance, refusing a result above MaxMinorUnits.
func (a *Account) Credit(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if amount > MaxMinorUnits-a.Balance {
		return ErrBalanceOverflow
	}
	a.Balance += amount
	return nil
}
