package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tarikibrahimovic/NLB-Payments/internal/config"
	"github.com/tarikibrahimovic/NLB-Payments/internal/model"
	"github.com/tarikibrahimovic/NLB-Payments/internal/repository"
)

var (
	ErrAccountNotActive     = errors.New("account is not active")
	ErrAccountAlreadyClosed = errors.New("account is already closed")
	ErrAccountHasBalance    = errors.New("cannot deactivate an account with a positive balance")
	ErrCurrencyMismatch     = errors.New("deposits are only allowed in the service currency")
)

type AccountStore interface {
	LedgerStore
	Create(ctx context.Context, account *model.Account) error
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*model.Account, error)
}

// AccountService handles single-account operations. Balance changes go
// through the same ordered locking read as batch transfers.
type AccountService struct {
	uow      UnitOfWork
	accounts AccountStore
	currency string
}

func NewAccountService(cfg *config.Config, uow UnitOfWork, accounts AccountStore) *AccountService {
	return &AccountService{
		uow:      uow,
		accounts: accounts,
		currency: cfg.Business.Currency,
	}
}

func (s *AccountService) Create(ctx context.Context, ownerID uuid.UUID) (*model.Account, error) {
	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	account := model.NewAccount(ownerID, s.currency)
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	log.Printf("[AccountService] account created: id=%s, owner=%s", account.ID, ownerID)
	return account, nil
}

func (s *AccountService) List(ctx context.Context, ownerID uuid.UUID) ([]*model.Account, error) {
	return s.accounts.ListByOwner(ctx, ownerID)
}

func (s *AccountService) Deposit(ctx context.Context, userID, accountID uuid.UUID, amount decimal.Decimal) (*model.Account, error) {
	cents, err := s.toCents(amount)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, userID, accountID, func(acc *model.Account) error {
		if !acc.IsActive() {
			return ErrAccountNotActive
		}
		if acc.Currency != s.currency {
			return ErrCurrencyMismatch
		}
		return acc.Credit(cents)
	})
}

func (s *AccountService) Withdraw(ctx context.Context, userID, accountID uuid.UUID, amount decimal.Decimal) (*model.Account, error) {
	cents, err := s.toCents(amount)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, userID, accountID, func(acc *model.Account) error {
		if !acc.IsActive() {
			return ErrAccountNotActive
		}
		return acc.Debit(cents)
	})
}

// Deactivate closes an account. Only empty accounts can be closed.
func (s *AccountService) Deactivate(ctx context.Context, userID, accountID uuid.UUID) (*model.Account, error) {
	return s.mutate(ctx, userID, accountID, func(acc *model.Account) error {
		if acc.Status == model.AccountStatusClosed {
			return ErrAccountAlreadyClosed
		}
		if acc.Balance > 0 {
			return ErrAccountHasBalance
		}
		acc.Status = model.AccountStatusClosed
		return nil
	})
}

func (s *AccountService) toCents(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, model.ErrInvalidAmount
	}
	cents, err := model.ToMinorUnits(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrMalformedAmount, amount)
	}
	return cents, nil
}

// mutate locks the account, checks ownership, applies fn and saves, all in
// one unit of work.
func (s *AccountService) mutate(ctx context.Context, userID, accountID uuid.UUID, fn func(acc *model.Account) error) (*model.Account, error) {
	var account *model.Account
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		locked, err := s.accounts.LockByIDs(ctx, tx, []uuid.UUID{accountID})
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		if len(locked) == 0 {
			return repository.ErrAccountNotFound
		}
		acc := locked[0]
		if !acc.OwnedBy(userID) {
			return ErrForbidden
		}
		if err := fn(acc); err != nil {
			return err
		}
		if err := s.accounts.SaveAll(ctx, tx, locked); err != nil {
			return fmt.Errorf("save account: %w", err)
		}
		account = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}
