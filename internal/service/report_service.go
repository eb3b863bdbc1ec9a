package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/tarikibrahimovic/NLB-Payments/internal/model"
	"github.com/tarikibrahimovic/NLB-Payments/internal/repository"
)

type OrderReader interface {
	ListByUserID(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*model.PaymentOrder, int64, error)
	GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*model.PaymentOrder, error)
}

type LedgerReader interface {
	ListByAccountID(ctx context.Context, accountID uuid.UUID, page, pageSize int) ([]*model.Transaction, int64, error)
}

type AccountReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Account, error)
}

type FailureReader interface {
	List(ctx context.Context, page, pageSize int) ([]*model.IntegrationFailure, int64, error)
}

// ReportService is read only. Every query is scoped to the calling user
// except Failures, which the transport restricts to admins.
type ReportService struct {
	orders   OrderReader
	ledger   LedgerReader
	accounts AccountReader
	failures FailureReader
}

func NewReportService(orders OrderReader, ledger LedgerReader, accounts AccountReader, failures FailureReader) *ReportService {
	return &ReportService{
		orders:   orders,
		ledger:   ledger,
		accounts: accounts,
		failures: failures,
	}
}

// OrdersForUser lists the user's orders, newest first.
func (s *ReportService) OrdersForUser(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*model.PaymentOrder, int64, error) {
	return s.orders.ListByUserID(ctx, userID, page, pageSize)
}

// OrderDetails returns repository.ErrOrderNotFound both for a missing order
// and for one initiated by another user.
func (s *ReportService) OrderDetails(ctx context.Context, userID, orderID uuid.UUID) (*model.PaymentOrder, error) {
	return s.orders.GetByIDForUser(ctx, orderID, userID)
}

func (s *ReportService) TransactionsForAccount(ctx context.Context, userID, accountID uuid.UUID, page, pageSize int) ([]*model.Transaction, int64, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, 0, repository.ErrAccountNotFound
		}
		return nil, 0, err
	}
	if !account.OwnedBy(userID) {
		return nil, 0, repository.ErrAccountNotFound
	}
	return s.ledger.ListByAccountID(ctx, accountID, page, pageSize)
}

func (s *ReportService) Failures(ctx context.Context, page, pageSize int) ([]*model.IntegrationFailure, int64, error) {
	return s.failures.List(ctx, page, pageSize)
}
