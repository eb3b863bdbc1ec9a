package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tarikibrahimovic/NLB-Payments/internal/config"
	"github.com/tarikibrahimovic/NLB-Payments/internal/model"
	"github.com/tarikibrahimovic/NLB-Payments/internal/repository"
	"github.com/tarikibrahimovic/NLB-Payments/pkg/idgen"
)

const (
	failureContext    = "TRANSFER_BATCH_SERVICE"
	maxFailureMessage = 1000
	maxIdempotencyKey = 255
	recordTimeout     = 5 * time.Second
	maxIntakeAttempts = 3
)

const (
	MsgTransferSuccessful  = "Transfer successful"
	MsgAlreadyProcessed    = "Request already processed"
	MsgConcurrentProcessed = "Concurrent request processed"
	MsgAccountsNotFound    = "One or more accounts not found"
	MsgNotOwner            = "User does not own the source account"
	MsgInsufficientFunds   = "Insufficient funds"

	msgBalanceLimit = "Account %s would exceed the maximum balance"
)

// Outcome tells the transport which path produced a TransferResult.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeBusinessFailure
	OutcomeDuplicate
	OutcomeConcurrentDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeBusinessFailure:
		return "business_failure"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeConcurrentDuplicate:
		return "concurrent_duplicate"
	default:
		return "unknown"
	}
}

type TransferItem struct {
	DestinationAccountID uuid.UUID       `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
}

type TransferRequest struct {
	IdempotencyKey   string         `json:"idempotency_key"`
	InitiatingUserID uuid.UUID      `json:"initiated_by_user_id"`
	SourceAccountID  uuid.UUID      `json:"source_account_id"`
	Items            []TransferItem `json:"items"`
}

// Validate checks the shape of the request. Amount precision is checked
// separately during intake.
func (r *TransferRequest) Validate() error {
	key := strings.TrimSpace(r.IdempotencyKey)
	switch {
	case key == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	case len(key) > maxIdempotencyKey:
		return fmt.Errorf("%w: idempotency key longer than %d", ErrInvalidRequest, maxIdempotencyKey)
	case r.InitiatingUserID == uuid.Nil:
		return fmt.Errorf("%w: initiating user is required", ErrInvalidRequest)
	case r.SourceAccountID == uuid.Nil:
		return fmt.Errorf("%w: source account is required", ErrInvalidRequest)
	case len(r.Items) == 0:
		return fmt.Errorf("%w: at least one item is required", ErrInvalidRequest)
	}
	for i, item := range r.Items {
		if item.DestinationAccountID == uuid.Nil {
			return fmt.Errorf("%w: item %d has no destination account", ErrInvalidRequest, i)
		}
		if !item.Amount.IsPositive() {
			return fmt.Errorf("%w: item %d amount must be greater than zero", ErrInvalidRequest, i)
		}
	}
	return nil
}

type TransferResult struct {
	OrderID uuid.UUID         `json:"payment_order_id"`
	OrderNo string            `json:"order_no"`
	Status  model.OrderStatus `json:"status"`
	Message string            `json:"message"`
	Outcome Outcome           `json:"-"`
}

func resultFrom(order *model.PaymentOrder, outcome Outcome, message string) *TransferResult {
	return &TransferResult{
		OrderID: order.ID,
		OrderNo: order.OrderNo,
		Status:  order.Status,
		Message: message,
		Outcome: outcome,
	}
}

// ============================================================================
// Batch transfer orchestrator
// ============================================================================

type TransferService struct {
	uow           UnitOfWork
	ledger        LedgerStore
	orders        OrderStore
	ledgerEntries TransactionStore
	failures      FailureQueue
	outbox        OutboxStore

	currency string
	topic    string
	timeout  time.Duration
	now      func() time.Time
}

func NewTransferService(
	cfg *config.Config,
	uow UnitOfWork,
	ledger LedgerStore,
	orders OrderStore,
	ledgerEntries TransactionStore,
	failures FailureQueue,
	outbox OutboxStore,
) *TransferService {
	return &TransferService{
		uow:           uow,
		ledger:        ledger,
		orders:        orders,
		ledgerEntries: ledgerEntries,
		failures:      failures,
		outbox:        outbox,
		currency:      cfg.Business.Currency,
		topic:         cfg.Broker.Topic.TransferResult,
		timeout:       time.Duration(cfg.Business.ExecuteTimeoutSecs) * time.Second,
		now:           time.Now,
	}
}

// Execute runs one batch transfer. It moves money from the source account to
// every destination atomically, or records why it did not.
//
// A non-nil result is a normal outcome, including a business rejection (status
// FAILED) and a replay of an earlier request with the same idempotency key.
// Errors are either ErrInvalidRequest / ErrMalformedAmount, raised before
// anything is persisted, or a *SystemFaultError.
func (s *TransferService) Execute(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	// 1. idempotency fast path
	existing, err := s.orders.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		s.recordFailure(ctx, req, nil, err)
		return nil, &SystemFaultError{Stage: StageIdempotency, Err: err}
	}
	if existing != nil {
		log.Printf("[TransferService] idempotent replay: key=%s, order=%s, status=%s",
			req.IdempotencyKey, existing.ID, existing.Status)
		return resultFrom(existing, OutcomeDuplicate, MsgAlreadyProcessed), nil
	}

	// 2. intake, committed on its own
	order, err := s.newPendingOrder(req)
	if err != nil {
		return nil, err
	}
	for attempt := 1; ; attempt++ {
		err = s.uow.WithinTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
			return s.orders.CreateWithItems(ctx, tx, order)
		})
		if !errors.Is(err, repository.ErrDuplicateOrderNo) || attempt == maxIntakeAttempts {
			break
		}
		log.Printf("[TransferService] order number collision, regenerating: key=%s, order_no=%s",
			req.IdempotencyKey, order.OrderNo)
		order.OrderNo = idgen.GenerateOrderNo()
	}
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
			return s.concurrentDuplicate(ctx, req)
		}
		log.Printf("[TransferService] intake failed: key=%s, err=%v", req.IdempotencyKey, err)
		s.recordFailure(ctx, req, nil, err)
		return nil, &SystemFaultError{Stage: StageIntake, Err: err}
	}

	// 3-5. lock, validate, execute
	var rejection *BusinessError
	err = s.uow.WithinTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		rejection = nil
		accounts, err := s.ledger.LockByIDs(ctx, tx, orderAccountIDs(order))
		if err != nil {
			return fmt.Errorf("lock accounts: %w", err)
		}

		if rejection = validateLocked(order, accounts); rejection != nil {
			return s.reject(ctx, tx, order, rejection.Reason)
		}
		return s.apply(ctx, tx, order, accounts)
	})
	if err != nil {
		log.Printf("[TransferService] execution failed, rolled back: key=%s, order=%s, err=%v",
			req.IdempotencyKey, order.ID, err)
		s.recordFailure(ctx, req, &order.ID, err)
		return nil, &SystemFaultError{OrderID: &order.ID, Stage: StageExecution, Err: err}
	}

	if rejection != nil {
		log.Printf("[TransferService] rejected: key=%s, order=%s, reason=%s",
			req.IdempotencyKey, order.ID, rejection.Reason)
		return resultFrom(order, OutcomeBusinessFailure, rejection.Reason), nil
	}

	log.Printf("[TransferService] completed: key=%s, order=%s, total=%d, items=%d",
		req.IdempotencyKey, order.ID, order.TotalAmount, len(order.Items))
	return resultFrom(order, OutcomeCompleted, MsgTransferSuccessful), nil
}

func (s *TransferService) concurrentDuplicate(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	winner, err := s.orders.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil && winner == nil {
		err = errors.New("order for duplicate idempotency key not found")
	}
	if err != nil {
		s.recordFailure(ctx, req, nil, err)
		return nil, &SystemFaultError{Stage: StageIntake, Err: err}
	}
	log.Printf("[TransferService] concurrent duplicate: key=%s, order=%s, status=%s",
		req.IdempotencyKey, winner.ID, winner.Status)
	return resultFrom(winner, OutcomeConcurrentDuplicate, MsgConcurrentProcessed), nil
}

func (s *TransferService) newPendingOrder(req *TransferRequest) (*model.PaymentOrder, error) {
	order := &model.PaymentOrder{
		ID:                uuid.New(),
		OrderNo:           idgen.GenerateOrderNo(),
		IdempotencyKey:    req.IdempotencyKey,
		InitiatedByUserID: req.InitiatingUserID,
		SourceAccountID:   req.SourceAccountID,
		Currency:          s.currency,
		Status:            model.OrderStatusPending,
		Items:             make([]*model.PaymentOrderItem, 0, len(req.Items)),
	}

	for i, reqItem := range req.Items {
		amount, err := model.ToMinorUnits(reqItem.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d amount %s", ErrMalformedAmount, i, reqItem.Amount)
		}
		if order.TotalAmount > model.MaxMinorUnits-amount {
			return nil, fmt.Errorf("%w: order total overflows", ErrMalformedAmount)
		}
		order.TotalAmount += amount
		order.Items = append(order.Items, &model.PaymentOrderItem{
			ID:                   uuid.New(),
			PaymentOrderID:       order.ID,
			Ordinal:              i,
			DestinationAccountID: reqItem.DestinationAccountID,
			Amount:               amount,
			Status:               model.ItemStatusPending,
			OrderKey:             model.ItemKey(req.IdempotencyKey, i),
		})
	}
	return order, nil
}

// orderAccountIDs is the source plus every distinct destination, ascending.
func orderAccountIDs(order *model.PaymentOrder) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(order.Items)+1)
	ids = append(ids, order.SourceAccountID)
	for _, item := range order.Items {
		ids = append(ids, item.DestinationAccountID)
	}
	return repository.SortedUniqueIDs(ids)
}

// validateLocked runs the checks against the locked snapshot; the first
// failing check wins.
func validateLocked(order *model.PaymentOrder, locked []*model.Account) *BusinessError {
	byID := make(map[uuid.UUID]*model.Account, len(locked))
	for _, acc := range locked {
		byID[acc.ID] = acc
	}

	for _, id := range orderAccountIDs(order) {
		if _, ok := byID[id]; !ok {
			return &BusinessError{Reason: MsgAccountsNotFound}
		}
	}

	source := byID[order.SourceAccountID]
	if !source.OwnedBy(order.InitiatedByUserID) {
		return &BusinessError{Reason: MsgNotOwner}
	}

	for _, acc := range locked {
		if !acc.IsActive() {
			return &BusinessError{Reason: fmt.Sprintf("Account %s is not ACTIVE", acc.ID)}
		}
	}

	if source.Balance < order.TotalAmount {
		return &BusinessError{Reason: MsgInsufficientFunds}
	}

	// the debit lands first, so a source that is also a destination nets out
	after := make(map[uuid.UUID]int64, len(locked))
	for _, acc := range locked {
		after[acc.ID] = acc.Balance
	}
	after[order.SourceAccountID] -= order.TotalAmount
	for _, item := range order.Items {
		if item.Amount > model.MaxMinorUnits-after[item.DestinationAccountID] {
			return &BusinessError{Reason: fmt.Sprintf(msgBalanceLimit, item.DestinationAccountID)}
		}
		after[item.DestinationAccountID] += item.Amount
	}
	return nil
}

// reject commits the order as FAILED. Balances are not touched.
func (s *TransferService) reject(ctx context.Context, tx *gorm.DB, order *model.PaymentOrder, reason string) error {
	if err := order.Fail(reason, s.now()); err != nil {
		return err
	}
	if err := s.orders.Save(ctx, tx, order); err != nil {
		return fmt.Errorf("save failed order: %w", err)
	}
	return s.writeEvent(ctx, tx, order, model.EventTransferFailed, reason)
}

// apply debits the source once for the order total and credits every item.
// Accounts, ledger entries, order and outcome event are written in tx.
func (s *TransferService) apply(ctx context.Context, tx *gorm.DB, order *model.PaymentOrder, locked []*model.Account) error {
	now := s.now()
	byID := make(map[uuid.UUID]*model.Account, len(locked))
	for _, acc := range locked {
		byID[acc.ID] = acc
	}

	if err := byID[order.SourceAccountID].Debit(order.TotalAmount); err != nil {
		return fmt.Errorf("debit source: %w", err)
	}

	entries := make([]*model.Transaction, 0, len(order.Items))
	for _, item := range order.Items {
		if err := byID[item.DestinationAccountID].Credit(item.Amount); err != nil {
			return fmt.Errorf("credit item %d: %w", item.Ordinal, err)
		}
		if err := item.MarkSucceeded(now); err != nil {
			return err
		}
		entries = append(entries, model.NewLedgerEntry(order, item))
	}
	if err := order.Complete(now); err != nil {
		return err
	}

	// locked holds each touched account exactly once
	if err := s.ledger.SaveAll(ctx, tx, locked); err != nil {
		return fmt.Errorf("save accounts: %w", err)
	}
	if err := s.ledgerEntries.AppendAll(ctx, tx, entries); err != nil {
		return fmt.Errorf("append ledger entries: %w", err)
	}
	if err := s.orders.Save(ctx, tx, order); err != nil {
		return fmt.Errorf("save completed order: %w", err)
	}
	return s.writeEvent(ctx, tx, order, model.EventTransferCompleted, "")
}

func (s *TransferService) writeEvent(ctx context.Context, tx *gorm.DB, order *model.PaymentOrder, eventType, reason string) error {
	msg, err := model.NewTransferOutcomeMessage(order, eventType, s.topic, reason, s.now())
	if err != nil {
		return err
	}
	if err := s.outbox.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("write outbox message: %w", err)
	}
	return nil
}

// recordFailure writes a dead-letter record. It must not fail the caller: a
// write error is logged and dropped. The caller's context may already be
// cancelled, so the record gets its own deadline.
func (s *TransferService) recordFailure(ctx context.Context, req *TransferRequest, orderID *uuid.UUID, cause error) {
	entityName := model.FailureEntityBatchTransfer
	if orderID != nil {
		entityName = model.FailureEntityPaymentOrder
	}

	payload, err := json.Marshal(req)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"idempotency_key":%q}`, req.IdempotencyKey))
	}

	failure := &model.IntegrationFailure{
		ID:         uuid.New(),
		Context:    failureContext,
		EntityName: entityName,
		RelatedID:  orderID,
		Message:    truncate(cause.Error(), maxFailureMessage),
		Payload:    string(payload),
		OccurredAt: s.now(),
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.failures.Record(recordCtx, failure); err != nil {
		log.Printf("[TransferService] CRITICAL: failed to record integration failure: key=%s, cause=%v, err=%v",
			req.IdempotencyKey, cause, err)
	}
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
