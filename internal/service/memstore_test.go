package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tarikibrahimovic/NLB-Payments/internal/model"
	"github.com/tarikibrahimovic/NLB-Payments/internal/repository"
)

// memStore implements every store the services use, in memory, with the
// storage guarantees they rely on: row locks held until the unit of work
// ends, a unique idempotency key that blocks a second inserter until the
// first commits, and writes that only become visible on commit.
type memStore struct {
	mu sync.Mutex

	accounts     map[uuid.UUID]model.Account
	rowLocks     map[uuid.UUID]chan struct{}
	orders       map[string]*model.PaymentOrder
	keyLocks     map[string]chan struct{}
	transactions []*model.Transaction
	failures     []*model.IntegrationFailure
	outbox       []*model.OutboxMessage
	nextOutboxID int64

	lockRequests [][]uuid.UUID

	failLookup  error
	failCreate  error
	// staleLookups makes that many key lookups miss, as if they read before
	// a competing intake committed.
	staleLookups int
	// createErrs are returned, in order, by the next intakes before any
	// insert happens.
	createErrs  []error
	failSaveAll error
	failRecord  error
}

type memTx struct {
	rows     []chan struct{}
	keys     []chan struct{}
	locked   map[uuid.UUID]bool
	accounts map[uuid.UUID]model.Account
	created  []*model.PaymentOrder
	saved    []*model.PaymentOrder
	entries  []*model.Transaction
	outbox   []*model.OutboxMessage
}

type memTxKey struct{}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[uuid.UUID]model.Account),
		rowLocks: make(map[uuid.UUID]chan struct{}),
		orders:   make(map[string]*model.PaymentOrder),
		keyLocks: make(map[string]chan struct{}),
	}
}

func (s *memStore) seed(owner uuid.UUID, balance int64, status model.AccountStatus) uuid.UUID {
	acc := model.NewAccount(owner, "EUR")
	acc.Balance = balance
	acc.Status = status
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acc.ID] = *acc
	s.rowLocks[acc.ID] = make(chan struct{}, 1)
	return acc.ID
}

func (s *memStore) balance(id uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id].Balance
}

func (s *memStore) totalBalance() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, acc := range s.accounts {
		sum += acc.Balance
	}
	return sum
}

func (s *memStore) order(key string) *model.PaymentOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[key]; ok {
		return copyOrder(o)
	}
	return nil
}

func (s *memStore) snapshot() (txs []*model.Transaction, failures []*model.IntegrationFailure, outbox []*model.OutboxMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(txs, s.transactions...), append(failures, s.failures...), append(outbox, s.outbox...)
}

func copyOrder(o *model.PaymentOrder) *model.PaymentOrder {
	c := *o
	c.Items = make([]*model.PaymentOrderItem, len(o.Items))
	for i, item := range o.Items {
		ic := *item
		if item.FailureReason != nil {
			r := *item.FailureReason
			ic.FailureReason = &r
		}
		c.Items[i] = &ic
	}
	return &c
}

func acquire(ctx context.Context, ch chan struct{}) error {
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	if tx == nil {
		panic("store call outside of a unit of work")
	}
	return tx
}

// ============================================================================
// UnitOfWork
// ============================================================================

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error {
	tx := &memTx{
		locked:   make(map[uuid.UUID]bool),
		accounts: make(map[uuid.UUID]model.Account),
	}
	defer func() {
		for _, ch := range tx.rows {
			<-ch
		}
		for _, ch := range tx.keys {
			<-ch
		}
	}()

	if err := fn(context.WithValue(ctx, memTxKey{}, tx), nil); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, acc := range tx.accounts {
		s.accounts[id] = acc
	}
	for _, o := range tx.created {
		s.orders[o.IdempotencyKey] = o
	}
	for _, o := range tx.saved {
		s.orders[o.IdempotencyKey] = o
	}
	s.transactions = append(s.transactions, tx.entries...)
	for _, msg := range tx.outbox {
		s.nextOutboxID++
		msg.ID = s.nextOutboxID
		s.outbox = append(s.outbox, msg)
	}
	return nil
}

// ============================================================================
// Accounts
// ============================================================================

// LockByIDs locks in exactly the order it is given and records that order.
func (s *memStore) LockByIDs(ctx context.Context, _ *gorm.DB, ids []uuid.UUID) ([]*model.Account, error) {
	tx := txFrom(ctx)

	s.mu.Lock()
	s.lockRequests = append(s.lockRequests, append([]uuid.UUID(nil), ids...))
	s.mu.Unlock()

	var out []*model.Account
	for _, id := range ids {
		s.mu.Lock()
		ch, ok := s.rowLocks[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if !tx.locked[id] {
			if err := acquire(ctx, ch); err != nil {
				return nil, fmt.Errorf("lock wait on %s: %w", id, err)
			}
			tx.rows = append(tx.rows, ch)
			tx.locked[id] = true
		}

		s.mu.Lock()
		acc := s.accounts[id]
		s.mu.Unlock()
		out = append(out, &acc)
	}
	return out, nil
}

func (s *memStore) SaveAll(ctx context.Context, _ *gorm.DB, accounts []*model.Account) error {
	tx := txFrom(ctx)
	if s.failSaveAll != nil {
		return s.failSaveAll
	}
	for _, acc := range accounts {
		if !tx.locked[acc.ID] {
			return fmt.Errorf("account %s saved without lock", acc.ID)
		}
		acc.Version++
		tx.accounts[acc.ID] = *acc
	}
	return nil
}

func (s *memStore) Create(_ context.Context, account *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = *account
	s.rowLocks[account.ID] = make(chan struct{}, 1)
	return nil
}

func (s *memStore) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Account
	for _, acc := range s.accounts {
		if acc.OwnerID == ownerID {
			a := acc
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// ============================================================================
// Orders, ledger, outbox, failures
// ============================================================================

func (s *memStore) GetByIdempotencyKey(_ context.Context, key string) (*model.PaymentOrder, error) {
	if s.failLookup != nil {
		return nil, s.failLookup
	}
	s.mu.Lock()
	if s.staleLookups > 0 {
		s.staleLookups--
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()
	return s.order(key), nil
}

func (s *memStore) CreateWithItems(ctx context.Context, _ *gorm.DB, order *model.PaymentOrder) error {
	tx := txFrom(ctx)
	if s.failCreate != nil {
		return s.failCreate
	}
	s.mu.Lock()
	if len(s.createErrs) > 0 {
		err := s.createErrs[0]
		s.createErrs = s.createErrs[1:]
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.mu.Lock()
	ch, ok := s.keyLocks[order.IdempotencyKey]
	if !ok {
		ch = make(chan struct{}, 1)
		s.keyLocks[order.IdempotencyKey] = ch
	}
	s.mu.Unlock()

	// a second inserter of the same key waits for the first to finish
	if err := acquire(ctx, ch); err != nil {
		return err
	}
	if s.order(order.IdempotencyKey) != nil {
		<-ch
		return repository.ErrDuplicateIdempotencyKey
	}
	tx.keys = append(tx.keys, ch)
	tx.created = append(tx.created, copyOrder(order))
	return nil
}

func (s *memStore) Save(ctx context.Context, _ *gorm.DB, order *model.PaymentOrder) error {
	tx := txFrom(ctx)
	if !order.Status.IsFinal() {
		return repository.ErrOrderStatusInvalid
	}
	current := s.order(order.IdempotencyKey)
	if current == nil || current.Status != model.OrderStatusPending {
		return repository.ErrOrderStatusInvalid
	}
	tx.saved = append(tx.saved, copyOrder(order))
	return nil
}

func (s *memStore) AppendAll(ctx context.Context, _ *gorm.DB, entries []*model.Transaction) error {
	tx := txFrom(ctx)
	tx.entries = append(tx.entries, entries...)
	return nil
}

func (s *memStore) Record(_ context.Context, failure *model.IntegrationFailure) error {
	if s.failRecord != nil {
		return s.failRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure)
	return nil
}

func (s *memStore) createOutbox(ctx context.Context, msg *model.OutboxMessage) error {
	tx := txFrom(ctx)
	tx.outbox = append(tx.outbox, msg)
	return nil
}

// memOutbox adapts memStore to OutboxStore; memStore.Create is taken by
// AccountStore.
type memOutbox struct{ s *memStore }

func (o memOutbox) Create(ctx context.Context, _ *gorm.DB, msg *model.OutboxMessage) error {
	return o.s.createOutbox(ctx, msg)
}

var errInjected = errors.New("injected fault")
