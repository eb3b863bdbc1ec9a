package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tarikibrahimovic/NLB-Payments/internal/model"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "repo.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Account{},
		&model.PaymentOrder{},
		&model.PaymentOrderItem{},
		&model.Transaction{},
		&model.IntegrationFailure{},
		&model.OutboxMessage{},
	))
	return db
}

func seedAccount(t *testing.T, repo *AccountRepository, owner uuid.UUID, balance int64) *model.Account {
	t.Helper()
	acc := model.NewAccount(owner, "EUR")
	acc.Balance = balance
	require.NoError(t, repo.Create(context.Background(), acc))
	return acc
}

func newOrder(key string, source uuid.UUID, amounts ...int64) *model.PaymentOrder {
	order := &model.PaymentOrder{
		ID:                uuid.New(),
		OrderNo:           "BTO" + uuid.NewString()[:8],
		IdempotencyKey:    key,
		InitiatedByUserID: uuid.New(),
		SourceAccountID:   source,
		Currency:          "EUR",
		Status:            model.OrderStatusPending,
	}
	for i, amount := range amounts {
		order.TotalAmount += amount
		order.Items = append(order.Items, &model.PaymentOrderItem{
			ID:                   uuid.New(),
			Ordinal:              i,
			DestinationAccountID: uuid.New(),
			Amount:               amount,
			Status:               model.ItemStatusPending,
			OrderKey:             model.ItemKey(key, i),
		})
	}
	return order
}

// ============================================================================
// Accounts
// ============================================================================

func TestAccountRepository_LockByIDsReturnsAscendingOrder(t *testing.T) {
	db := setupDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	owner := uuid.New()
	a := seedAccount(t, repo, owner, 100)
	b := seedAccount(t, repo, owner, 200)
	c := seedAccount(t, repo, owner, 300)

	want := SortedUniqueIDs([]uuid.UUID{c.ID, a.ID, b.ID})

	err := db.Transaction(func(tx *gorm.DB) error {
		got, err := repo.LockByIDs(ctx, tx, []uuid.UUID{c.ID, a.ID, b.ID, a.ID})
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, acc := range got {
			assert.Equal(t, want[i], acc.ID)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAccountRepository_LockByIDsOmitsMissingRows(t *testing.T) {
	db := setupDB(t)
	repo := NewAccountRepository(db)

	a := seedAccount(t, repo, uuid.New(), 100)

	got, err := repo.LockByIDs(context.Background(), nil, []uuid.UUID{a.ID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestAccountRepository_SaveAllBumpsVersion(t *testing.T) {
	db := setupDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	a := seedAccount(t, repo, uuid.New(), 100)
	locked, err := repo.LockByIDs(ctx, nil, []uuid.UUID{a.ID})
	require.NoError(t, err)

	require.NoError(t, locked[0].Debit(40))
	require.NoError(t, repo.SaveAll(ctx, nil, locked))
	assert.Equal(t, int64(1), locked[0].Version)

	stored, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), stored.Balance)
	assert.Equal(t, int64(1), stored.Version)
}

func TestAccountRepository_SaveAllDetectsStaleVersion(t *testing.T) {
	db := setupDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	a := seedAccount(t, repo, uuid.New(), 100)
	first, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	second, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)

	require.NoError(t, repo.SaveAll(ctx, nil, []*model.Account{first}))
	assert.ErrorIs(t, repo.SaveAll(ctx, nil, []*model.Account{second}), ErrOptimisticLock)
}

func TestAccountRepository_GetByIDNotFound(t *testing.T) {
	repo := NewAccountRepository(setupDB(t))
	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

// ============================================================================
// Orders
// ============================================================================

func TestOrderRepository_CreateWithItemsAndReadBack(t *testing.T) {
	db := setupDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	order := newOrder("key-1", uuid.New(), 100, 250)
	require.NoError(t, repo.CreateWithItems(ctx, nil, order))

	got, err := repo.GetByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, order.ID, got.ID)
	assert.Equal(t, int64(350), got.TotalAmount)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "key-1#0", got.Items[0].OrderKey)
	assert.Equal(t, "key-1#1", got.Items[1].OrderKey)
	assert.Equal(t, order.ID, got.Items[1].PaymentOrderID)
}

func TestOrderRepository_GetByIdempotencyKeyMissing(t *testing.T) {
	repo := NewOrderRepository(setupDB(t))
	got, err := repo.GetByIdempotencyKey(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestOrderRepository_DuplicateKeyIsRejectedByStorage(t *testing.T) {
	db := setupDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.CreateWithItems(ctx, nil, newOrder("dup", uuid.New(), 100)))

	err := db.Transaction(func(tx *gorm.DB) error {
		return repo.CreateWithItems(ctx, tx, newOrder("dup", uuid.New(), 100))
	})
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)

	var count int64
	require.NoError(t, db.Model(&model.PaymentOrderItem{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestOrderRepository_OrderNumberCollisionIsNotADuplicateKey(t *testing.T) {
	db := setupDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	first := newOrder("first", uuid.New(), 100)
	require.NoError(t, repo.CreateWithItems(ctx, nil, first))

	second := newOrder("second", uuid.New(), 100)
	second.OrderNo = first.OrderNo
	err := db.Transaction(func(tx *gorm.DB) error {
		return repo.CreateWithItems(ctx, tx, second)
	})
	assert.ErrorIs(t, err, ErrDuplicateOrderNo)
	assert.NotErrorIs(t, err, ErrDuplicateIdempotencyKey)

	got, err := repo.GetByIdempotencyKey(ctx, "second")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestOrderRepository_SaveMovesOutOfPendingOnce(t *testing.T) {
	db := setupDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	order := newOrder("key-2", uuid.New(), 100, 200)
	require.NoError(t, repo.CreateWithItems(ctx, nil, order))

	require.NoError(t, order.Fail("Insufficient funds", time.Now()))
	require.NoError(t, repo.Save(ctx, nil, order))

	got, err := repo.GetByIdempotencyKey(ctx, "key-2")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFailed, got.Status)
	for _, item := range got.Items {
		assert.Equal(t, model.ItemStatusFailed, item.Status)
		require.NotNil(t, item.FailureReason)
		assert.Equal(t, "Insufficient funds", *item.FailureReason)
	}

	assert.ErrorIs(t, repo.Save(ctx, nil, order), ErrOrderStatusInvalid)
}

func TestOrderRepository_SaveRejectsPendingTarget(t *testing.T) {
	repo := NewOrderRepository(setupDB(t))
	order := newOrder("key-3", uuid.New(), 100)
	assert.ErrorIs(t, repo.Save(context.Background(), nil, order), ErrOrderStatusInvalid)
}

func TestOrderRepository_GetByIDForUserIsScoped(t *testing.T) {
	db := setupDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	order := newOrder("key-4", uuid.New(), 100)
	require.NoError(t, repo.CreateWithItems(ctx, nil, order))

	got, err := repo.GetByIDForUser(ctx, order.ID, order.InitiatedByUserID)
	require.NoError(t, err)
	assert.Len(t, got.Items, 1)

	_, err = repo.GetByIDForUser(ctx, order.ID, uuid.New())
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestOrderRepository_ListByUserIDPages(t *testing.T) {
	db := setupDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	user := uuid.New()
	for i := 0; i < 3; i++ {
		order := newOrder(uuid.NewString(), uuid.New(), 100)
		order.InitiatedByUserID = user
		require.NoError(t, repo.CreateWithItems(ctx, nil, order))
	}

	orders, total, err := repo.ListByUserID(ctx, user, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, orders, 2)
}

func TestOrderRepository_ExpirePending(t *testing.T) {
	db := setupDB(t)
	repo := NewOrderRepository(db)
	ctx := context.Background()

	old := newOrder("old", uuid.New(), 100)
	old.CreatedAt = time.Now().Add(-time.Hour)
	fresh := newOrder("fresh", uuid.New(), 100)
	require.NoError(t, repo.CreateWithItems(ctx, nil, old))
	require.NoError(t, repo.CreateWithItems(ctx, nil, fresh))

	stale, err := repo.ListStalePending(ctx, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
	assert.Len(t, stale[0].Items, 1)

	require.NoError(t, repo.ExpirePending(ctx, nil, old.ID, "expired"))
	assert.ErrorIs(t, repo.ExpirePending(ctx, nil, old.ID, "expired"), ErrOrderStatusInvalid)

	got, err := repo.GetByIdempotencyKey(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFailed, got.Status)
	require.NotNil(t, got.Items[0].FailureReason)
	assert.Equal(t, "expired", *got.Items[0].FailureReason)
}

// ============================================================================
// Ledger, failures, outbox
// ============================================================================

func TestTransactionRepository_AppendAndList(t *testing.T) {
	db := setupDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	order := newOrder("key-5", uuid.New(), 100, 200)
	entries := []*model.Transaction{
		model.NewLedgerEntry(order, order.Items[0]),
		model.NewLedgerEntry(order, order.Items[1]),
	}
	require.NoError(t, repo.AppendAll(ctx, nil, entries))
	require.NoError(t, repo.AppendAll(ctx, nil, nil))

	byOrder, err := repo.ListByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, byOrder, 2)

	bySource, total, err := repo.ListByAccountID(ctx, order.SourceAccountID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, bySource, 2)

	byDest, total, err := repo.ListByAccountID(ctx, order.Items[1].DestinationAccountID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(200), byDest[0].Amount)
}

func TestFailureRepository_RecordSurvivesRollback(t *testing.T) {
	db := setupDB(t)
	orders := NewOrderRepository(db)
	failures := NewFailureRepository(db)
	ctx := context.Background()

	order := newOrder("key-6", uuid.New(), 100)
	_ = db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, failures.Record(ctx, &model.IntegrationFailure{
			Context:    "TEST",
			EntityName: model.FailureEntityPaymentOrder,
			RelatedID:  &order.ID,
			Message:    "boom",
		}))
		require.NoError(t, orders.CreateWithItems(ctx, tx, order))
		return assert.AnError
	})

	got, err := orders.GetByIdempotencyKey(ctx, "key-6")
	require.NoError(t, err)
	assert.Nil(t, got)

	list, total, err := failures.List(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, order.ID, *list[0].RelatedID)

	n, err := failures.IncrementRetryCountForRelated(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOutboxRepository_Lifecycle(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, repo.Create(ctx, nil, &model.OutboxMessage{
			MessageKey: uuid.NewString(),
			EventType:  model.EventTransferCompleted,
			Topic:      "transfer_result",
			Payload:    "{}",
			Status:     model.OutboxStatusPending,
		}))
	}

	pending, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, repo.MarkAsSent(ctx, pending[0].ID))
	require.NoError(t, repo.IncrementRetryCount(ctx, pending[1].ID))
	require.NoError(t, repo.MarkAsFailed(ctx, pending[1].ID))

	pending, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var failed model.OutboxMessage
	require.NoError(t, db.Where("status = ?", model.OutboxStatusFailed).First(&failed).Error)
	assert.Equal(t, 2, failed.RetryCount)
}

func TestOutboxRepository_SettledMessageIsNotMovedAgain(t *testing.T) {
	db := setupDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	msg := &model.OutboxMessage{
		MessageKey: uuid.NewString(),
		EventType:  model.EventTransferFailed,
		Topic:      "transfer_result",
		Payload:    "{}",
	}
	require.NoError(t, repo.Create(ctx, nil, msg))
	assert.Equal(t, model.OutboxStatusPending, msg.Status)

	require.NoError(t, repo.MarkAsSent(ctx, msg.ID))
	require.NoError(t, repo.IncrementRetryCount(ctx, msg.ID))
	require.NoError(t, repo.MarkAsFailed(ctx, msg.ID))

	var stored model.OutboxMessage
	require.NoError(t, db.First(&stored, msg.ID).Error)
	assert.Equal(t, model.OutboxStatusSent, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
}
