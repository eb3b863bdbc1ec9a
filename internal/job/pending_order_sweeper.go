package job

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/tarikibrahimovic/NLB-Payments/internal/config"
	"github.com/tarikibrahimovic/NLB-Payments/internal/infrastructure/lock"
	"github.com/tarikibrahimovic/NLB-Payments/internal/model"
	"github.com/tarikibrahimovic/NLB-Payments/internal/repository"
)

const ExpiredReason = "Expired while awaiting reconciliation"

type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error
}

type StaleOrderStore interface {
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*model.PaymentOrder, error)
	ExpirePending(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) error
}

type OutboxWriter interface {
	Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error
}

type FailureRetryCounter interface {
	IncrementRetryCountForRelated(ctx context.Context, relatedID uuid.UUID) (int64, error)
}

// PendingOrderSweeper fails orders left PENDING by a system fault after
// intake. Such an order has no committed ledger effect: execution rolled back
// as a whole. So failing it needs no compensation, only the status change and
// the transfer.failed event, written together.
//
// Only one instance sweeps at a time, elected by locker. A nil locker means
// a single instance deployment.
type PendingOrderSweeper struct {
	uow        UnitOfWork
	orders     StaleOrderStore
	outbox     OutboxWriter
	failures   FailureRetryCounter
	locker     lock.Locker
	cron       *cron.Cron
	schedule   string
	topic      string
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
}

func NewPendingOrderSweeper(cfg *config.Config, uow UnitOfWork, orders StaleOrderStore, outbox OutboxWriter, failures FailureRetryCounter, locker lock.Locker) *PendingOrderSweeper {
	cronLogger := cron.PrintfLogger(log.Default())
	return &PendingOrderSweeper{
		uow:        uow,
		orders:     orders,
		outbox:     outbox,
		failures:   failures,
		locker:     locker,
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger), cron.Recover(cronLogger))),
		schedule:   cfg.Reconcile.Schedule,
		topic:      cfg.Broker.Topic.TransferResult,
		staleAfter: time.Duration(cfg.Reconcile.StaleAfterMinutes) * time.Minute,
		batchSize:  cfg.Reconcile.BatchSize,
		now:        time.Now,
	}
}

func (j *PendingOrderSweeper) Start(ctx context.Context) error {
	if _, err := j.cron.AddFunc(j.schedule, func() { j.sweep(ctx) }); err != nil {
		return err
	}
	j.cron.Start()
	log.Printf("[PendingOrderSweeper] scheduled: schedule=%q, stale_after=%s", j.schedule, j.staleAfter)
	return nil
}

// Stop returns a context that is done once a running sweep has finished.
func (j *PendingOrderSweeper) Stop() context.Context {
	return j.cron.Stop()
}

// sweep returns how many orders it failed.
func (j *PendingOrderSweeper) sweep(ctx context.Context) int {
	if j.locker != nil {
		ok, err := j.locker.TryLock(ctx)
		if err != nil {
			log.Printf("[PendingOrderSweeper] leader lock failed: %v", err)
			return 0
		}
		if !ok {
			return 0
		}
		defer func() {
			if err := j.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
				log.Printf("[PendingOrderSweeper] unlock failed: %v", err)
			}
		}()
	}

	orders, err := j.orders.ListStalePending(ctx, j.now().Add(-j.staleAfter), j.batchSize)
	if err != nil {
		log.Printf("[PendingOrderSweeper] load stale orders failed: %v", err)
		return 0
	}
	if len(orders) == 0 {
		return 0
	}

	log.Printf("[PendingOrderSweeper] found %d stale PENDING orders", len(orders))

	expired := 0
	for _, order := range orders {
		err := j.uow.WithinTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
			return j.expire(ctx, tx, order)
		})
		if errors.Is(err, repository.ErrOrderStatusInvalid) {
			// resolved since it was listed
			continue
		}
		if err != nil {
			log.Printf("[PendingOrderSweeper] expire failed: order=%s, err=%v", order.ID, err)
			continue
		}
		expired++

		if _, err := j.failures.IncrementRetryCountForRelated(ctx, order.ID); err != nil {
			log.Printf("[PendingOrderSweeper] bump failure retry count failed: order=%s, err=%v", order.ID, err)
		}
		log.Printf("[PendingOrderSweeper] order expired: order=%s, key=%s, created_at=%s",
			order.ID, order.IdempotencyKey, order.CreatedAt.Format(time.RFC3339))
	}
	return expired
}

func (j *PendingOrderSweeper) expire(ctx context.Context, tx *gorm.DB, order *model.PaymentOrder) error {
	if err := j.orders.ExpirePending(ctx, tx, order.ID, ExpiredReason); err != nil {
		return err
	}
	now := j.now()
	if err := order.Fail(ExpiredReason, now); err != nil {
		return err
	}
	msg, err := model.NewTransferOutcomeMessage(order, model.EventTransferFailed, j.topic, ExpiredReason, now)
	if err != nil {
		return err
	}
	return j.outbox.Create(ctx, tx, msg)
}
