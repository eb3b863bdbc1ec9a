package job

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tarikibrahimovic/NLB-Payments/internal/config"
	"github.com/tarikibrahimovic/NLB-Payments/internal/infrastructure/mq"
	"github.com/tarikibrahimovic/NLB-Payments/internal/model"
)

type OutboxQueue interface {
	GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	MarkAsSent(ctx context.Context, id int64) error
	IncrementRetryCount(ctx context.Context, id int64) error
	MarkAsFailed(ctx context.Context, id int64) error
}

// OutboxSender drains transfer outcome events written by the orchestrator to
// the broker. Delivery is at least once: a crash between publish and
// MarkAsSent republishes the message, and consumers dedupe on the key.
type OutboxSender struct {
	queue      OutboxQueue
	publisher  mq.Publisher
	stopCh     chan struct{}
	stopOnce   sync.Once
	interval   time.Duration
	batchSize  int
	maxRetries int
}

func NewOutboxSender(cfg *config.Config, queue OutboxQueue, publisher mq.Publisher) *OutboxSender {
	return &OutboxSender{
		queue:      queue,
		publisher:  publisher,
		stopCh:     make(chan struct{}),
		interval:   time.Duration(cfg.Business.OutboxIntervalMs) * time.Millisecond,
		batchSize:  cfg.Business.OutboxBatchSize,
		maxRetries: cfg.Business.MaxRetryCount,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Printf("[OutboxSender] started: interval=%s, batch=%d", s.interval, s.batchSize)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] context done, exiting")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// processPendingMessages returns how many messages were published.
func (s *OutboxSender) processPendingMessages(ctx context.Context) int {
	messages, err := s.queue.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] load pending messages failed: %v", err)
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(ctx, mq.Message{
		Topic:     msg.Topic,
		Key:       msg.MessageKey,
		EventType: msg.EventType,
		Body:      []byte(msg.Payload),
	})

	if err == nil {
		if updateErr := s.queue.MarkAsSent(ctx, msg.ID); updateErr != nil {
			log.Printf("[OutboxSender] mark sent failed: id=%d, err=%v", msg.ID, updateErr)
		}
		return true
	}

	log.Printf("[OutboxSender] publish failed: id=%d, event=%s, err=%v", msg.ID, msg.EventType, err)

	if msg.RetryCount+1 >= s.maxRetries {
		if err := s.queue.MarkAsFailed(ctx, msg.ID); err != nil {
			log.Printf("[OutboxSender] mark failed failed: id=%d, err=%v", msg.ID, err)
		} else {
			log.Printf("[OutboxSender] giving up after %d attempts: id=%d, key=%s", msg.RetryCount+1, msg.ID, msg.MessageKey)
		}
		return false
	}

	if err := s.queue.IncrementRetryCount(ctx, msg.ID); err != nil {
		log.Printf("[OutboxSender] increment retry count failed: id=%d, err=%v", msg.ID, err)
	}
	return false
}
