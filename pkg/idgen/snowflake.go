package idgen

import (
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Snowflake ids for order numbers
// ============================================================================
//
// Layout (64 bits):
//
//   0 | 41 bits millisecond timestamp | 10 bits worker id | 12 bits sequence
//
// Order numbers only need to be unique and roughly time ordered; entity
// primary keys are UUIDs.
// ============================================================================

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("worker id must be between 0 and %d", maxWorkerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

// Init sets the worker id of the package level generator. Only the first
// successful call, or the first NextID, has an effect.
func Init(workerID int64) error {
	g, err := NewSnowflake(workerID)
	if err != nil {
		return err
	}
	once.Do(func() { defaultGenerator = g })
	return nil
}

func NextID() int64 {
	once.Do(func() { defaultGenerator, _ = NewSnowflake(1) })
	return defaultGenerator.Generate()
}

func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// sequence exhausted for this millisecond
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

// Parts splits a snowflake id into its unix millisecond timestamp, worker id
// and sequence.
func Parts(id int64) (millis, workerID, sequence int64) {
	millis = (id >> timestampShift) + epoch
	workerID = (id >> workerIDShift) & maxWorkerID
	sequence = id & maxSequence
	return millis, workerID, sequence
}

// GenerateOrderNo returns a batch transfer order number:
// BTO + yyyyMMddHHmmss (UTC) + millisecond(3) + sequence(4) + worker digit(1),
// e.g. BTO2024011514305212304174.
//
// Numbers from one worker never repeat. Workers whose ids share a last
// digit can collide within the same millisecond, which the order store
// rejects and the caller retries.
func GenerateOrderNo() string {
	return orderNo(NextID())
}

func orderNo(id int64) string {
	millis, workerID, sequence := Parts(id)
	ts := time.UnixMilli(millis).UTC()
	return fmt.Sprintf("BTO%s%03d%04d%d", ts.Format("20060102150405"), millis%1000, sequence, workerID%10)
}
