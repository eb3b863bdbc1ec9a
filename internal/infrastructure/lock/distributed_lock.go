package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// Redis distributed lock
// ============================================================================
//
// Acquire: SET key value NX PX ttl
//   - NX gives mutual exclusion
//   - the TTL frees the lock if the holder dies
//   - value identifies the holder so only the holder can release
//
// Release: a Lua script compares value and deletes in one step. Without the
// compare, a holder whose lock already expired would delete the next
// holder's lock.
//
// This lock never guards balances; account rows are locked in the database.
// It only elects one instance to run a background job.
// ============================================================================

var ErrLockFailed = errors.New("failed to acquire distributed lock")

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock makes one non-blocking attempt.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock retries TryLock every retryInterval, at most maxRetries times.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock releases the lock if this holder still owns it.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// ============================================================================
// Job leader lock
// ============================================================================

// Locker is what background jobs need from a lock.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// NewJobLock creates the lock that elects one instance to run job. owner
// should be unique per process, e.g. hostname plus pid.
func NewJobLock(client *redis.Client, job, owner string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(client, fmt.Sprintf("nlb:job:lock:%s", job), owner, ttl)
}
