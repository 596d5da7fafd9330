package redisx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockNotAcquired = errors.New("slot lock not acquired")

// A contended lock is retried a bounded number of times before the caller
// sees ErrLockNotAcquired.
const (
	acquireAttempts = 4
	acquireBackoff  = 25 * time.Millisecond
)

// retryAcquire calls try until it acquires or errors, sleeping between
// attempts. It gives up early when ctx ends.
func retryAcquire(ctx context.Context, try func() (bool, error)) error {
	for attempt := 1; ; attempt++ {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if attempt == acquireAttempts {
			return ErrLockNotAcquired
		}
		t := time.NewTimer(acquireBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ErrLockNotAcquired
		case <-t.C:
		}
	}
}

// Locker serializes work on one key, typically a doctor's time slot.
type Locker interface {
	WithSlotLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// SlotKey names the lock for a doctor's slot on a given day.
func SlotKey(doctorID uuid.UUID, date time.Time, slot string) string {
	return fmt.Sprintf("lock:slot:%s:%s:%s", doctorID, date.Format("2006-01-02"), slot)
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker returns a Locker backed by SET NX with a per-holder token.
// The lock expires after ttl even if the holder dies.
func NewRedisLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisLocker{client: client, ttl: ttl}
}

func (l *redisLocker) WithSlotLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()

	err := retryAcquire(ctx, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("acquire slot lock: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context so a cancelled request still unlocks.
		relCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.release(relCtx, key, token)
	}()

	lockedCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()
	return fn(lockedCtx)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lock: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-process
// ---------------------------------------------------------------------------

// LocalLocker is the single-instance fallback used when no Redis is
// configured. A contended key is retried briefly like the Redis locker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) WithSlotLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	err := retryAcquire(ctx, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, busy := l.held[key]; busy {
			return false, nil
		}
		l.held[key] = struct{}{}
		return true, nil
	})
	if err != nil {
		return err
	}

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}
