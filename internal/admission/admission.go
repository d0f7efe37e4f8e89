package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/taskmgr818/stargraph-broker/internal/model"
)

// ─────────────────────────────────────────────
// Distributed mutex
// ─────────────────────────────────────────────

// Locker hands out non-blocking, owner-token leases on Redis keys.
type Locker struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewLocker creates a Locker.
func NewLocker(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb, releaseScript: redis.NewScript(luaReleaseLock)}
}

// Lease is a held lock. It expires on its own after the TTL.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// TryAcquire takes key for ttl. Returns (nil, nil) if another holder has it.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Release deletes the lock if this lease still owns it. Returns false when
// the lease had already expired or been taken over.
func (le *Lease) Release(ctx context.Context) (bool, error) {
	n, err := le.locker.releaseScript.Run(ctx, le.locker.rdb, []string{le.key}, le.token).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", le.key, err)
	}
	return n == 1, nil
}

// Key returns the locked key.
func (le *Lease) Key() string {
	return le.key
}

// ─────────────────────────────────────────────
// Counting semaphore
// ─────────────────────────────────────────────

// Semaphore is a cluster-wide permit pool stored in Redis.
type Semaphore struct {
	rdb           *redis.Client
	key           string
	capacityKey   string
	initScript    *redis.Script
	acquireScript *redis.Script
	releaseScript *redis.Script
}

// NewSemaphore creates the admission semaphore on its standard keys.
func NewSemaphore(rdb *redis.Client) *Semaphore {
	return &Semaphore{
		rdb:           rdb,
		key:           model.SemaphoreKey,
		capacityKey:   model.SemaphoreCapacityKey,
		initScript:    redis.NewScript(luaInitSemaphore),
		acquireScript: redis.NewScript(luaAcquirePermit),
		releaseScript: redis.NewScript(luaReleasePermit),
	}
}

// Init sets the capacity and creates the permit counter if absent. An
// existing counter gains the difference when capacity grows and is clamped
// when it shrinks.
// Returns true if the counter was created by this call.
func (s *Semaphore) Init(ctx context.Context, capacity int) (bool, error) {
	if capacity < 1 {
		return false, fmt.Errorf("semaphore capacity must be >= 1, got %d", capacity)
	}
	n, err := s.initScript.Run(ctx, s.rdb, []string{s.key, s.capacityKey}, capacity).Int64()
	if err != nil {
		return false, fmt.Errorf("init semaphore: %w", err)
	}
	return n == 1, nil
}

// Reset forces the pool to capacity with every permit available.
// Only for operator recovery when no job is in flight.
func (s *Semaphore) Reset(ctx context.Context, capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("semaphore capacity must be >= 1, got %d", capacity)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.capacityKey, capacity, 0)
	pipe.Set(ctx, s.key, capacity, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reset semaphore: %w", err)
	}
	return nil
}

// TryAcquire takes one permit without blocking.
func (s *Semaphore) TryAcquire(ctx context.Context) (bool, error) {
	n, err := s.acquireScript.Run(ctx, s.rdb, []string{s.key}).Int64()
	if err != nil {
		return false, fmt.Errorf("acquire permit: %w", err)
	}
	return n == 1, nil
}

// Release returns one permit. Returns false if the pool was already at
// capacity, so redundant releases cannot inflate it.
func (s *Semaphore) Release(ctx context.Context) (bool, error) {
	n, err := s.releaseScript.Run(ctx, s.rdb, []string{s.key, s.capacityKey}).Int64()
	if err != nil {
		return false, fmt.Errorf("release permit: %w", err)
	}
	return n == 1, nil
}

// Available returns the number of free permits.
func (s *Semaphore) Available(ctx context.Context) (int64, error) {
	return s.intValue(ctx, s.key)
}

// Capacity returns the configured pool size.
func (s *Semaphore) Capacity(ctx context.Context) (int64, error) {
	return s.intValue(ctx, s.capacityKey)
}

func (s *Semaphore) intValue(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return n, nil
}
