package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/carrymate/delivery-service/internal/clock"
	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OtpAttemptGuard counts wrong codes entered by one side of a listing. Every
// mismatch extends the lockout window; a correct code clears the count.
type OtpAttemptGuard interface {
	// LockedFor returns how long the key stays locked, or zero when it may try again.
	LockedFor(ctx context.Context, key string, limit int) (time.Duration, error)
	RecordMismatch(ctx context.Context, key string, window time.Duration) (int, error)
	Clear(ctx context.Context, key string) error
}

func otpAttemptKey(listingID uuid.UUID, role domain.Role) string {
	return listingID.String() + ":" + string(role)
}

// RedisOtpAttempts keeps mismatch counts in Redis so every instance sees them.
type RedisOtpAttempts struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisOtpAttempts(client redis.UniversalClient, prefix string) *RedisOtpAttempts {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "delivery:otp_mismatches"
	}
	return &RedisOtpAttempts{client: client, prefix: prefix}
}

func (r *RedisOtpAttempts) key(key string) string {
	return r.prefix + ":" + key
}

func (r *RedisOtpAttempts) LockedFor(ctx context.Context, key string, limit int) (time.Duration, error) {
	if r == nil || r.client == nil || limit <= 0 {
		return 0, nil
	}
	var count *redis.StringCmd
	var ttl *redis.DurationCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.Get(ctx, r.key(key))
		ttl = pipe.PTTL(ctx, r.key(key))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("read otp mismatches: %w", err)
	}
	failures, err := count.Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("parse otp mismatches: %w", err)
	}
	if failures < limit {
		return 0, nil
	}
	if remaining := ttl.Val(); remaining > 0 {
		return remaining, nil
	}
	return time.Second, nil
}

func (r *RedisOtpAttempts) RecordMismatch(ctx context.Context, key string, window time.Duration) (int, error) {
	if r == nil || r.client == nil || window <= 0 {
		return 0, nil
	}
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, r.key(key))
		pipe.PExpire(ctx, r.key(key), window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record otp mismatch: %w", err)
	}
	return int(incr.Val()), nil
}

func (r *RedisOtpAttempts) Clear(ctx context.Context, key string) error {
	if r == nil || r.client == nil {
		return nil
	}
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("clear otp mismatches: %w", err)
	}
	return nil
}

type mismatchCount struct {
	failures  int
	expiresAt time.Time
}

// MemoryOtpAttempts is the single-instance guard used without Redis.
type MemoryOtpAttempts struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]mismatchCount
}

func NewMemoryOtpAttempts(c clock.Clock) *MemoryOtpAttempts {
	if c == nil {
		c = clock.NewSystem()
	}
	return &MemoryOtpAttempts{clock: c, entries: make(map[string]mismatchCount)}
}

// liveLocked returns the entry for key, dropping it once its window has passed.
func (m *MemoryOtpAttempts) liveLocked(key string, now time.Time) (mismatchCount, bool) {
	entry, ok := m.entries[key]
	if ok && !now.Before(entry.expiresAt) {
		delete(m.entries, key)
		return mismatchCount{}, false
	}
	return entry, ok
}

func (m *MemoryOtpAttempts) LockedFor(_ context.Context, key string, limit int) (time.Duration, error) {
	if limit <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	entry, ok := m.liveLocked(key, now)
	if !ok || entry.failures < limit {
		return 0, nil
	}
	return entry.expiresAt.Sub(now), nil
}

func (m *MemoryOtpAttempts) RecordMismatch(_ context.Context, key string, window time.Duration) (int, error) {
	if window <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	entry, _ := m.liveLocked(key, now)
	entry.failures++
	entry.expiresAt = now.Add(window)
	m.entries[key] = entry
	return entry.failures, nil
}

func (m *MemoryOtpAttempts) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
