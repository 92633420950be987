package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"shiftflow/pkg/clock"
)

// ErrMiss is returned by Get and GetDel when the key does not exist.
var ErrMiss = errors.New("kv: key not found")

// KV is the key-value store behind sessions, OAuth state, the response
// cache and flag overrides.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	GetDel(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisKV wraps go-redis.
type RedisKV struct{ client redis.UniversalClient }

func NewRedisKV(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return res, err
}

func (r *RedisKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisKV) GetDel(ctx context.Context, key string) (string, error) {
	res, err := r.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return res, err
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// sweepInterval bounds how often MemoryKV scans the whole map. Between
// sweeps expired keys are dropped when they are touched.
const sweepInterval = time.Minute

// MemoryKV is an in-process TTL map. Used when Redis is unreachable outside
// production and by tests that drive a fake clock.
type MemoryKV struct {
	mu        sync.Mutex
	clock     clock.Clock
	items     map[string]memItem
	nextSweep time.Time
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func (i memItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

func NewMemoryKV(c clock.Clock) *MemoryKV {
	c = clock.OrReal(c)
	return &MemoryKV{clock: c, items: map[string]memItem{}, nextSweep: c.Now().Add(sweepInterval)}
}

func (m *MemoryKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.lookupLocked(key, m.clock.Now())
	if !ok {
		return "", ErrMiss
	}
	return item.value, nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.maybeSweepLocked(now)
	m.items[key] = memItem{value: value, expiresAt: expiry(now, ttl)}
	return nil
}

func (m *MemoryKV) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.maybeSweepLocked(now)
	if _, ok := m.lookupLocked(key, now); ok {
		return false, nil
	}
	m.items[key] = memItem{value: value, expiresAt: expiry(now, ttl)}
	return true, nil
}

func (m *MemoryKV) GetDel(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.lookupLocked(key, m.clock.Now())
	if !ok {
		return "", ErrMiss
	}
	delete(m.items, key)
	return item.value, nil
}

func (m *MemoryKV) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

// Len reports the number of live keys. It always sweeps.
func (m *MemoryKV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.clock.Now())
	return len(m.items)
}

// lookupLocked returns the live item for key, dropping it if it has expired.
func (m *MemoryKV) lookupLocked(key string, now time.Time) (memItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if item.expired(now) {
		delete(m.items, key)
		return memItem{}, false
	}
	return item, true
}

func (m *MemoryKV) maybeSweepLocked(now time.Time) {
	if now.Before(m.nextSweep) {
		return
	}
	m.sweepLocked(now)
}

func (m *MemoryKV) sweepLocked(now time.Time) {
	for k, v := range m.items {
		if v.expired(now) {
			delete(m.items, k)
		}
	}
	m.nextSweep = now.Add(sweepInterval)
}

// A non-positive ttl never expires, matching SET without EX.
func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
