package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore is an atomic counter with per-key expiry.
type CounterStore interface {
	// Increment adds one to key, setting its expiry to ttl when the key is
	// created, and returns the new value.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RateLimitKey identifies a counter: what is being done and by whom.
type RateLimitKey struct {
	Action string
	Client string // user ID or client IP
}

// RateLimiter is a fixed-window limiter over a CounterStore. The store's
// increment is atomic, so concurrent requests cannot read the same count.
type RateLimiter struct {
	store   CounterStore
	audit   *auditLogger
	metrics *Metrics
	now     func() time.Time
}

// NewRateLimiter creates a limiter backed by store.
func NewRateLimiter(store CounterStore, audit *auditLogger, metrics *Metrics, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{store: store, audit: audit, metrics: metrics, now: now}
}

func (rl *RateLimiter) windowStart(window time.Duration) time.Time {
	return rl.now().Truncate(window)
}

func (rl *RateLimiter) counterKey(key RateLimitKey, window time.Duration) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", key.Action, key.Client, rl.windowStart(window).Unix())
}

// Allow counts one request for key and reports whether it is within
// maxRequests for the current window.
func (rl *RateLimiter) Allow(ctx context.Context, key RateLimitKey, maxRequests int, window time.Duration) (bool, error) {
	count, err := rl.store.Increment(ctx, rl.counterKey(key, window), window)
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	return count <= int64(maxRequests), nil
}

// RetryAfter returns the time until the current window for window closes.
func (rl *RateLimiter) RetryAfter(window time.Duration) time.Duration {
	return rl.windowStart(window).Add(window).Sub(rl.now())
}

// Limit applies rule to key and returns ErrRateLimited when it is exceeded.
// If the counter store is unavailable the request is allowed.
func (rl *RateLimiter) Limit(ctx context.Context, rc *RequestContext, key RateLimitKey, rule RateLimitRule) error {
	allowed, err := rl.Allow(ctx, key, rule.MaxRequests, rule.Window)
	if err != nil {
		slog.Error("Rate limiter unavailable, allowing request",
			"action", key.Action,
			"error", err)
		return nil
	}
	if allowed {
		return nil
	}

	slog.Warn("Rate limit exceeded",
		"action", key.Action,
		"client", key.Client,
		"path", rc.Meta.Path)
	rl.metrics.rateLimited(key.Action)
	rl.audit.record(ctx, nil, EventRateLimited, fmt.Sprintf("Rate limit exceeded for %s", key.Action), rc.Meta, false)
	return ErrRateLimited
}

// ClientKey returns the rate limit key for rc: the user ID when signed in,
// otherwise the client IP.
func ClientKey(action string, rc *RequestContext) RateLimitKey {
	if rc.IsAuthenticated() {
		return RateLimitKey{Action: action, Client: fmt.Sprintf("user:%d", rc.User.ID)}
	}
	return RateLimitKey{Action: action, Client: "ip:" + rc.Meta.IPAddress}
}

// MemoryCounterStore provides in-memory counters for single-process deployments
// and tests.
type MemoryCounterStore struct {
	counters map[string]*memoryCounter
	now      func() time.Time
	mu       sync.Mutex
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounterStore creates an empty store.
func NewMemoryCounterStore(now func() time.Time) *MemoryCounterStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounterStore{
		counters: make(map[string]*memoryCounter),
		now:      now,
	}
}

// Increment implements CounterStore.
func (m *MemoryCounterStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	counter, ok := m.counters[key]
	if !ok || !now.Before(counter.expiresAt) {
		counter = &memoryCounter{expiresAt: now.Add(ttl)}
		m.counters[key] = counter
	}
	counter.count++
	return counter.count, nil
}

// Cleanup removes expired counters to prevent memory leaks
func (m *MemoryCounterStore) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, counter := range m.counters {
		if !now.Before(counter.expiresAt) {
			delete(m.counters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live counters.
func (m *MemoryCounterStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

// incrementScript increments a counter and sets its expiry on creation in a
// single round trip, so no two callers observe the same value.
var incrementScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisCounterStore keeps counters in Redis so limits hold across processes.
type RedisCounterStore struct {
	client redis.Scripter
	prefix string
}

// NewRedisCounterStore creates a store on client. prefix namespaces keys.
func NewRedisCounterStore(client redis.Scripter, prefix string) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: prefix}
}

// Increment implements CounterStore.
func (s *RedisCounterStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return n, nil
}
