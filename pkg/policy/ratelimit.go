package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitScope selects which identity a window counts against.
type RateLimitScope string

const (
	ScopeLimitSubject     RateLimitScope = "SUBJECT"
	ScopeLimitInstitution RateLimitScope = "INSTITUTION"
	ScopeLimitIP          RateLimitScope = "IP"
)

// RateLimitConfig is one counting window.
type RateLimitConfig struct {
	WindowSeconds int            `json:"window_seconds" yaml:"window_seconds"`
	MaxRequests   int            `json:"max_requests" yaml:"max_requests"`
	Scope         RateLimitScope `json:"scope" yaml:"scope"`
}

// RateLimitKey builds the counter key for a scope/identity/action triple.
func RateLimitKey(scope RateLimitScope, id string, action ActionType) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", scope, id, action)
}

// Limiter counts hits in fixed windows. Hit returns whether the request
// is within budget and, when it is not, the seconds until the window
// resets.
type Limiter interface {
	Hit(ctx context.Context, key string, windowSeconds, maxRequests int) (allowed bool, retryAfter int, err error)
}

// Single round trip: increment, stamp the expiry on first hit, read TTL.
var hitScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('TTL', KEYS[1])
return {current, ttl}
`)

// RedisLimiter counts in Redis so all replicas share the window.
type RedisLimiter struct {
	client redis.UniversalClient
}

func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Hit(ctx context.Context, key string, windowSeconds, maxRequests int) (bool, int, error) {
	res, err := hitScript.Run(ctx, l.client, []string{key}, windowSeconds).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("policy: rate-limit hit: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("policy: rate-limit script returned %d values", len(res))
	}
	current, _ := res[0].(int64)
	ttl, _ := res[1].(int64)
	if current > int64(maxRequests) {
		retry := int(ttl)
		if retry <= 0 {
			retry = windowSeconds
		}
		return false, retry, nil
	}
	return true, 0, nil
}

type localWindow struct {
	count   int
	resetAt time.Time
}

// LocalLimiter is the in-process fixed-window fallback for single-node
// deployments and tests.
type LocalLimiter struct {
	mu      sync.Mutex
	windows map[string]*localWindow
	clock   func() time.Time
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		windows: make(map[string]*localWindow),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for testing.
func (l *LocalLimiter) WithClock(clock func() time.Time) *LocalLimiter {
	l.clock = clock
	return l
}

func (l *LocalLimiter) Hit(ctx context.Context, key string, windowSeconds, maxRequests int) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &localWindow{resetAt: now.Add(time.Duration(windowSeconds) * time.Second)}
		l.windows[key] = w
	}
	w.count++
	if w.count > maxRequests {
		retry := int(w.resetAt.Sub(now).Seconds())
		if retry <= 0 {
			retry = 1
		}
		return false, retry, nil
	}
	return true, 0, nil
}

var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*LocalLimiter)(nil)
)
