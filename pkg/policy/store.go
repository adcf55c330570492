package policy

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PolicyStore persists scoped policies. Writers bump Version and must
// call Engine.InvalidateCache for the scope key they touched.
type PolicyStore interface {
	GetPolicy(ctx context.Context, scope PolicyScope, scopeKey string) (*Policy, error)
	SavePolicy(ctx context.Context, p Policy) error
	DeletePolicy(ctx context.Context, scope PolicyScope, scopeKey string) error
}

// ErrPolicyNotFound distinguishes an absent policy from a store failure.
var ErrPolicyNotFound = fmt.Errorf("policy: not found")

func scopeCacheKey(scope PolicyScope, scopeKey string) string {
	return string(scope) + ":" + scopeKey
}

// MemoryPolicyStore is the in-process PolicyStore.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]Policy)}
}

func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, scope PolicyScope, scopeKey string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[scopeCacheKey(scope, scopeKey)]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return &p, nil
}

func (s *MemoryPolicyStore) SavePolicy(ctx context.Context, p Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[scopeCacheKey(p.Scope, p.ScopeKey)] = p
	return nil
}

func (s *MemoryPolicyStore) DeletePolicy(ctx context.Context, scope PolicyScope, scopeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, scopeCacheKey(scope, scopeKey))
	return nil
}

var _ PolicyStore = (*MemoryPolicyStore)(nil)

type cachedPolicy struct {
	policy  *Policy // nil caches a confirmed absence
	fetched time.Time
}

// policyCache is the TTL + invalidation cache in front of the store.
// Invalidation is the correctness mechanism; the TTL is a safety net.
type policyCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cachedPolicy
	clock   func() time.Time
}

func newPolicyCache(ttl time.Duration, clock func() time.Time) *policyCache {
	return &policyCache{ttl: ttl, entries: make(map[string]cachedPolicy), clock: clock}
}

func (c *policyCache) get(key string) (*Policy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.clock().Sub(e.fetched) > c.ttl {
		return nil, false
	}
	return e.policy, true
}

func (c *policyCache) put(key string, p *Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedPolicy{policy: p, fetched: c.clock()}
}

func (c *policyCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == "" {
		c.entries = make(map[string]cachedPolicy)
		return
	}
	delete(c.entries, key)
}
