package passport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore is the TTL-indexed kill list for passports. Entries
// must outlive the passport they revoke.
type RevocationStore interface {
	Revoke(ctx context.Context, passportID, reason, by string, ttl time.Duration) error
	IsRevoked(ctx context.Context, passportID string) (bool, error)
}

func revocationKey(passportID string) string {
	return "revoked:" + passportID
}

// RedisRevocationStore backs revocation with Redis SET+EX.
type RedisRevocationStore struct {
	client redis.UniversalClient
}

func NewRedisRevocationStore(client redis.UniversalClient) *RedisRevocationStore {
	return &RedisRevocationStore{client: client}
}

func (s *RedisRevocationStore) Revoke(ctx context.Context, passportID, reason, by string, ttl time.Duration) error {
	val := fmt.Sprintf("%s|%s|%s", reason, by, time.Now().UTC().Format(time.RFC3339))
	if err := s.client.Set(ctx, revocationKey(passportID), val, ttl).Err(); err != nil {
		return fmt.Errorf("passport: record revocation: %w", err)
	}
	return nil
}

func (s *RedisRevocationStore) IsRevoked(ctx context.Context, passportID string) (bool, error) {
	n, err := s.client.Exists(ctx, revocationKey(passportID)).Result()
	if err != nil {
		return false, fmt.Errorf("passport: revocation lookup: %w", err)
	}
	return n > 0, nil
}

// MemoryRevocationStore is the in-process fallback.
type MemoryRevocationStore struct {
	mu      sync.RWMutex
	revoked map[string]time.Time // passport_id -> expiry of the tombstone
	clock   func() time.Time
}

func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{
		revoked: make(map[string]time.Time),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryRevocationStore) Revoke(ctx context.Context, passportID, reason, by string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[passportID] = s.clock().Add(ttl)
	return nil
}

func (s *MemoryRevocationStore) IsRevoked(ctx context.Context, passportID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.revoked[passportID]
	return ok && exp.After(s.clock()), nil
}

var (
	_ RevocationStore = (*RedisRevocationStore)(nil)
	_ RevocationStore = (*MemoryRevocationStore)(nil)
)
