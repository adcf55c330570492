package passport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SubjectStore persists subjects, institutions, and the active-passport
// index used for ban cascades. Refresh tokens are stored only as their
// SHA-256 index; the raw token never reaches the store.
type SubjectStore interface {
	GetSubject(ctx context.Context, subjectID string) (*Subject, error)
	SaveSubject(ctx context.Context, s Subject) error

	GetInstitution(ctx context.Context, institutionID string) (*Institution, error)
	SaveInstitution(ctx context.Context, inst Institution) error

	// Active-passport index per subject, trimmed on revoke.
	RecordPassport(ctx context.Context, subjectID, passportID string, expiresAt time.Time) error
	ActivePassports(ctx context.Context, subjectID string) ([]string, error)
	RemovePassport(ctx context.Context, subjectID, passportID string) error

	SaveRefreshToken(ctx context.Context, tokenHash, subjectID string, expiresAt time.Time) error
	LookupRefreshToken(ctx context.Context, tokenHash string) (string, error)
	DeleteRefreshToken(ctx context.Context, tokenHash string) error
}

// HashRefreshToken is the store index for an opaque refresh token.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type passportRecord struct {
	subjectID string
	expiresAt time.Time
}

type refreshRecord struct {
	subjectID string
	expiresAt time.Time
}

// MemoryStore is the in-process SubjectStore backing tests and
// single-node deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	subjects     map[string]Subject
	institutions map[string]Institution
	passports    map[string]passportRecord // passport_id -> record
	refresh      map[string]refreshRecord  // token hash -> record
	clock        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subjects:     make(map[string]Subject),
		institutions: make(map[string]Institution),
		passports:    make(map[string]passportRecord),
		refresh:      make(map[string]refreshRecord),
		clock:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) GetSubject(ctx context.Context, subjectID string) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subjects[subjectID]
	if !ok {
		return nil, newFault(FaultNotFound, "subject %s not found", subjectID)
	}
	return &sub, nil
}

func (s *MemoryStore) SaveSubject(ctx context.Context, sub Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[sub.SubjectID] = sub
	return nil
}

func (s *MemoryStore) GetInstitution(ctx context.Context, institutionID string) (*Institution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.institutions[institutionID]
	if !ok {
		return nil, newFault(FaultNotFound, "institution %s not found", institutionID)
	}
	return &inst, nil
}

func (s *MemoryStore) SaveInstitution(ctx context.Context, inst Institution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.institutions[inst.InstitutionID] = inst
	return nil
}

func (s *MemoryStore) RecordPassport(ctx context.Context, subjectID, passportID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passports[passportID] = passportRecord{subjectID: subjectID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) ActivePassports(ctx context.Context, subjectID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock()
	out := make([]string, 0)
	for id, rec := range s.passports {
		if rec.subjectID == subjectID && rec.expiresAt.After(now) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *MemoryStore) RemovePassport(ctx context.Context, subjectID, passportID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.passports, passportID)
	return nil
}

func (s *MemoryStore) SaveRefreshToken(ctx context.Context, tokenHash, subjectID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[tokenHash] = refreshRecord{subjectID: subjectID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) LookupRefreshToken(ctx context.Context, tokenHash string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.refresh[tokenHash]
	if !ok || rec.expiresAt.Before(s.clock()) {
		return "", newFault(FaultTokenInvalid, "refresh token unknown or expired")
	}
	return rec.subjectID, nil
}

func (s *MemoryStore) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, tokenHash)
	return nil
}

var _ SubjectStore = (*MemoryStore)(nil)
