package passport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) CommitEvent(ctx context.Context, eventType, subjectID string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return nil
}

func (r *recordingSink) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func testKeySet(t *testing.T) KeySet {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return NewRSAKeySet(key, "kid-1")
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *recordingSink) {
	t.Helper()
	store := NewMemoryStore()
	sink := &recordingSink{}
	svc := New(store, NewMemoryRevocationStore(), testKeySet(t), sink,
		DefaultConfig(), slog.New(slog.DiscardHandler))
	return svc, store, sink
}

func seedSubject(t *testing.T, store *MemoryStore, sub Subject) {
	t.Helper()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC().Add(-400 * 24 * time.Hour)
	}
	sub.IsActive = true
	require.NoError(t, store.SaveSubject(context.Background(), sub))
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	svc, store, sink := newTestService(t)
	ctx := context.Background()

	seedSubject(t, store, Subject{
		SubjectID: "sub-1", SubjectType: SubjectResearcher, Clearance: ClearanceEmailOnly,
		Email: "r@uni.edu", InstitutionID: "inst-1",
		IdentityVerified: true, MFAEnabled: true, LoginConsistency: 0.9,
		JobCompletionRate: 0.95, PaymentHealth: 1,
	})
	require.NoError(t, store.SaveInstitution(ctx, Institution{
		InstitutionID: "inst-1", Name: "Test University",
		AllowedDomains: []string{"uni.edu"}, Approved: true, Verified: true,
	}))

	p, err := svc.Issue(ctx, IssueRequest{
		SubjectID: "sub-1", Provider: ProviderOIDCEdu, MFAVerified: true, DeviceID: "dev-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.Token)
	assert.Equal(t, ClearanceInstitutional, p.Clearance)
	assert.Greater(t, p.TrustScore, 60)
	assert.Equal(t, time.Hour, p.ExpiresAt.Sub(p.IssuedAt))
	assert.Equal(t, 1, sink.count("PASSPORT_ISSUED"))

	res, err := svc.Verify(ctx, p.Token, "")
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Equal(t, p.PassportID, res.Passport.PassportID)
	assert.Equal(t, p.TrustScore, res.Passport.TrustScore)
}

func TestIssueRefusesBannedAndMissingSubjects(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Issue(ctx, IssueRequest{SubjectID: "ghost", Provider: ProviderEmailMagic})
	assert.True(t, IsFault(err, FaultNotFound))

	seedSubject(t, store, Subject{SubjectID: "bad", IsBanned: true})
	_, err = svc.Issue(ctx, IssueRequest{SubjectID: "bad", Provider: ProviderEmailMagic})
	assert.True(t, IsFault(err, FaultBanned))

	seedSubject(t, store, Subject{SubjectID: "sub-2"})
	_, err = svc.Issue(ctx, IssueRequest{SubjectID: "sub-2", Provider: "CARRIER_PIGEON"})
	assert.True(t, IsFault(err, FaultInvalidProvider))
}

func TestVerifyRejectsGarbageAndExpiredTokens(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Verify(ctx, "not.a.token", "")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, FaultTokenInvalid, res.Fault.Code)

	seedSubject(t, store, Subject{SubjectID: "sub-1"})
	p, err := svc.Issue(ctx, IssueRequest{SubjectID: "sub-1", Provider: ProviderEmailMagic})
	require.NoError(t, err)

	// Jump past expiry.
	svc.WithClock(func() time.Time { return time.Now().UTC().Add(9 * time.Hour) })
	res, err = svc.Verify(ctx, p.Token, "")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, FaultTokenExpired, res.Fault.Code)
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seedSubject(t, store, Subject{SubjectID: "sub-1"})

	p, err := svc.Issue(ctx, IssueRequest{SubjectID: "sub-1", Provider: ProviderEmailMagic})
	require.NoError(t, err)

	res, err := svc.Verify(ctx, p.Token, "other-audience")
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestRevokedPassportNeverVerifies(t *testing.T) {
	svc, store, sink := newTestService(t)
	ctx := context.Background()
	seedSubject(t, store, Subject{SubjectID: "sub-1"})

	p, err := svc.Issue(ctx, IssueRequest{SubjectID: "sub-1", Provider: ProviderEmailMagic})
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, p.PassportID, "compromised", "admin-1"))
	assert.Equal(t, 1, sink.count("PASSPORT_REVOKED"))

	res, err := svc.Verify(ctx, p.Token, "")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, FaultTokenRevoked, res.Fault.Code)
}

func TestBanRevokesActivePassportsAndIsIdempotent(t *testing.T) {
	svc, store, sink := newTestService(t)
	ctx := context.Background()
	seedSubject(t, store, Subject{SubjectID: "sub-1"})

	p1, err := svc.Issue(ctx, IssueRequest{SubjectID: "sub-1", Provider: ProviderEmailMagic})
	require.NoError(t, err)
	p2, err := svc.Issue(ctx, IssueRequest{SubjectID: "sub-1", Provider: ProviderEmailMagic})
	require.NoError(t, err)

	require.NoError(t, svc.Ban(ctx, "sub-1", "crypto mining", "tutela", true))
	assert.Equal(t, 1, sink.count("SUBJECT_BANNED"))

	for _, token := range []string{p1.Token, p2.Token} {
		res, err := svc.Verify(ctx, token, "")
		require.NoError(t, err)
		assert.False(t, res.Valid)
	}

	sub, err := store.GetSubject(ctx, "sub-1")
	require.NoError(t, err)
	assert.True(t, sub.IsBanned)

	// Second ban is a no-op.
	require.NoError(t, svc.Ban(ctx, "sub-1", "again", "tutela", false))
	assert.Equal(t, 1, sink.count("SUBJECT_BANNED"))

	// No new passports for a banned subject.
	_, err = svc.Issue(ctx, IssueRequest{SubjectID: "sub-1", Provider: ProviderEmailMagic})
	assert.True(t, IsFault(err, FaultBanned))
}

func TestRedisRevocationStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisRevocationStore(client)
	ctx := context.Background()

	revoked, err := store.IsRevoked(ctx, "p-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, store.Revoke(ctx, "p-1", "test", "admin", time.Hour))
	revoked, err = store.IsRevoked(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// Tombstone expires with its TTL.
	mr.FastForward(2 * time.Hour)
	revoked, err = store.IsRevoked(ctx, "p-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestResolveSSOSubject(t *testing.T) {
	svc, store, sink := newTestService(t)
	ctx := context.Background()
	require.NoError(t, store.SaveInstitution(ctx, Institution{
		InstitutionID: "inst-1", Name: "Test University",
		AllowedDomains: []string{"uni.edu"}, Approved: true, Verified: true,
	}))

	sub, err := svc.ResolveSSOSubject(ctx, map[string]any{
		"email":                 "alice@cs.uni.edu",
		"name":                  "Alice",
		"schacHomeOrganization": "uni.edu",
		"eduPersonAffiliation":  "student",
	}, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, SubjectStudent, sub.SubjectType)
	assert.Equal(t, ClearanceInstitutional, sub.Clearance)
	assert.Equal(t, 60, sub.TrustScore)
	assert.Equal(t, "inst-1", sub.InstitutionID)
	assert.Equal(t, 1, sink.count("SUBJECT_CREATED"))

	// Wrong domain is rejected.
	_, err = svc.ResolveSSOSubject(ctx, map[string]any{
		"email": "mallory@evil.example",
	}, "inst-1")
	assert.True(t, IsFault(err, FaultUnauthenticated))
}

func TestAffiliationMapping(t *testing.T) {
	assert.Equal(t, SubjectStudent, affiliationSubjectType("student"))
	assert.Equal(t, SubjectFaculty, affiliationSubjectType("Faculty"))
	assert.Equal(t, SubjectFaculty, affiliationSubjectType("staff"))
	assert.Equal(t, SubjectResearcher, affiliationSubjectType("member"))
	assert.Equal(t, SubjectResearcher, affiliationSubjectType(""))
}

func TestDomainSuffixMatch(t *testing.T) {
	domains := []string{"uni.edu"}
	assert.True(t, emailMatchesDomains("a@uni.edu", domains))
	assert.True(t, emailMatchesDomains("a@cs.uni.edu", domains))
	assert.False(t, emailMatchesDomains("a@notuni.edu", domains))
	assert.False(t, emailMatchesDomains("a@uni.edu.evil.example", domains))
	assert.False(t, emailMatchesDomains("no-at-sign", domains))
}

func TestRefreshTokenFlow(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seedSubject(t, store, Subject{SubjectID: "sub-1"})

	token, err := svc.IssueRefreshToken(ctx, "sub-1")
	require.NoError(t, err)

	// Only the hash lands in the store.
	_, err = store.LookupRefreshToken(ctx, token)
	assert.Error(t, err)
	subjectID, err := store.LookupRefreshToken(ctx, HashRefreshToken(token))
	require.NoError(t, err)
	assert.Equal(t, "sub-1", subjectID)

	p, err := svc.Refresh(ctx, token, ProviderEmailMagic)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", p.SubjectID)

	// Consumed on use.
	_, err = svc.Refresh(ctx, token, ProviderEmailMagic)
	assert.Error(t, err)
}

func TestClearanceMonotonicAcrossProviders(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seedSubject(t, store, Subject{SubjectID: "sub-1", Clearance: ClearanceEnterprise})

	// A weaker provider never downgrades stored clearance.
	p, err := svc.Issue(ctx, IssueRequest{SubjectID: "sub-1", Provider: ProviderEmailMagic})
	require.NoError(t, err)
	assert.Equal(t, ClearanceEnterprise, p.Clearance)
}
