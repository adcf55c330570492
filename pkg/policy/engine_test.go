package policy

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodes-labs/custodes/pkg/passport"
)

type recordingSink struct {
	events []string
}

func (r *recordingSink) CommitEvent(ctx context.Context, eventType, subjectID string, fields map[string]any) error {
	r.events = append(r.events, eventType)
	return nil
}

func newBaselineEngine(t *testing.T, limiter Limiter) (*Engine, *MemoryPolicyStore, *recordingSink) {
	t.Helper()
	store := NewMemoryPolicyStore()
	require.NoError(t, store.SavePolicy(context.Background(),
		BaselinePlatformPolicy(DefaultStepUpRiskThreshold)))
	sink := &recordingSink{}
	eng := New(store, limiter, sink, DefaultConfig(), slog.New(slog.DiscardHandler))
	return eng, store, sink
}

func institutionalRequest(action ActionType, trust int) AuthorizationRequest {
	return AuthorizationRequest{
		SubjectID:     "sub-1",
		PassportID:    "p-1",
		Clearance:     passport.ClearanceInstitutional,
		TrustScore:    trust,
		SubjectType:   passport.SubjectResearcher,
		InstitutionID: "inst-1",
		Action:        action,
		Resource: &ResourceRequest{
			VRAMGB: 24, GPUCount: 2, DurationHours: 8, WorkloadType: "TRAINING",
		},
	}
}

func TestHighClearanceBandAllows(t *testing.T) {
	eng, _, sink := newBaselineEngine(t, nil)

	resp, err := eng.Authorize(context.Background(), institutionalRequest(ActionJobSubmit, 85))
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, resp.Decision)
	assert.Equal(t, "band-high-clearance", resp.MatchedRuleID)
	assert.Equal(t, "platform-baseline", resp.PolicyID)
	assert.NotEmpty(t, resp.EvaluationID)
	assert.Contains(t, sink.events, "POLICY_EVALUATED")
}

func TestTrustedBandAllowsLimited(t *testing.T) {
	eng, _, _ := newBaselineEngine(t, nil)

	resp, err := eng.Authorize(context.Background(), institutionalRequest(ActionJobSubmit, 70))
	require.NoError(t, err)
	assert.Equal(t, DecisionAllowLimited, resp.Decision)
	assert.Equal(t, "band-trusted", resp.MatchedRuleID)
	require.NotNil(t, resp.Constraints)
	assert.Equal(t, 80.0, resp.Constraints.MaxVRAMGB)
	assert.Equal(t, 4, resp.Constraints.MaxGPUs)
	assert.Equal(t, 72.0, resp.Constraints.MaxDurationHours)
}

func TestHighTrustWithoutInstitutionFallsToTrustedBand(t *testing.T) {
	eng, _, _ := newBaselineEngine(t, nil)
	req := institutionalRequest(ActionJobSubmit, 85)
	req.InstitutionID = ""

	resp, err := eng.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllowLimited, resp.Decision)
	assert.Equal(t, "band-trusted", resp.MatchedRuleID)
}

func TestRestrictedBandConstraints(t *testing.T) {
	eng, _, _ := newBaselineEngine(t, nil)
	req := institutionalRequest(ActionJobSubmit, 10)
	req.Resource = &ResourceRequest{VRAMGB: 4, GPUCount: 1, DurationHours: 1, WorkloadType: "INFERENCE"}

	resp, err := eng.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllowLimited, resp.Decision)
	assert.Equal(t, "band-restricted", resp.MatchedRuleID)
	assert.True(t, resp.Constraints.NetworkRestricted)
	assert.Equal(t, 150, resp.Constraints.MaxPowerWatts)
}

func TestHighRiskForcesStepUp(t *testing.T) {
	eng, _, _ := newBaselineEngine(t, nil)
	req := institutionalRequest(ActionJobSubmit, 85)
	req.Risk.CurrentRiskScore = 71

	resp, err := eng.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DecisionStepUp, resp.Decision)
	assert.Equal(t, "MFA_REAUTH", resp.StepUpMethod)

	// At the threshold itself, no step-up.
	req.Risk.CurrentRiskScore = 70
	resp, err = eng.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, resp.Decision)
}

func TestAdminActionsRequireAdminClearance(t *testing.T) {
	eng, _, sink := newBaselineEngine(t, nil)

	req := institutionalRequest(ActionSubjectBan, 85)
	req.Resource = nil
	resp, err := eng.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, resp.Decision)
	assert.Contains(t, sink.events, "POLICY_DENIED")

	req.Clearance = passport.ClearanceAdmin
	resp, err = eng.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, resp.Decision)
	assert.Equal(t, "admin-gate", resp.MatchedRuleID)
}

func TestPayoutRequiresTrust(t *testing.T) {
	eng, _, _ := newBaselineEngine(t, nil)

	req := institutionalRequest(ActionPayoutRequest, 50)
	req.Resource = nil
	resp, err := eng.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, resp.Decision)

	req.TrustScore = 61
	resp, err = eng.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, resp.Decision)
	assert.Equal(t, "payout-trusted", resp.MatchedRuleID)
}

func TestRateLimitLockout(t *testing.T) {
	limiter := NewLocalLimiter()
	store := NewMemoryPolicyStore()
	require.NoError(t, store.SavePolicy(context.Background(),
		BaselinePlatformPolicy(DefaultStepUpRiskThreshold)))
	cfg := DefaultConfig()
	cfg.RateLimits = []RateLimitConfig{{WindowSeconds: 60, MaxRequests: 100, Scope: ScopeLimitSubject}}
	eng := New(store, limiter, &recordingSink{}, cfg, slog.New(slog.DiscardHandler))

	ctx := context.Background()
	req := institutionalRequest(ActionJobSubmit, 85)
	for i := 0; i < 100; i++ {
		resp, err := eng.Authorize(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, DecisionAllow, resp.Decision)
	}

	resp, err := eng.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DecisionDenyCooldown, resp.Decision)
	assert.Equal(t, ReasonRateLimited, resp.DenyReason)
	assert.Greater(t, resp.RetryAfterSeconds, 0)
	assert.LessOrEqual(t, resp.RetryAfterSeconds, 60)
}

// ctxAwareSink refuses writes on a dead context, like the real ledger.
type ctxAwareSink struct {
	events []string
}

func (s *ctxAwareSink) CommitEvent(ctx context.Context, eventType, subjectID string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.events = append(s.events, eventType)
	return nil
}

func TestCancelledRateLimitedAuthorizeStillAudited(t *testing.T) {
	store := NewMemoryPolicyStore()
	require.NoError(t, store.SavePolicy(context.Background(),
		BaselinePlatformPolicy(DefaultStepUpRiskThreshold)))
	cfg := DefaultConfig()
	cfg.RateLimits = []RateLimitConfig{{WindowSeconds: 60, MaxRequests: 0, Scope: ScopeLimitSubject}}
	sink := &ctxAwareSink{}
	eng := New(store, NewLocalLimiter(), sink, cfg, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := eng.Authorize(ctx, institutionalRequest(ActionJobSubmit, 85))
	require.NoError(t, err)
	assert.Equal(t, DecisionDenyCooldown, resp.Decision)
	assert.Equal(t, ReasonRateLimited, resp.DenyReason)
	assert.Contains(t, sink.events, "RATE_LIMIT_EXCEEDED")
}

func TestCancelledAuthorizeDecisionStillAudited(t *testing.T) {
	store := NewMemoryPolicyStore()
	require.NoError(t, store.SavePolicy(context.Background(),
		BaselinePlatformPolicy(DefaultStepUpRiskThreshold)))
	sink := &ctxAwareSink{}
	eng := New(store, nil, sink, DefaultConfig(), slog.New(slog.DiscardHandler))

	// Warm the policy cache so evaluation survives a dead store context.
	_, err := eng.Authorize(context.Background(), institutionalRequest(ActionJobSubmit, 85))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := eng.Authorize(ctx, institutionalRequest(ActionJobSubmit, 85))
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, resp.Decision)
	assert.Len(t, sink.events, 2)
}

func TestRedisLimiterWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLimiter(client)
	ctx := context.Background()

	key := RateLimitKey(ScopeLimitSubject, "sub-1", ActionJobSubmit)
	for i := 0; i < 3; i++ {
		allowed, _, err := limiter.Hit(ctx, key, 60, 3)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, retry, err := limiter.Hit(ctx, key, 60, 3)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retry, 0)

	// Window resets after expiry.
	mr.FastForward(61 * time.Second)
	allowed, _, err = limiter.Hit(ctx, key, 60, 3)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestSubjectPolicyBeatsPlatform(t *testing.T) {
	eng, store, _ := newBaselineEngine(t, nil)
	require.NoError(t, store.SavePolicy(context.Background(), Policy{
		PolicyID: "subject-override", Scope: ScopeSubject, ScopeKey: "sub-1",
		Version: 1, DefaultDecision: DecisionDeny,
		Rules: []Rule{{
			RuleID: "frozen", Priority: 1,
			Actions:    []ActionType{ActionJobSubmit},
			Decision:   DecisionReview,
			DenyReason: ReasonLowTrust,
			IsActive:   true,
		}},
	}))

	resp, err := eng.Authorize(context.Background(), institutionalRequest(ActionJobSubmit, 85))
	require.NoError(t, err)
	assert.Equal(t, DecisionReview, resp.Decision)
	assert.Equal(t, "subject-override", resp.PolicyID)
}

func TestCacheInvalidationOnSave(t *testing.T) {
	eng, _, _ := newBaselineEngine(t, nil)
	ctx := context.Background()

	resp, err := eng.Authorize(ctx, institutionalRequest(ActionJobSubmit, 85))
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, resp.Decision)

	// A subject-scope freeze written through the engine is visible
	// immediately despite the warm cache.
	require.NoError(t, eng.SavePolicy(ctx, Policy{
		PolicyID: "freeze", Scope: ScopeSubject, ScopeKey: "sub-1",
		DefaultDecision: DecisionDeny,
		Rules: []Rule{{
			RuleID: "deny-all", Priority: 1,
			Actions:  []ActionType{ActionJobSubmit},
			Decision: DecisionDeny,
			IsActive: true,
		}},
	}))

	resp, err = eng.Authorize(ctx, institutionalRequest(ActionJobSubmit, 85))
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, resp.Decision)
}

func TestAuthorizeIsDeterministic(t *testing.T) {
	eng, _, _ := newBaselineEngine(t, nil)
	ctx := context.Background()
	req := institutionalRequest(ActionJobSubmit, 55)
	req.RequestTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	first, err := eng.Authorize(ctx, req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := eng.Authorize(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, first.Decision, again.Decision)
		assert.Equal(t, first.MatchedRuleID, again.MatchedRuleID)
		assert.Equal(t, first.PolicyVersion, again.PolicyVersion)
	}
}

func TestNoPolicyAtAllDenies(t *testing.T) {
	store := NewMemoryPolicyStore()
	eng := New(store, nil, nil, DefaultConfig(), slog.New(slog.DiscardHandler))

	resp, err := eng.Authorize(context.Background(), institutionalRequest(ActionJobSubmit, 85))
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, resp.Decision)
	assert.Equal(t, ReasonPolicyNotFound, resp.DenyReason)
}

func TestAuthorizeMany(t *testing.T) {
	eng, _, _ := newBaselineEngine(t, nil)

	out, err := eng.AuthorizeMany(context.Background(), institutionalRequest("", 85),
		[]ActionType{ActionJobSubmit, ActionSubjectBan})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, out[ActionJobSubmit].Decision)
	assert.Equal(t, DecisionDeny, out[ActionSubjectBan].Decision)
}

func TestAuthorizeOrFault(t *testing.T) {
	eng, _, _ := newBaselineEngine(t, nil)
	req := institutionalRequest(ActionSubjectBan, 85)
	req.Resource = nil

	_, err := eng.AuthorizeOrFault(context.Background(), req)
	var fault *Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, DecisionDeny, fault.Decision)
}

func TestCELExpressionCondition(t *testing.T) {
	store := NewMemoryPolicyStore()
	require.NoError(t, store.SavePolicy(context.Background(), Policy{
		PolicyID: "expr", Scope: ScopePlatform, Version: 1, DefaultDecision: DecisionDeny,
		Rules: []Rule{{
			RuleID: "cheap-long-jobs", Priority: 1,
			Actions: []ActionType{ActionJobSubmit},
			Conditions: Conditions{
				Expression: `estimated_cost < 10.0 && duration_hours <= 24.0`,
			},
			Decision: DecisionAllow,
			IsActive: true,
		}},
	}))
	eng := New(store, nil, nil, DefaultConfig(), slog.New(slog.DiscardHandler))
	ctx := context.Background()

	req := institutionalRequest(ActionJobSubmit, 50)
	req.Resource.EstimatedCost = 5
	resp, err := eng.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, resp.Decision)

	req.Resource.EstimatedCost = 50
	resp, err = eng.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, resp.Decision)
}
