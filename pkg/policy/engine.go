package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
)

// LedgerSink is the narrow write interface into the audit chain.
type LedgerSink interface {
	CommitEvent(ctx context.Context, eventType, subjectID string, fields map[string]any) error
}

// Config tunes an engine instance.
type Config struct {
	InstanceID      string
	DefaultPolicyID string
	CacheTTL        time.Duration     // default 300s
	RateLimits      []RateLimitConfig // evaluated before any policy load
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		InstanceID: "aedituus-1",
		CacheTTL:   300 * time.Second,
	}
}

// Engine is the Aedituus pillar.
type Engine struct {
	store   PolicyStore
	limiter Limiter
	ledger  LedgerSink
	cfg     Config
	cache   *policyCache
	logger  *slog.Logger
	clock   func() time.Time

	programMu sync.RWMutex
	programs  map[string]cel.Program
}

// New wires a policy engine. limiter may be nil to disable rate limiting;
// ledger may be nil in tests.
func New(store PolicyStore, limiter Limiter, ledger LedgerSink, cfg Config, logger *slog.Logger) *Engine {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 300 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	clock := func() time.Time { return time.Now().UTC() }
	return &Engine{
		store:    store,
		limiter:  limiter,
		ledger:   ledger,
		cfg:      cfg,
		cache:    newPolicyCache(cfg.CacheTTL, clock),
		logger:   logger,
		clock:    clock,
		programs: make(map[string]cel.Program),
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	e.cache.clock = clock
	return e
}

// InvalidateCache drops a cached scope entry, or everything when key is
// empty. Policy writers call this after every save.
func (e *Engine) InvalidateCache(scopeKey string) {
	e.cache.invalidate(scopeKey)
}

// SavePolicy persists a policy, bumps its version, and invalidates the
// cache entry so the next authorize sees it.
func (e *Engine) SavePolicy(ctx context.Context, p Policy) error {
	p.Version++
	p.UpdatedAt = e.clock()
	if err := e.store.SavePolicy(ctx, p); err != nil {
		return fmt.Errorf("policy: save: %w", err)
	}
	e.InvalidateCache(scopeCacheKey(p.Scope, p.ScopeKey))
	e.emit(ctx, "POLICY_UPDATED", "system", map[string]any{
		"policy_id": p.PolicyID,
		"scope":     string(p.Scope),
		"scope_key": p.ScopeKey,
		"version":   p.Version,
	})
	return nil
}

// Authorize evaluates one request. Rate limits run first; then policies
// load in specificity order and the first matching rule wins; with no
// match anywhere, the most specific policy's default decision applies.
// Deny is a first-class return value, never an error.
func (e *Engine) Authorize(ctx context.Context, req AuthorizationRequest) (AuthorizationResponse, error) {
	if req.RequestTime.IsZero() {
		req.RequestTime = e.clock()
	}
	resp := AuthorizationResponse{
		EvaluationID: uuid.New().String(),
		EvaluatedAt:  e.clock(),
	}

	limited, retryAfter, err := e.checkRateLimits(ctx, req)
	if err != nil {
		return AuthorizationResponse{}, err
	}
	if limited {
		resp.Decision = DecisionDenyCooldown
		resp.DenyReason = ReasonRateLimited
		resp.RetryAfterSeconds = retryAfter
		resp.Reason = fmt.Sprintf("rate limit exceeded; retry in %ds", retryAfter)
		e.emitEvaluation(ctx, req, resp)
		return resp, nil
	}

	policies, err := e.loadPolicies(ctx, req)
	if err != nil {
		return AuthorizationResponse{}, err
	}
	if len(policies) == 0 {
		resp.Decision = DecisionDeny
		resp.DenyReason = ReasonPolicyNotFound
		resp.Reason = "no policy governs this request"
		e.emitEvaluation(ctx, req, resp)
		return resp, nil
	}

	now := req.RequestTime
	var lastFailure DenyReason
	for _, pol := range policies {
		rules := applicableRules(pol, req.Action, now)
		for _, rule := range rules {
			out := e.evaluateConditions(rule.Conditions, req)
			if !out.Matched {
				if out.Reason != "" && out.Reason != ReasonNoMatchingRule {
					lastFailure = out.Reason
				}
				continue
			}
			resp.Decision = rule.Decision
			resp.DenyReason = rule.DenyReason
			resp.Constraints = rule.Constraints
			resp.StepUpMethod = rule.StepUpMethod
			resp.MatchedRuleID = rule.RuleID
			resp.PolicyID = pol.PolicyID
			resp.PolicyVersion = pol.Version
			resp.Reason = rule.Description
			e.emitEvaluation(ctx, req, resp)
			return resp, nil
		}
	}

	// No rule matched anywhere: the most specific policy's default wins.
	def := policies[0]
	resp.Decision = def.DefaultDecision
	if resp.Decision == "" {
		resp.Decision = DecisionDeny
	}
	resp.PolicyID = def.PolicyID
	resp.PolicyVersion = def.Version
	if !resp.Decision.Permitted() {
		resp.DenyReason = ReasonNoMatchingRule
		if lastFailure != "" {
			resp.DenyReason = lastFailure
		}
		resp.Reason = "no rule matched; default decision applied"
	}
	e.emitEvaluation(ctx, req, resp)
	return resp, nil
}

// AuthorizeMany evaluates one base request across several actions.
func (e *Engine) AuthorizeMany(ctx context.Context, base AuthorizationRequest, actions []ActionType) (map[ActionType]AuthorizationResponse, error) {
	out := make(map[ActionType]AuthorizationResponse, len(actions))
	for _, action := range actions {
		req := base
		req.Action = action
		resp, err := e.Authorize(ctx, req)
		if err != nil {
			return nil, err
		}
		out[action] = resp
	}
	return out, nil
}

// AuthorizeOrFault wraps Authorize with a typed error for non-permissive
// decisions.
func (e *Engine) AuthorizeOrFault(ctx context.Context, req AuthorizationRequest) (AuthorizationResponse, error) {
	resp, err := e.Authorize(ctx, req)
	if err != nil {
		return AuthorizationResponse{}, err
	}
	if !resp.Decision.Permitted() {
		return resp, &Fault{
			Decision:     resp.Decision,
			DenyReason:   resp.DenyReason,
			StepUpMethod: resp.StepUpMethod,
			RetryAfter:   resp.RetryAfterSeconds,
			Message:      resp.Reason,
		}
	}
	return resp, nil
}

// checkRateLimits runs every configured window; the first exceeded window
// denies.
func (e *Engine) checkRateLimits(ctx context.Context, req AuthorizationRequest) (bool, int, error) {
	if e.limiter == nil {
		return false, 0, nil
	}
	for _, rl := range e.cfg.RateLimits {
		id := ""
		switch rl.Scope {
		case ScopeLimitSubject:
			id = req.SubjectID
		case ScopeLimitInstitution:
			id = req.InstitutionID
		case ScopeLimitIP:
			id = req.IP
		}
		if id == "" {
			continue
		}
		key := RateLimitKey(rl.Scope, id, req.Action)
		allowed, retryAfter, err := e.limiter.Hit(ctx, key, rl.WindowSeconds, rl.MaxRequests)
		if err != nil {
			return false, 0, err
		}
		if !allowed {
			return true, retryAfter, nil
		}
	}
	return false, 0, nil
}

// loadPolicies returns the applicable policies in specificity order,
// consulting the cache first. A confirmed absence is cached too.
func (e *Engine) loadPolicies(ctx context.Context, req AuthorizationRequest) ([]*Policy, error) {
	keys := []struct {
		scope PolicyScope
		key   string
	}{
		{ScopeSubject, req.SubjectID},
		{ScopeInstitution, req.InstitutionID},
		{ScopeOrg, req.OrgID},
		{ScopePlatform, ""},
	}

	out := make([]*Policy, 0, len(keys))
	for _, k := range keys {
		if k.scope != ScopePlatform && k.key == "" {
			continue
		}
		cacheKey := scopeCacheKey(k.scope, k.key)
		pol, hit := e.cache.get(cacheKey)
		if !hit {
			var err error
			pol, err = e.store.GetPolicy(ctx, k.scope, k.key)
			if err != nil && !errors.Is(err, ErrPolicyNotFound) {
				return nil, fmt.Errorf("policy: load %s: %w", cacheKey, err)
			}
			e.cache.put(cacheKey, pol)
		}
		if pol != nil {
			out = append(out, pol)
		}
	}
	return out, nil
}

// applicableRules filters to active, non-expired rules for the action and
// sorts deterministically by (priority asc, rule_id asc).
func applicableRules(p *Policy, action ActionType, now time.Time) []Rule {
	out := make([]Rule, 0, len(p.Rules))
	for _, r := range p.Rules {
		if !r.IsActive || !r.AppliesTo(action) {
			continue
		}
		if !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

func (e *Engine) emitEvaluation(ctx context.Context, req AuthorizationRequest, resp AuthorizationResponse) {
	event := "POLICY_EVALUATED"
	if !resp.Decision.Permitted() {
		event = "POLICY_DENIED"
		if resp.DenyReason == ReasonRateLimited {
			event = "RATE_LIMIT_EXCEEDED"
		}
	}
	fields := map[string]any{
		"evaluation_id": resp.EvaluationID,
		"action":        string(req.Action),
		"decision":      string(resp.Decision),
		"policy_id":     resp.PolicyID,
		"rule_id":       resp.MatchedRuleID,
		"trust_score":   req.TrustScore,
		"risk_score":    req.Risk.CurrentRiskScore,
	}
	if resp.DenyReason != "" {
		fields["deny_reason"] = string(resp.DenyReason)
	}
	if req.PassportID != "" {
		fields["passport_id"] = req.PassportID
	}
	// The decision already happened, so its audit entry must land even
	// when the caller's context was cancelled mid-evaluation.
	e.emit(context.WithoutCancel(ctx), event, req.SubjectID, fields)
}

func (e *Engine) emit(ctx context.Context, eventType, subjectID string, fields map[string]any) {
	if e.ledger == nil {
		return
	}
	if err := e.ledger.CommitEvent(ctx, eventType, subjectID, fields); err != nil {
		e.logger.Error("ledger emit failed", "event", eventType, "err", err)
	}
}
