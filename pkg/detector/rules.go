package detector

import (
	"context"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// RuleStore persists detection rules.
type RuleStore interface {
	GetRule(ctx context.Context, ruleID string) (*DetectionRule, error)
	SaveRule(ctx context.Context, r DetectionRule) error
	ActiveRules(ctx context.Context) ([]DetectionRule, error)
}

// MemoryRuleStore is the in-process RuleStore.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]DetectionRule
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string]DetectionRule)}
}

func (s *MemoryRuleStore) GetRule(ctx context.Context, ruleID string) (*DetectionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return nil, newFault(FaultRuleNotFound, "rule %s not found", ruleID)
	}
	return &r, nil
}

func (s *MemoryRuleStore) SaveRule(ctx context.Context, r DetectionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.RuleID] = r
	return nil
}

func (s *MemoryRuleStore) ActiveRules(ctx context.Context) ([]DetectionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DetectionRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ RuleStore = (*MemoryRuleStore)(nil)

// ruleCache holds the active rule set for up to ttl; rule writes do not
// propagate synchronously.
type ruleCache struct {
	mu       sync.Mutex
	rules    []DetectionRule
	loadedAt time.Time
	ttl      time.Duration
	clock    func() time.Time
}

func (c *ruleCache) get(ctx context.Context, store RuleStore) ([]DetectionRule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rules != nil && c.clock().Sub(c.loadedAt) < c.ttl {
		return c.rules, nil
	}
	rules, err := store.ActiveRules(ctx)
	if err != nil {
		return nil, err
	}
	c.rules = rules
	c.loadedAt = c.clock()
	return rules, nil
}

func (c *ruleCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = nil
}

// AddRule validates and stores a rule, optionally linking it back to the
// incident that motivated it.
func (s *Service) AddRule(ctx context.Context, r DetectionRule, fromIncident string) error {
	if r.RuleID == "" || r.AnomalyType == "" {
		return newFault(FaultConfigMalformed, "rule needs rule_id and anomaly_type")
	}
	if r.Version == "" {
		r.Version = "1.0.0"
	}
	if _, err := semver.StrictNewVersion(r.Version); err != nil {
		return newFault(FaultRuleVersionInvalid, "rule %s version %q: %v", r.RuleID, r.Version, err)
	}
	r.CreatedFromIncident = fromIncident
	r.UpdatedAt = s.clock()
	if err := s.rules.SaveRule(ctx, r); err != nil {
		return err
	}
	s.cache.invalidate()
	return nil
}

// TuneRule applies a threshold patch and bumps the rule's patch version.
func (s *Service) TuneRule(ctx context.Context, ruleID string, patch RuleThresholds, by string) (*DetectionRule, error) {
	r, err := s.rules.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	v, err := semver.StrictNewVersion(r.Version)
	if err != nil {
		return nil, newFault(FaultRuleVersionInvalid, "rule %s carries bad version %q", ruleID, r.Version)
	}

	if patch.PowerGracePct > 0 {
		r.Thresholds.PowerGracePct = patch.PowerGracePct
	}
	if patch.VRAMOverclaimRatio > 0 {
		r.Thresholds.VRAMOverclaimRatio = patch.VRAMOverclaimRatio
	}
	if patch.ThermalLimitCelsius > 0 {
		r.Thresholds.ThermalLimitCelsius = patch.ThermalLimitCelsius
	}
	if patch.MaxUniqueDstIPs > 0 {
		r.Thresholds.MaxUniqueDstIPs = patch.MaxUniqueDstIPs
	}
	if patch.NetworkBaselineBps > 0 {
		r.Thresholds.NetworkBaselineBps = patch.NetworkBaselineBps
	}
	if patch.ExfilMultiplier > 0 {
		r.Thresholds.ExfilMultiplier = patch.ExfilMultiplier
	}
	if patch.ExfilIdleGPUPct > 0 {
		r.Thresholds.ExfilIdleGPUPct = patch.ExfilIdleGPUPct
	}
	if patch.MiningUtilizationPct > 0 {
		r.Thresholds.MiningUtilizationPct = patch.MiningUtilizationPct
	}

	bumped := v.IncPatch()
	r.Version = bumped.String()
	r.UpdatedAt = s.clock()
	if err := s.rules.SaveRule(ctx, *r); err != nil {
		return nil, err
	}
	s.cache.invalidate()
	s.logger.Info("rule tuned", "rule_id", ruleID, "version", r.Version, "by", by)
	return r, nil
}

// MarkFalsePositive flags an incident as a false alarm and bumps the
// counter on every rule that fired.
func (s *Service) MarkFalsePositive(ctx context.Context, incidentID, by, notes string) error {
	inc, err := s.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	inc.Status = IncidentFalsePositive
	inc.ResolutionNotes = notes
	inc.ResolvedAt = s.clock()
	if err := s.incidents.SaveIncident(ctx, *inc); err != nil {
		return err
	}
	for _, ruleID := range inc.RuleIDs {
		r, err := s.rules.GetRule(ctx, ruleID)
		if err != nil {
			continue
		}
		r.FalsePositiveCount++
		if err := s.rules.SaveRule(ctx, *r); err != nil {
			return err
		}
	}
	s.cache.invalidate()
	s.logger.Info("incident marked false positive", "incident_id", incidentID, "by", by)
	return nil
}

// SeedDefaultRules installs the shipped rule set. Existing rules with the
// same ids are overwritten.
func (s *Service) SeedDefaultRules(ctx context.Context) error {
	for _, r := range defaultRules(s.cfg) {
		r.UpdatedAt = s.clock()
		if err := s.rules.SaveRule(ctx, r); err != nil {
			return err
		}
	}
	s.cache.invalidate()
	return nil
}

func defaultRules(cfg Config) []DetectionRule {
	return []DetectionRule{
		{
			RuleID: "power-violation", Version: "1.0.0",
			AnomalyType: AnomalyPowerViolation, ThreatCategory: CategoryResourceAbuse,
			Severity:   SeverityHigh,
			Thresholds: RuleThresholds{PowerGracePct: cfg.PowerGracePct},
			Response:   RuleResponse{Action: ActionKillJob, NotifySubject: true, CollectEvidence: true},
			IsActive:   true,
		},
		{
			RuleID: "vram-overclaim", Version: "1.0.0",
			AnomalyType: AnomalyVRAMOverclaim, ThreatCategory: CategoryResourceAbuse,
			Severity:   SeverityMedium,
			Thresholds: RuleThresholds{VRAMOverclaimRatio: 1.2},
			Response:   RuleResponse{Action: ActionWarnSubject, NotifySubject: true},
			IsActive:   true,
		},
		{
			RuleID: "thermal-throttle", Version: "1.0.0",
			AnomalyType: AnomalyThermalThrottle, ThreatCategory: CategoryResourceAbuse,
			Severity:   SeverityMedium,
			Thresholds: RuleThresholds{ThermalLimitCelsius: 85},
			Response:   RuleResponse{Action: ActionWarnSubject, NotifySubject: true},
			IsActive:   true,
		},
		{
			RuleID: "port-scan", Version: "1.0.0",
			AnomalyType: AnomalyPortScan, ThreatCategory: CategoryNetworkThreat,
			Severity:   SeverityCritical,
			Thresholds: RuleThresholds{MaxUniqueDstIPs: 50},
			Response:   RuleResponse{Action: ActionKillAndBan, NotifyPlatform: true, CollectEvidence: true},
			IsActive:   true,
		},
		{
			RuleID: "arp-scan", Version: "1.0.0",
			AnomalyType: AnomalyARPScan, ThreatCategory: CategoryNetworkThreat,
			Severity: SeverityCritical,
			Response: RuleResponse{Action: ActionKillAndBan, NotifyPlatform: true, CollectEvidence: true},
			IsActive: true,
		},
		{
			RuleID: "crypto-pool", Version: "1.0.0",
			AnomalyType: AnomalyCryptoPoolConnection, ThreatCategory: CategoryCryptoMining,
			Severity: SeverityCritical,
			Response: RuleResponse{Action: ActionKillAndBan, NotifyPlatform: true, NotifyInstitution: true, CollectEvidence: true},
			IsActive: true,
		},
		{
			RuleID: "tor-exit", Version: "1.0.0",
			AnomalyType: AnomalyTorConnection, ThreatCategory: CategoryNetworkThreat,
			Severity: SeverityHigh,
			Response: RuleResponse{Action: ActionKillJob, NotifyPlatform: true, CollectEvidence: true},
			IsActive: true,
		},
		{
			RuleID: "data-exfil", Version: "1.0.0",
			AnomalyType: AnomalyDataExfiltration, ThreatCategory: CategoryExfiltration,
			Severity: SeverityHigh,
			Thresholds: RuleThresholds{
				NetworkBaselineBps: cfg.NetworkBaselineBps,
				ExfilMultiplier:    5,
				ExfilIdleGPUPct:    20,
			},
			Response: RuleResponse{Action: ActionKillJob, NotifyPlatform: true, NotifyInstitution: true, CollectEvidence: true},
			IsActive: true,
		},
		{
			RuleID: "crypto-mining", Version: "1.0.0",
			AnomalyType: AnomalyCryptoMining, ThreatCategory: CategoryCryptoMining,
			Severity:   SeverityCritical,
			Thresholds: RuleThresholds{MiningUtilizationPct: 95},
			Response:   RuleResponse{Action: ActionKillAndBan, NotifyPlatform: true, CollectEvidence: true},
			IsActive:   true,
		},
		{
			RuleID: "workload-mismatch", Version: "1.0.0",
			AnomalyType: AnomalyWorkloadMismatch, ThreatCategory: CategoryWorkloadFraud,
			Severity: SeverityMedium,
			Response: RuleResponse{Action: ActionWarnSubject, NotifySubject: true},
			IsActive: true,
		},
		{
			RuleID: "unexpected-process", Version: "1.0.0",
			AnomalyType: AnomalyUnexpectedProcess, ThreatCategory: CategoryProcessAbuse,
			Severity: SeverityHigh,
			Response: RuleResponse{Action: ActionKillJob, NotifyPlatform: true, CollectEvidence: true},
			IsActive: true,
		},
		{
			RuleID: "priv-escalation", Version: "1.0.0",
			AnomalyType: AnomalyPrivilegeEscalation, ThreatCategory: CategoryProcessAbuse,
			Severity: SeverityCritical,
			Response: RuleResponse{Action: ActionKillAndSuspend, NotifyPlatform: true, CollectEvidence: true},
			IsActive: true,
		},
	}
}
