package detector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// Config tunes the detector.
type Config struct {
	SignalEvalInterval  time.Duration // informational, default 10s
	RiskWindow          time.Duration // rolling signal retention, default 300s
	RuleCacheTTL        time.Duration // default 60s
	PowerGracePct       float64       // default 5
	NetworkBaselineBps  float64       // default 10 MB/s
	CryptoPoolDomains   []string
	TorExitIPs          []string
	EnableEmergencyHalt bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SignalEvalInterval: 10 * time.Second,
		RiskWindow:         300 * time.Second,
		RuleCacheTTL:       60 * time.Second,
		PowerGracePct:      5,
		NetworkBaselineBps: 10 * 1024 * 1024,
	}
}

// IncidentStore persists incidents.
type IncidentStore interface {
	GetIncident(ctx context.Context, incidentID string) (*Incident, error)
	SaveIncident(ctx context.Context, inc Incident) error
	ActiveIncidents(ctx context.Context) ([]Incident, error)
	IncidentsForJob(ctx context.Context, jobID string) ([]Incident, error)
}

// MemoryIncidentStore is the in-process IncidentStore.
type MemoryIncidentStore struct {
	mu        sync.RWMutex
	incidents map[string]Incident
}

func NewMemoryIncidentStore() *MemoryIncidentStore {
	return &MemoryIncidentStore{incidents: make(map[string]Incident)}
}

func (s *MemoryIncidentStore) GetIncident(ctx context.Context, incidentID string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[incidentID]
	if !ok {
		return nil, newFault(FaultIncidentNotFound, "incident %s not found", incidentID)
	}
	return &inc, nil
}

func (s *MemoryIncidentStore) SaveIncident(ctx context.Context, inc Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.IncidentID] = inc
	return nil
}

func (s *MemoryIncidentStore) ActiveIncidents(ctx context.Context) ([]Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Incident, 0)
	for _, inc := range s.incidents {
		if inc.Status == IncidentActive || inc.Status == IncidentEscalated {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (s *MemoryIncidentStore) IncidentsForJob(ctx context.Context, jobID string) ([]Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Incident, 0)
	for _, inc := range s.incidents {
		if inc.JobID == jobID {
			out = append(out, inc)
		}
	}
	return out, nil
}

var _ IncidentStore = (*MemoryIncidentStore)(nil)

// signalWindow is the per-job rolling telemetry buffer.
type signalWindow struct {
	mu    sync.Mutex
	byJob map[string][]RuntimeSignals
	keep  time.Duration
	clock func() time.Time
}

func newSignalWindow(keep time.Duration, clock func() time.Time) *signalWindow {
	return &signalWindow{byJob: make(map[string][]RuntimeSignals), keep: keep, clock: clock}
}

// append adds a bundle and drops anything older than the window.
func (w *signalWindow) append(s RuntimeSignals) []RuntimeSignals {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.clock().Add(-w.keep)
	kept := make([]RuntimeSignals, 0, len(w.byJob[s.JobID])+1)
	for _, old := range w.byJob[s.JobID] {
		if old.Timestamp.After(cutoff) {
			kept = append(kept, old)
		}
	}
	kept = append(kept, s)
	w.byJob[s.JobID] = kept
	return kept
}

func (w *signalWindow) drop(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.byJob, jobID)
}

// Service is the Tutela pillar.
type Service struct {
	rules     RuleStore
	incidents IncidentStore
	window    *signalWindow
	cache     *ruleCache
	responder *Responder
	cfg       Config
	logger    *slog.Logger
	clock     func() time.Time

	riskMu sync.RWMutex
	risks  map[string]RiskScore
}

// New wires a detector. responder may be nil for evaluate-only use.
func New(rules RuleStore, incidents IncidentStore, responder *Responder, cfg Config, logger *slog.Logger) *Service {
	if cfg.RiskWindow <= 0 {
		cfg.RiskWindow = 300 * time.Second
	}
	if cfg.RuleCacheTTL <= 0 {
		cfg.RuleCacheTTL = 60 * time.Second
	}
	if cfg.PowerGracePct <= 0 {
		cfg.PowerGracePct = 5
	}
	if cfg.NetworkBaselineBps <= 0 {
		cfg.NetworkBaselineBps = 10 * 1024 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	clock := func() time.Time { return time.Now().UTC() }
	s := &Service{
		rules:     rules,
		incidents: incidents,
		responder: responder,
		cfg:       cfg,
		logger:    logger,
		clock:     clock,
		risks:     make(map[string]RiskScore),
	}
	s.window = newSignalWindow(cfg.RiskWindow, func() time.Time { return s.clock() })
	s.cache = &ruleCache{ttl: cfg.RuleCacheTTL, clock: func() time.Time { return s.clock() }}
	if responder != nil {
		responder.clock = func() time.Time { return s.clock() }
	}
	return s
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Evaluate runs one telemetry bundle through every detection tier,
// persists the job's risk score, and — when a responder is attached —
// executes the mapped response.
func (s *Service) Evaluate(ctx context.Context, sig RuntimeSignals, institutionID string) (*EvaluationResult, error) {
	if sig.JobID == "" {
		return nil, newFault(FaultConfigMalformed, "signals need a job_id")
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = s.clock()
	}
	window := s.window.append(sig)

	rules, err := s.cache.get(ctx, s.rules)
	if err != nil {
		return nil, fmt.Errorf("detector: load rules: %w", err)
	}
	byType := make(map[AnomalyType]DetectionRule, len(rules))
	for _, r := range rules {
		byType[r.AnomalyType] = r
	}

	anomalies := s.detectAnomalies(sig, byType)

	risk := s.computeRisk(sig, window, anomalies)
	s.riskMu.Lock()
	s.risks[sig.JobID] = risk
	s.riskMu.Unlock()

	result := &EvaluationResult{
		Anomalies:      anomalies,
		RiskScore:      risk,
		RequiresAction: highestSeverity(anomalies).Exceeds(SeverityLow),
	}
	if len(anomalies) == 0 || s.responder == nil {
		return result, nil
	}

	incident, action, err := s.responder.Respond(ctx, sig, institutionID, anomalies, byType)
	if err != nil {
		return nil, err
	}
	if incident != nil {
		if err := s.incidents.SaveIncident(ctx, *incident); err != nil {
			return nil, fmt.Errorf("detector: save incident: %w", err)
		}
		result.Incident = incident
		result.ActionTaken = action
		if action.Destructive() {
			s.window.drop(sig.JobID)
		}
	}
	return result, nil
}

// detectAnomalies runs tiers 1-4 against a single bundle.
func (s *Service) detectAnomalies(sig RuntimeSignals, rules map[AnomalyType]DetectionRule) []Anomaly {
	var anomalies []Anomaly
	add := func(t AnomalyType, fallback Severity, category ThreatCategory, detail string) {
		a := Anomaly{Type: t, Category: category, Severity: fallback, Detail: detail}
		if r, ok := rules[t]; ok {
			a.Severity = r.Severity
			a.Category = r.ThreatCategory
			a.RuleID = r.RuleID
		}
		anomalies = append(anomalies, a)
	}

	// Tier 1: resource abuse, always evaluated.
	grace := s.cfg.PowerGracePct
	if r, ok := rules[AnomalyPowerViolation]; ok && r.Thresholds.PowerGracePct > 0 {
		grace = r.Thresholds.PowerGracePct
	}
	if sig.PowerCapWatts > 0 && sig.PowerDrawWatts > sig.PowerCapWatts*(1+grace/100) {
		add(AnomalyPowerViolation, SeverityHigh, CategoryResourceAbuse,
			fmt.Sprintf("draw %.0fW over cap %.0fW (+%.0f%% grace)", sig.PowerDrawWatts, sig.PowerCapWatts, grace))
	}
	overclaim := 1.2
	if r, ok := rules[AnomalyVRAMOverclaim]; ok && r.Thresholds.VRAMOverclaimRatio > 0 {
		overclaim = r.Thresholds.VRAMOverclaimRatio
	}
	if sig.VRAMAllocatedGB > 0 && sig.VRAMUsedGB/sig.VRAMAllocatedGB > overclaim {
		add(AnomalyVRAMOverclaim, SeverityMedium, CategoryResourceAbuse,
			fmt.Sprintf("using %.1f GB of %.1f GB allocated", sig.VRAMUsedGB, sig.VRAMAllocatedGB))
	}
	thermal := 85.0
	if r, ok := rules[AnomalyThermalThrottle]; ok && r.Thresholds.ThermalLimitCelsius > 0 {
		thermal = r.Thresholds.ThermalLimitCelsius
	}
	if sig.Throttling && sig.TempCelsius > thermal {
		add(AnomalyThermalThrottle, SeverityMedium, CategoryResourceAbuse,
			fmt.Sprintf("throttling at %.0f°C", sig.TempCelsius))
	}

	// Tier 2: network.
	maxIPs := 50
	if r, ok := rules[AnomalyPortScan]; ok && r.Thresholds.MaxUniqueDstIPs > 0 {
		maxIPs = r.Thresholds.MaxUniqueDstIPs
	}
	if sig.UniqueDestinationIPs > maxIPs {
		add(AnomalyPortScan, SeverityCritical, CategoryNetworkThreat,
			fmt.Sprintf("%d unique destination ips", sig.UniqueDestinationIPs))
	}
	if sig.ARPScanDetected {
		add(AnomalyARPScan, SeverityCritical, CategoryNetworkThreat, "arp scan on local segment")
	}
	for _, dst := range sig.SuspiciousDestinations {
		if matchesDomain(dst, s.cfg.CryptoPoolDomains) {
			add(AnomalyCryptoPoolConnection, SeverityCritical, CategoryCryptoMining,
				"connection to mining pool "+dst)
			break
		}
	}
	for _, dst := range sig.SuspiciousDestinations {
		if containsExact(s.cfg.TorExitIPs, dst) {
			add(AnomalyTorConnection, SeverityHigh, CategoryNetworkThreat,
				"connection to tor exit "+dst)
			break
		}
	}
	baseline := s.cfg.NetworkBaselineBps
	multiplier, idlePct := 5.0, 20.0
	if r, ok := rules[AnomalyDataExfiltration]; ok {
		if r.Thresholds.NetworkBaselineBps > 0 {
			baseline = r.Thresholds.NetworkBaselineBps
		}
		if r.Thresholds.ExfilMultiplier > 0 {
			multiplier = r.Thresholds.ExfilMultiplier
		}
		if r.Thresholds.ExfilIdleGPUPct > 0 {
			idlePct = r.Thresholds.ExfilIdleGPUPct
		}
	}
	if sig.OutboundBytesPerSec > baseline*multiplier && sig.GPUUtilizationPct < idlePct {
		add(AnomalyDataExfiltration, SeverityHigh, CategoryExfiltration,
			fmt.Sprintf("outbound %.0f B/s at %.0f%% gpu", sig.OutboundBytesPerSec, sig.GPUUtilizationPct))
	}

	// Tier 3: workload.
	mining := 95.0
	if r, ok := rules[AnomalyCryptoMining]; ok && r.Thresholds.MiningUtilizationPct > 0 {
		mining = r.Thresholds.MiningUtilizationPct
	}
	if strings.EqualFold(sig.ComputePattern, "CRYPTO_MINING") ||
		(sig.GPUUtilizationPct > mining && sig.PoolConnection) {
		add(AnomalyCryptoMining, SeverityCritical, CategoryCryptoMining,
			"mining compute pattern")
	}
	if sig.DeclaredFramework != "" && sig.DetectedFramework != "" &&
		!frameworksMatch(sig.DeclaredFramework, sig.DetectedFramework) {
		add(AnomalyWorkloadMismatch, SeverityMedium, CategoryWorkloadFraud,
			fmt.Sprintf("declared %s, running %s", sig.DeclaredFramework, sig.DetectedFramework))
	}

	// Tier 4: process, only once something is already suspicious or the
	// agent reported unexpected binaries.
	if len(anomalies) > 0 || len(sig.UnexpectedProcesses) > 0 {
		if len(sig.UnexpectedProcesses) > 0 {
			add(AnomalyUnexpectedProcess, SeverityHigh, CategoryProcessAbuse,
				fmt.Sprintf("%d unexpected binaries", len(sig.UnexpectedProcesses)))
		}
		if sig.PrivEscalationCount > 0 {
			add(AnomalyPrivilegeEscalation, SeverityCritical, CategoryProcessAbuse,
				fmt.Sprintf("%d privilege escalation attempts", sig.PrivEscalationCount))
		}
	}
	return anomalies
}

// computeRisk builds the composite 0-100 score over the rolling window.
func (s *Service) computeRisk(sig RuntimeSignals, window []RuntimeSignals, anomalies []Anomaly) RiskScore {
	var powerPctSum, outboundSum float64
	samples := 0
	for _, w := range window {
		if w.PowerCapWatts > 0 {
			powerPctSum += w.PowerDrawWatts / w.PowerCapWatts * 100
		}
		outboundSum += w.OutboundBytesPerSec
		samples++
	}
	avgPowerPct, avgOutbound := 0.0, 0.0
	if samples > 0 {
		avgPowerPct = powerPctSum / float64(samples)
		avgOutbound = outboundSum / float64(samples)
	}

	power := clampFloat((avgPowerPct-80)*5, 0, 100)

	suspicious := float64(len(sig.SuspiciousDestinations))
	ipPenalty := 0.0
	if sig.UniqueDestinationIPs > 10 {
		ipPenalty = float64(sig.UniqueDestinationIPs-10) * 2
	}
	avgOutboundMbps := avgOutbound / (1024 * 1024)
	baselineMbps := s.cfg.NetworkBaselineBps / (1024 * 1024)
	network := math.Min(100, avgOutboundMbps/baselineMbps*20+suspicious*15+ipPenalty)

	process := math.Min(100,
		float64(len(sig.UnexpectedProcesses))*20+float64(sig.PrivEscalationCount)*50)

	workload := 0.0
	for _, a := range anomalies {
		if a.Type == AnomalyWorkloadMismatch || a.Type == AnomalyCryptoMining {
			workload = 40
			break
		}
	}

	composite := int(math.Round(0.25*power + 0.35*network + 0.25*process + 0.15*workload))
	if composite > 100 {
		composite = 100
	}
	if composite < 0 {
		composite = 0
	}
	return RiskScore{
		JobID:      sig.JobID,
		Composite:  composite,
		Power:      power,
		Network:    network,
		Process:    process,
		Workload:   workload,
		ComputedAt: s.clock(),
	}
}

// JobRiskScore returns the last computed score for a job.
func (s *Service) JobRiskScore(jobID string) (RiskScore, bool) {
	s.riskMu.RLock()
	defer s.riskMu.RUnlock()
	r, ok := s.risks[jobID]
	return r, ok
}

// ActiveIncidents lists open and escalated incidents.
func (s *Service) ActiveIncidents(ctx context.Context) ([]Incident, error) {
	return s.incidents.ActiveIncidents(ctx)
}

// IncidentsForJob lists a job's incident history.
func (s *Service) IncidentsForJob(ctx context.Context, jobID string) ([]Incident, error) {
	return s.incidents.IncidentsForJob(ctx, jobID)
}

func highestSeverity(anomalies []Anomaly) Severity {
	top := SeverityLow
	for _, a := range anomalies {
		if a.Severity.Exceeds(top) {
			top = a.Severity
		}
	}
	if len(anomalies) == 0 {
		return ""
	}
	return top
}

// frameworksMatch compares declared vs detected frameworks ignoring case
// and separators, accepting partial containment ("pytorch-lightning" runs
// "PyTorch").
func frameworksMatch(declared, detected string) bool {
	a := normalizeFramework(declared)
	b := normalizeFramework(detected)
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func normalizeFramework(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// matchesDomain reports whether host equals a configured domain or is a
// subdomain of one.
func matchesDomain(host string, domains []string) bool {
	for _, d := range domains {
		if strings.EqualFold(host, d) || strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(d)) {
			return true
		}
	}
	return false
}

func containsExact(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
