package detector

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrchestrator struct {
	mu     sync.Mutex
	killed []string
}

func (f *fakeOrchestrator) KillJob(_ context.Context, jobID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, jobID)
	return nil
}

type fakeRegistry struct {
	suspended []string
}

func (f *fakeRegistry) SuspendNode(_ context.Context, nodeID, _, _ string) error {
	f.suspended = append(f.suspended, nodeID)
	return nil
}

type fakePassport struct {
	banned []string
}

func (f *fakePassport) BanSubject(_ context.Context, subjectID, _, _ string) error {
	f.banned = append(f.banned, subjectID)
	return nil
}

type fakeEvidence struct {
	collected []string
}

func (f *fakeEvidence) CollectForJob(_ context.Context, jobID string) ([]string, error) {
	f.collected = append(f.collected, jobID)
	return []string{"entry-1", "entry-2"}, nil
}

type fakeNotifier struct {
	subject, institution, platform []string
}

func (f *fakeNotifier) NotifySubject(_ context.Context, id, _ string) error {
	f.subject = append(f.subject, id)
	return nil
}

func (f *fakeNotifier) NotifyInstitution(_ context.Context, id, _ string) error {
	f.institution = append(f.institution, id)
	return nil
}

func (f *fakeNotifier) NotifyPlatformAdmin(_ context.Context, _ string) error {
	f.platform = append(f.platform, "admin")
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) CommitEvent(_ context.Context, eventType, _ string, _ map[string]any) error {
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

type detectorFixture struct {
	svc          *Service
	orchestrator *fakeOrchestrator
	registry     *fakeRegistry
	passport     *fakePassport
	evidence     *fakeEvidence
	notifier     *fakeNotifier
	sink         *recordingSink
}

func newDetector(t *testing.T, cfg Config) *detectorFixture {
	t.Helper()
	f := &detectorFixture{
		orchestrator: &fakeOrchestrator{},
		registry:     &fakeRegistry{},
		passport:     &fakePassport{},
		evidence:     &fakeEvidence{},
		notifier:     &fakeNotifier{},
		sink:         &recordingSink{},
	}
	logger := slog.New(slog.DiscardHandler)
	responder := NewResponder(f.orchestrator, f.registry, f.passport,
		f.evidence, f.notifier, f.sink, logger)
	f.svc = New(NewMemoryRuleStore(), NewMemoryIncidentStore(), responder, cfg, logger)
	require.NoError(t, f.svc.SeedDefaultRules(context.Background()))
	return f
}

func cleanSignals(jobID string) RuntimeSignals {
	return RuntimeSignals{
		JobID:             jobID,
		NodeID:            "node-1",
		SubjectID:         "sub-1",
		GPUUtilizationPct: 80,
		VRAMUsedGB:        10,
		VRAMAllocatedGB:   16,
		PowerDrawWatts:    250,
		PowerCapWatts:     300,
		TempCelsius:       70,
		DeclaredFramework: "pytorch",
		DetectedFramework: "PyTorch",
	}
}

func TestCleanSignalsProduceNoAnomalies(t *testing.T) {
	f := newDetector(t, DefaultConfig())
	res, err := f.svc.Evaluate(context.Background(), cleanSignals("job-1"), "")
	require.NoError(t, err)
	assert.Empty(t, res.Anomalies)
	assert.False(t, res.RequiresAction)
	assert.Nil(t, res.Incident)
	assert.Empty(t, f.orchestrator.killed)
}

func TestCryptoPoolConnectionKillsAndBans(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CryptoPoolDomains = []string{"minexmr.com", "nanopool.org"}
	f := newDetector(t, cfg)

	sig := cleanSignals("job-42")
	sig.GPUUtilizationPct = 99
	sig.SuspiciousDestinations = []string{"pool.minexmr.com"}

	res, err := f.svc.Evaluate(context.Background(), sig, "inst-1")
	require.NoError(t, err)

	var pool *Anomaly
	for i := range res.Anomalies {
		if res.Anomalies[i].Type == AnomalyCryptoPoolConnection {
			pool = &res.Anomalies[i]
		}
	}
	require.NotNil(t, pool, "expected a crypto pool anomaly")
	assert.Equal(t, SeverityCritical, pool.Severity)

	assert.Equal(t, ActionKillAndBan, res.ActionTaken)
	assert.Equal(t, []string{"job-42"}, f.orchestrator.killed)
	assert.Equal(t, []string{"sub-1"}, f.passport.banned)
	assert.Equal(t, 1, f.sink.count("KILL_SWITCH_FIRED"))
	assert.Equal(t, 1, f.sink.count("CLEARANCE_REVOKED"))
	assert.GreaterOrEqual(t, f.sink.count("ANOMALY_DETECTED"), 1)

	require.NotNil(t, res.Incident)
	assert.Equal(t, IncidentActive, res.Incident.Status)
	assert.Equal(t, []string{"entry-1", "entry-2"}, res.Incident.EvidenceEntryIDs)
	assert.Equal(t, []string{"job-42"}, f.evidence.collected)
}

func TestPowerViolationKillsJobOnly(t *testing.T) {
	f := newDetector(t, DefaultConfig())

	sig := cleanSignals("job-1")
	sig.PowerDrawWatts = 340 // cap 300, grace 5% -> limit 315
	sig.PowerCapWatts = 300

	res, err := f.svc.Evaluate(context.Background(), sig, "")
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, AnomalyPowerViolation, res.Anomalies[0].Type)
	assert.Equal(t, ActionKillJob, res.ActionTaken)
	assert.Equal(t, []string{"job-1"}, f.orchestrator.killed)
	assert.Empty(t, f.passport.banned)
	assert.Empty(t, f.registry.suspended)
}

func TestPowerWithinGraceIsClean(t *testing.T) {
	f := newDetector(t, DefaultConfig())
	sig := cleanSignals("job-1")
	sig.PowerDrawWatts = 314
	res, err := f.svc.Evaluate(context.Background(), sig, "")
	require.NoError(t, err)
	assert.Empty(t, res.Anomalies)
}

func TestPrivilegeEscalationSuspendsNode(t *testing.T) {
	f := newDetector(t, DefaultConfig())

	sig := cleanSignals("job-1")
	sig.PrivEscalationCount = 2
	sig.UnexpectedProcesses = []string{"/tmp/.xmr"}

	res, err := f.svc.Evaluate(context.Background(), sig, "")
	require.NoError(t, err)
	assert.Equal(t, ActionKillAndSuspend, res.ActionTaken)
	assert.Equal(t, []string{"node-1"}, f.registry.suspended)
	assert.Empty(t, f.passport.banned, "process abuse suspends, only network-family bans")
}

func TestPortScanIsCriticalNetworkThreat(t *testing.T) {
	f := newDetector(t, DefaultConfig())

	sig := cleanSignals("job-1")
	sig.UniqueDestinationIPs = 120

	res, err := f.svc.Evaluate(context.Background(), sig, "")
	require.NoError(t, err)
	assert.Equal(t, ActionKillAndBan, res.ActionTaken)
	assert.Equal(t, []string{"sub-1"}, f.passport.banned)
}

func TestExfiltrationRequiresIdleGPU(t *testing.T) {
	f := newDetector(t, DefaultConfig())
	ctx := context.Background()

	// Heavy outbound with a busy GPU is legitimate checkpoint traffic.
	busy := cleanSignals("job-a")
	busy.OutboundBytesPerSec = 100 * 1024 * 1024
	busy.GPUUtilizationPct = 90
	res, err := f.svc.Evaluate(ctx, busy, "")
	require.NoError(t, err)
	assert.Empty(t, res.Anomalies)

	idle := cleanSignals("job-b")
	idle.OutboundBytesPerSec = 100 * 1024 * 1024
	idle.GPUUtilizationPct = 5
	res, err = f.svc.Evaluate(ctx, idle, "")
	require.NoError(t, err)
	require.NotEmpty(t, res.Anomalies)
	assert.Equal(t, AnomalyDataExfiltration, res.Anomalies[0].Type)
	assert.Equal(t, ActionKillJob, res.ActionTaken)
}

func TestWorkloadMismatchWarnsOnly(t *testing.T) {
	f := newDetector(t, DefaultConfig())

	sig := cleanSignals("job-1")
	sig.DeclaredFramework = "tensorflow"
	sig.DetectedFramework = "jax"

	res, err := f.svc.Evaluate(context.Background(), sig, "")
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, AnomalyWorkloadMismatch, res.Anomalies[0].Type)
	assert.Equal(t, ActionWarnSubject, res.ActionTaken)
	assert.Empty(t, f.orchestrator.killed)
	assert.Equal(t, []string{"sub-1"}, f.notifier.subject)
}

func TestFrameworkMatchingIgnoresCaseAndSeparators(t *testing.T) {
	assert.True(t, frameworksMatch("PyTorch", "pytorch"))
	assert.True(t, frameworksMatch("pytorch-lightning", "PyTorch"))
	assert.True(t, frameworksMatch("tensor_flow", "TensorFlow"))
	assert.False(t, frameworksMatch("pytorch", "jax"))
}

func TestMiningPatternTagTriggersCritical(t *testing.T) {
	f := newDetector(t, DefaultConfig())

	sig := cleanSignals("job-1")
	sig.ComputePattern = "CRYPTO_MINING"

	res, err := f.svc.Evaluate(context.Background(), sig, "")
	require.NoError(t, err)
	assert.Equal(t, ActionKillAndBan, res.ActionTaken)
}

func TestHighUtilizationAloneIsNotMining(t *testing.T) {
	f := newDetector(t, DefaultConfig())

	sig := cleanSignals("job-1")
	sig.GPUUtilizationPct = 99

	res, err := f.svc.Evaluate(context.Background(), sig, "")
	require.NoError(t, err)
	assert.Empty(t, res.Anomalies)

	sig.PoolConnection = true
	res, err = f.svc.Evaluate(context.Background(), sig, "")
	require.NoError(t, err)
	require.NotEmpty(t, res.Anomalies)
	assert.Equal(t, AnomalyCryptoMining, res.Anomalies[0].Type)
}

func TestRiskScoreCompositeAndPersistence(t *testing.T) {
	f := newDetector(t, DefaultConfig())
	ctx := context.Background()

	sig := cleanSignals("job-1")
	sig.PowerDrawWatts = 300 // 100% of cap -> power risk (100-80)*5 = 100
	res, err := f.svc.Evaluate(ctx, sig, "")
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.RiskScore.Power)
	assert.Equal(t, 25, res.RiskScore.Composite) // 0.25 * 100

	stored, ok := f.svc.JobRiskScore("job-1")
	require.True(t, ok)
	assert.Equal(t, res.RiskScore.Composite, stored.Composite)

	_, ok = f.svc.JobRiskScore("never-seen")
	assert.False(t, ok)
}

func TestRollingWindowAveragesPower(t *testing.T) {
	f := newDetector(t, DefaultConfig())
	ctx := context.Background()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.svc.WithClock(func() time.Time { return now })

	// Three bundles at 60/80/100% of cap average to 80% -> power risk 0.
	for _, draw := range []float64{180, 240, 300} {
		sig := cleanSignals("job-1")
		sig.PowerDrawWatts = draw
		sig.Timestamp = now
		_, err := f.svc.Evaluate(ctx, sig, "")
		require.NoError(t, err)
		now = now.Add(10 * time.Second)
	}
	score, ok := f.svc.JobRiskScore("job-1")
	require.True(t, ok)
	assert.Equal(t, 0.0, score.Power)

	// Signals older than the window fall out of the average.
	now = now.Add(10 * time.Minute)
	hot := cleanSignals("job-1")
	hot.PowerDrawWatts = 300
	hot.Timestamp = now
	res, err := f.svc.Evaluate(ctx, hot, "")
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.RiskScore.Power)
}

func TestEvaluateRejectsMissingJobID(t *testing.T) {
	f := newDetector(t, DefaultConfig())
	_, err := f.svc.Evaluate(context.Background(), RuntimeSignals{}, "")
	assert.True(t, IsFault(err, FaultConfigMalformed))
}

func TestIncidentQueries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CryptoPoolDomains = []string{"minexmr.com"}
	f := newDetector(t, cfg)
	ctx := context.Background()

	sig := cleanSignals("job-1")
	sig.SuspiciousDestinations = []string{"pool.minexmr.com"}
	res, err := f.svc.Evaluate(ctx, sig, "")
	require.NoError(t, err)
	require.NotNil(t, res.Incident)

	active, err := f.svc.ActiveIncidents(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	forJob, err := f.svc.IncidentsForJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, forJob, 1)

	forOther, err := f.svc.IncidentsForJob(ctx, "job-2")
	require.NoError(t, err)
	assert.Empty(t, forOther)
}

func TestEmergencyHaltGatedByConfig(t *testing.T) {
	f := newDetector(t, DefaultConfig())
	err := f.svc.EmergencyHalt(context.Background(), "node-1", "admin-1", "compromised", nil)
	assert.True(t, IsFault(err, FaultHaltDisabled))
}

type staticJobLister struct{ jobs []string }

func (l staticJobLister) JobsOnNode(context.Context, string) ([]string, error) {
	return l.jobs, nil
}

func TestEmergencyHaltKillsAllAndSuspends(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableEmergencyHalt = true
	f := newDetector(t, cfg)

	err := f.svc.EmergencyHalt(context.Background(), "node-1", "admin-1", "compromised",
		staticJobLister{jobs: []string{"job-1", "job-2"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, f.orchestrator.killed)
	assert.Equal(t, []string{"node-1"}, f.registry.suspended)
	assert.Equal(t, 1, f.sink.count("CLEARANCE_REVOKED"))
	assert.NotEmpty(t, f.notifier.platform)
}
