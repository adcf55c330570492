package detector

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareDetector(t *testing.T) *Service {
	t.Helper()
	return New(NewMemoryRuleStore(), NewMemoryIncidentStore(), nil,
		DefaultConfig(), slog.New(slog.DiscardHandler))
}

func TestSeedDefaultRulesInstallsActiveSet(t *testing.T) {
	svc := newBareDetector(t)
	ctx := context.Background()
	require.NoError(t, svc.SeedDefaultRules(ctx))

	rules, err := svc.rules.ActiveRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 12)

	r, err := svc.rules.GetRule(ctx, "crypto-pool")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", r.Version)
	assert.Equal(t, SeverityCritical, r.Severity)
	assert.Equal(t, ActionKillAndBan, r.Response.Action)
}

func TestAddRuleValidatesSemver(t *testing.T) {
	svc := newBareDetector(t)
	ctx := context.Background()

	err := svc.AddRule(ctx, DetectionRule{
		RuleID: "custom", AnomalyType: AnomalyPortScan, Version: "not-a-version",
	}, "")
	assert.True(t, IsFault(err, FaultRuleVersionInvalid))

	err = svc.AddRule(ctx, DetectionRule{AnomalyType: AnomalyPortScan}, "")
	assert.True(t, IsFault(err, FaultConfigMalformed))

	// Version defaults to 1.0.0 and the incident link is recorded.
	require.NoError(t, svc.AddRule(ctx, DetectionRule{
		RuleID: "custom", AnomalyType: AnomalyPortScan, Severity: SeverityHigh, IsActive: true,
	}, "inc-7"))
	r, err := svc.rules.GetRule(ctx, "custom")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", r.Version)
	assert.Equal(t, "inc-7", r.CreatedFromIncident)
}

func TestTuneRuleBumpsPatchVersion(t *testing.T) {
	svc := newBareDetector(t)
	ctx := context.Background()
	require.NoError(t, svc.SeedDefaultRules(ctx))

	tuned, err := svc.TuneRule(ctx, "port-scan", RuleThresholds{MaxUniqueDstIPs: 80}, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", tuned.Version)
	assert.Equal(t, 80, tuned.Thresholds.MaxUniqueDstIPs)

	tuned, err = svc.TuneRule(ctx, "port-scan", RuleThresholds{MaxUniqueDstIPs: 90}, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.2", tuned.Version)

	_, err = svc.TuneRule(ctx, "no-such-rule", RuleThresholds{}, "op-1")
	assert.True(t, IsFault(err, FaultRuleNotFound))
}

func TestTunedThresholdTakesEffect(t *testing.T) {
	svc := newBareDetector(t)
	ctx := context.Background()
	require.NoError(t, svc.SeedDefaultRules(ctx))

	// 60 ips trips the default threshold of 50.
	sig := RuntimeSignals{JobID: "job-1", SubjectID: "s1", UniqueDestinationIPs: 60}
	res, err := svc.Evaluate(ctx, sig, "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Anomalies)

	// After tuning to 80 the same traffic is clean.
	_, err = svc.TuneRule(ctx, "port-scan", RuleThresholds{MaxUniqueDstIPs: 80}, "op-1")
	require.NoError(t, err)
	res, err = svc.Evaluate(ctx, sig, "")
	require.NoError(t, err)
	assert.Empty(t, res.Anomalies)
}

func TestMarkFalsePositiveIncrementsRuleCounters(t *testing.T) {
	svc := newBareDetector(t)
	ctx := context.Background()
	require.NoError(t, svc.SeedDefaultRules(ctx))

	inc := Incident{
		IncidentID: "inc-1",
		JobID:      "job-1",
		RuleIDs:    []string{"port-scan", "data-exfil"},
		Status:     IncidentActive,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, svc.incidents.SaveIncident(ctx, inc))

	require.NoError(t, svc.MarkFalsePositive(ctx, "inc-1", "op-1", "pentest engagement"))

	got, err := svc.incidents.GetIncident(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, IncidentFalsePositive, got.Status)
	assert.Equal(t, "pentest engagement", got.ResolutionNotes)
	assert.False(t, got.ResolvedAt.IsZero())

	for _, ruleID := range []string{"port-scan", "data-exfil"} {
		r, err := svc.rules.GetRule(ctx, ruleID)
		require.NoError(t, err)
		assert.Equal(t, 1, r.FalsePositiveCount)
	}

	err = svc.MarkFalsePositive(ctx, "missing", "op-1", "")
	assert.True(t, IsFault(err, FaultIncidentNotFound))
}

func TestRuleCacheServesStaleUntilTTL(t *testing.T) {
	svc := newBareDetector(t)
	ctx := context.Background()
	require.NoError(t, svc.SeedDefaultRules(ctx))

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	first, err := svc.cache.get(ctx, svc.rules)
	require.NoError(t, err)
	assert.Len(t, first, 12)

	// A direct store write (bypassing AddRule) is invisible until the
	// cache expires.
	require.NoError(t, svc.rules.SaveRule(ctx, DetectionRule{
		RuleID: "late", Version: "1.0.0", AnomalyType: AnomalyTorConnection, IsActive: true,
	}))
	cached, err := svc.cache.get(ctx, svc.rules)
	require.NoError(t, err)
	assert.Len(t, cached, 12)

	now = now.Add(61 * time.Second)
	fresh, err := svc.cache.get(ctx, svc.rules)
	require.NoError(t, err)
	assert.Len(t, fresh, 13)
}
