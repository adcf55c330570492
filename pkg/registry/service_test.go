package registry

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
	fields []map[string]any
}

func (r *recordingSink) CommitEvent(_ context.Context, eventType, _ string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	r.fields = append(r.fields, fields)
	return nil
}

func (r *recordingSink) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func newTestRegistry(t *testing.T) (*Service, *MemoryStore, *recordingSink) {
	t.Helper()
	store := NewMemoryStore()
	sink := &recordingSink{}
	svc := New(store, NewTopology(), sink, DefaultConfig(), slog.New(slog.DiscardHandler))
	return svc, store, sink
}

func registerNode(t *testing.T, svc *Service, req RegisterNodeRequest) *Node {
	t.Helper()
	n, err := svc.RegisterNode(context.Background(), req)
	require.NoError(t, err)
	return n
}

func registerGPU(t *testing.T, svc *Service, req RegisterGPURequest) *GPU {
	t.Helper()
	g, err := svc.RegisterGPU(context.Background(), req)
	require.NoError(t, err)
	return g
}

// setNodeTrust adjusts fields discovery reads but registration does not set.
func setNodeTrust(t *testing.T, svc *Service, nodeID string, trust int, veritas bool) {
	t.Helper()
	ctx := context.Background()
	n, err := svc.store.GetNode(ctx, nodeID)
	require.NoError(t, err)
	n.TrustScore = trust
	n.VeritasVerified = veritas
	require.NoError(t, svc.store.SaveNode(ctx, *n))
}

func TestRegisterNodeAndGPU(t *testing.T) {
	svc, _, sink := newTestRegistry(t)
	ctx := context.Background()

	n := registerNode(t, svc, RegisterNodeRequest{
		NodeID: "n1", HostSubjectID: "host-1", SupplyTier: TierCampus, Region: "eu-west",
	})
	assert.Equal(t, NodeOnline, n.Status)
	assert.False(t, n.LastHeartbeat.IsZero())
	assert.Equal(t, 30, n.HeartbeatInterval)

	g := registerGPU(t, svc, RegisterGPURequest{
		GPUID: "g1", NodeID: "n1", Model: "A100", VRAMGB: 80, PricePerHour: 2.50,
	})
	assert.Equal(t, 80.0, g.VRAMAvailableGB)
	assert.Equal(t, PricingFixed, g.PricingMode)

	assert.True(t, sink.has("NODE_REGISTERED"))
	assert.True(t, sink.has("GPU_REGISTERED"))

	// Duplicate node registration conflicts.
	_, err := svc.RegisterNode(ctx, RegisterNodeRequest{NodeID: "n1", HostSubjectID: "host-2"})
	assert.True(t, IsFault(err, FaultConflict))

	// GPU on a missing node fails.
	_, err = svc.RegisterGPU(ctx, RegisterGPURequest{GPUID: "g2", NodeID: "ghost", VRAMGB: 24})
	assert.True(t, IsFault(err, FaultNotFound))
}

func TestHeartbeatAppliesTelemetry(t *testing.T) {
	svc, _, _ := newTestRegistry(t)
	ctx := context.Background()

	registerNode(t, svc, RegisterNodeRequest{NodeID: "n1", HostSubjectID: "h1", SupplyTier: TierEdge})
	registerGPU(t, svc, RegisterGPURequest{GPUID: "g1", NodeID: "n1", VRAMGB: 24})

	require.NoError(t, svc.Heartbeat(ctx, "n1", &HeartbeatTelemetry{
		LatencyMS: 12,
		GPUs:      []GPUTelemetry{{GPUID: "g1", VRAMFreeGB: 10}},
	}))

	g, err := svc.store.GetGPU(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, g.VRAMAvailableGB)

	n, err := svc.store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, n.LatencyMS)

	// Reported free VRAM above capacity clamps.
	require.NoError(t, svc.Heartbeat(ctx, "n1", &HeartbeatTelemetry{
		GPUs: []GPUTelemetry{{GPUID: "g1", VRAMFreeGB: 999}},
	}))
	g, err = svc.store.GetGPU(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 24.0, g.VRAMAvailableGB)
}

// Two candidates: a verified backbone A100 against a cheap edge RTX 4090.
func seedTwoCandidates(t *testing.T, svc *Service) {
	t.Helper()
	registerNode(t, svc, RegisterNodeRequest{
		NodeID: "node-a", HostSubjectID: "host-a", SupplyTier: TierBackbone, Region: "us-east",
	})
	setNodeTrust(t, svc, "node-a", 90, true)
	registerGPU(t, svc, RegisterGPURequest{
		GPUID: "g1", NodeID: "node-a", Model: "A100", VRAMGB: 80, PricePerHour: 2.00,
	})

	registerNode(t, svc, RegisterNodeRequest{
		NodeID: "node-b", HostSubjectID: "host-b", SupplyTier: TierEdge, Region: "us-east",
	})
	setNodeTrust(t, svc, "node-b", 40, false)
	registerGPU(t, svc, RegisterGPURequest{
		GPUID: "g2", NodeID: "node-b", Model: "RTX 4090", VRAMGB: 24, PricePerHour: 1.20,
	})
}

func TestDiscoveryRanksVerifiedBackboneFirst(t *testing.T) {
	svc, _, _ := newTestRegistry(t)
	seedTwoCandidates(t, svc)

	results, err := svc.Discover(context.Background(), DiscoveryCriteria{
		MinVRAMGB:      16,
		PreferredTiers: []SupplyTier{TierBackbone, TierCampus, TierEdge},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "g1", results[0].GPU.GPUID)
	assert.Equal(t, "g2", results[1].GPU.GPUID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestCheapestStrategyPrefersEdgeCard(t *testing.T) {
	svc, _, _ := newTestRegistry(t)
	seedTwoCandidates(t, svc)

	decision, err := svc.Route(context.Background(), RouteRequest{
		JobID:     "job-1",
		SubjectID: "sub-1",
		Criteria: DiscoveryCriteria{
			MinVRAMGB:      16,
			PreferredTiers: []SupplyTier{TierBackbone, TierCampus, TierEdge},
		},
		Strategy: StrategyCheapest,
	})
	require.NoError(t, err)
	assert.Equal(t, "g2", decision.Winner.GPU.GPUID)
	assert.Equal(t, 2, decision.Considered)
}

func TestHighestTrustStrategy(t *testing.T) {
	svc, _, _ := newTestRegistry(t)
	seedTwoCandidates(t, svc)

	decision, err := svc.Route(context.Background(), RouteRequest{
		JobID: "job-1", SubjectID: "sub-1",
		Criteria: DiscoveryCriteria{MinVRAMGB: 16},
		Strategy: StrategyHighestTrust,
	})
	require.NoError(t, err)
	assert.Equal(t, "node-a", decision.Winner.Node.NodeID)
}

func TestDiscoveryHardFilters(t *testing.T) {
	svc, _, _ := newTestRegistry(t)
	seedTwoCandidates(t, svc)
	ctx := context.Background()

	// VRAM above the edge card's capacity leaves only the A100.
	results, err := svc.Discover(ctx, DiscoveryCriteria{MinVRAMGB: 40})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "g1", results[0].GPU.GPUID)

	// A price ceiling below the A100 leaves only the edge card.
	results, err = svc.Discover(ctx, DiscoveryCriteria{MinVRAMGB: 16, MaxPricePerHour: 1.50})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "g2", results[0].GPU.GPUID)

	// Trust floor excludes the edge node.
	results, err = svc.Discover(ctx, DiscoveryCriteria{MinVRAMGB: 16, MinTrustScore: 50})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "node-a", results[0].Node.NodeID)

	// Nothing satisfies an impossible request.
	results, err = svc.Discover(ctx, DiscoveryCriteria{MinVRAMGB: 500})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSuspendedNodeNeverDiscovered(t *testing.T) {
	svc, _, sink := newTestRegistry(t)
	seedTwoCandidates(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.SuspendNode(ctx, "node-a", "anomalous traffic", "tutela"))
	assert.True(t, sink.has("NODE_SUSPENDED"))

	results, err := svc.Discover(ctx, DiscoveryCriteria{MinVRAMGB: 16})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "node-b", results[0].Node.NodeID)

	// Suspending again is a no-op.
	require.NoError(t, svc.SuspendNode(ctx, "node-a", "again", "tutela"))
}

func TestRouteReservesAndReleaseRestoresOnce(t *testing.T) {
	svc, _, sink := newTestRegistry(t)
	ctx := context.Background()

	registerNode(t, svc, RegisterNodeRequest{NodeID: "n1", HostSubjectID: "h1", SupplyTier: TierCampus})
	setNodeTrust(t, svc, "n1", 70, false)
	registerGPU(t, svc, RegisterGPURequest{GPUID: "g1", NodeID: "n1", VRAMGB: 24, PricePerHour: 1.00})

	decision, err := svc.Route(ctx, RouteRequest{
		JobID: "job-1", SubjectID: "sub-1",
		Criteria:      DiscoveryCriteria{MinVRAMGB: 16},
		DurationHours: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, AllocationReserved, decision.Allocation.Status)
	assert.True(t, sink.has("ALLOCATION_CREATED"))

	g, err := svc.store.GetGPU(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 8.0, g.VRAMAvailableGB)
	assert.Equal(t, []string{"job-1"}, g.CurrentJobs)

	// A 16 GB follow-up no longer fits.
	_, err = svc.Route(ctx, RouteRequest{
		JobID: "job-2", SubjectID: "sub-2",
		Criteria: DiscoveryCriteria{MinVRAMGB: 16},
	})
	assert.True(t, IsFault(err, FaultDiscoveryEmpty))

	require.NoError(t, svc.Release(ctx, decision.Allocation.AllocationID, AllocationCompleted, 2.00))
	g, err = svc.store.GetGPU(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 24.0, g.VRAMAvailableGB)
	assert.Empty(t, g.CurrentJobs)
	assert.True(t, sink.has("ALLOCATION_RELEASED"))

	// Releasing an already-terminal allocation restores nothing.
	require.NoError(t, svc.Release(ctx, decision.Allocation.AllocationID, AllocationCompleted, 2.00))
	g, err = svc.store.GetGPU(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 24.0, g.VRAMAvailableGB)

	alloc, err := svc.store.GetAllocation(ctx, decision.Allocation.AllocationID)
	require.NoError(t, err)
	assert.Equal(t, AllocationCompleted, alloc.Status)
}

func TestReleaseRejectsNonTerminalStatus(t *testing.T) {
	svc, _, _ := newTestRegistry(t)
	ctx := context.Background()
	registerNode(t, svc, RegisterNodeRequest{NodeID: "n1", HostSubjectID: "h1", SupplyTier: TierEdge})
	registerGPU(t, svc, RegisterGPURequest{GPUID: "g1", NodeID: "n1", VRAMGB: 24})

	decision, err := svc.Route(ctx, RouteRequest{
		JobID: "job-1", SubjectID: "sub-1",
		Criteria: DiscoveryCriteria{MinVRAMGB: 8},
	})
	require.NoError(t, err)

	err = svc.Release(ctx, decision.Allocation.AllocationID, AllocationActive, 0)
	assert.True(t, IsFault(err, FaultPrecondition))
}

func TestActivateTransitionsReservedOnly(t *testing.T) {
	svc, _, _ := newTestRegistry(t)
	ctx := context.Background()
	registerNode(t, svc, RegisterNodeRequest{NodeID: "n1", HostSubjectID: "h1", SupplyTier: TierEdge})
	registerGPU(t, svc, RegisterGPURequest{GPUID: "g1", NodeID: "n1", VRAMGB: 24})

	decision, err := svc.Route(ctx, RouteRequest{
		JobID: "job-1", SubjectID: "sub-1",
		Criteria: DiscoveryCriteria{MinVRAMGB: 8},
	})
	require.NoError(t, err)

	require.NoError(t, svc.Activate(ctx, decision.Allocation.AllocationID))
	alloc, err := svc.store.GetAllocation(ctx, decision.Allocation.AllocationID)
	require.NoError(t, err)
	assert.Equal(t, AllocationActive, alloc.Status)
	assert.False(t, alloc.StartedAt.IsZero())

	err = svc.Activate(ctx, decision.Allocation.AllocationID)
	assert.True(t, IsFault(err, FaultPrecondition))
}

func TestConcurrentJobLimit(t *testing.T) {
	svc, _, _ := newTestRegistry(t)
	ctx := context.Background()
	registerNode(t, svc, RegisterNodeRequest{NodeID: "n1", HostSubjectID: "h1", SupplyTier: TierEdge})
	registerGPU(t, svc, RegisterGPURequest{
		GPUID: "g1", NodeID: "n1", VRAMGB: 48, MaxConcurrentJobs: 1,
	})

	_, err := svc.Route(ctx, RouteRequest{
		JobID: "job-1", SubjectID: "s1", Criteria: DiscoveryCriteria{MinVRAMGB: 8},
	})
	require.NoError(t, err)

	// Plenty of VRAM left, but the job slot is taken.
	_, err = svc.Route(ctx, RouteRequest{
		JobID: "job-2", SubjectID: "s2", Criteria: DiscoveryCriteria{MinVRAMGB: 8},
	})
	assert.Error(t, err)
}

func TestReleaseByJob(t *testing.T) {
	svc, _, _ := newTestRegistry(t)
	ctx := context.Background()
	registerNode(t, svc, RegisterNodeRequest{NodeID: "n1", HostSubjectID: "h1", SupplyTier: TierEdge})
	registerGPU(t, svc, RegisterGPURequest{GPUID: "g1", NodeID: "n1", VRAMGB: 48})

	decision, err := svc.Route(ctx, RouteRequest{
		JobID: "job-1", SubjectID: "s1", Criteria: DiscoveryCriteria{MinVRAMGB: 16},
	})
	require.NoError(t, err)

	require.NoError(t, svc.ReleaseByJob(ctx, "job-1", AllocationFailed))
	alloc, err := svc.store.GetAllocation(ctx, decision.Allocation.AllocationID)
	require.NoError(t, err)
	assert.Equal(t, AllocationFailed, alloc.Status)

	g, err := svc.store.GetGPU(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 48.0, g.VRAMAvailableGB)
}

func TestWatchdogMarksSilentNodeOffline(t *testing.T) {
	svc, store, sink := newTestRegistry(t)
	ctx := context.Background()

	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	registerNode(t, svc, RegisterNodeRequest{
		NodeID: "n1", HostSubjectID: "h1", SupplyTier: TierEdge, HeartbeatInterval: 30,
	})
	registerGPU(t, svc, RegisterGPURequest{GPUID: "g1", NodeID: "n1", VRAMGB: 24})

	decision, err := svc.Route(ctx, RouteRequest{
		JobID: "job-1", SubjectID: "s1",
		Criteria:      DiscoveryCriteria{MinVRAMGB: 16},
		DurationHours: 8,
	})
	require.NoError(t, err)

	wd := NewWatchdog(svc, time.Second)

	// Within 3 intervals nothing happens.
	now = now.Add(80 * time.Second)
	wd.Sweep(ctx)
	n, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, NodeOnline, n.Status)

	// Past 90s the node goes dark and its pending reservation is cancelled.
	now = now.Add(20 * time.Second)
	wd.Sweep(ctx)
	n, err = store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, NodeOffline, n.Status)
	assert.True(t, sink.has("NODE_OFFLINE"))

	alloc, err := store.GetAllocation(ctx, decision.Allocation.AllocationID)
	require.NoError(t, err)
	assert.Equal(t, AllocationCancelled, alloc.Status)

	g, err := store.GetGPU(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 24.0, g.VRAMAvailableGB)

	// A heartbeat brings it back.
	require.NoError(t, svc.Heartbeat(ctx, "n1", nil))
	n, err = store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, NodeOnline, n.Status)
}

func TestWatchdogExpiresOverdueAllocations(t *testing.T) {
	svc, store, sink := newTestRegistry(t)
	ctx := context.Background()

	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	registerNode(t, svc, RegisterNodeRequest{NodeID: "n1", HostSubjectID: "h1", SupplyTier: TierEdge})
	registerGPU(t, svc, RegisterGPURequest{GPUID: "g1", NodeID: "n1", VRAMGB: 24})

	decision, err := svc.Route(ctx, RouteRequest{
		JobID: "job-1", SubjectID: "s1",
		Criteria:      DiscoveryCriteria{MinVRAMGB: 16},
		DurationHours: 1,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Activate(ctx, decision.Allocation.AllocationID))

	wd := NewWatchdog(svc, time.Second)

	// Keep the node alive so only the allocation sweep fires.
	now = now.Add(2 * time.Hour)
	store.touchHeartbeat("n1", now)
	wd.Sweep(ctx)

	alloc, err := store.GetAllocation(ctx, decision.Allocation.AllocationID)
	require.NoError(t, err)
	assert.Equal(t, AllocationExpired, alloc.Status)
	assert.True(t, sink.has("ALLOCATION_EXPIRED"))

	g, err := store.GetGPU(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 24.0, g.VRAMAvailableGB)
}

func TestWatchdogRunStopsOnCancel(t *testing.T) {
	svc, _, _ := newTestRegistry(t)
	wd := NewWatchdog(svc, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		wd.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop on cancel")
	}
}

func TestMarkVeritasVerified(t *testing.T) {
	svc, store, _ := newTestRegistry(t)
	ctx := context.Background()
	registerNode(t, svc, RegisterNodeRequest{NodeID: "n1", HostSubjectID: "h1", SupplyTier: TierCampus})

	require.NoError(t, svc.MarkVeritasVerified(ctx, "n1"))
	n, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, n.VeritasVerified)
}
