package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LedgerSink is the narrow write interface into the audit chain.
type LedgerSink interface {
	CommitEvent(ctx context.Context, eventType, subjectID string, fields map[string]any) error
}

// Config tunes the registry.
type Config struct {
	HeartbeatTimeout       time.Duration   // default 60s; watchdog fires at 3x a node's own interval
	ReservationTTL         time.Duration   // default 300s, floor for allocation expiry
	DefaultStrategy        RoutingStrategy // default BALANCED
	MaxDiscoveryResults    int             // default 20
	DefaultHeartbeatPeriod int             // seconds, default 30
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:       60 * time.Second,
		ReservationTTL:         300 * time.Second,
		DefaultStrategy:        StrategyBalanced,
		MaxDiscoveryResults:    20,
		DefaultHeartbeatPeriod: 30,
	}
}

// Service is the Atlas pillar.
type Service struct {
	store    Store
	topology *Topology
	ledger   LedgerSink
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time
}

// New wires a registry. topology and ledger may be nil.
func New(store Store, topology *Topology, ledger LedgerSink, cfg Config, logger *slog.Logger) *Service {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 300 * time.Second
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyBalanced
	}
	if cfg.MaxDiscoveryResults <= 0 {
		cfg.MaxDiscoveryResults = 20
	}
	if cfg.DefaultHeartbeatPeriod <= 0 {
		cfg.DefaultHeartbeatPeriod = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		topology: topology,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// RegisterNode creates a node at ONLINE with a fresh heartbeat.
func (s *Service) RegisterNode(ctx context.Context, req RegisterNodeRequest) (*Node, error) {
	if req.NodeID == "" || req.HostSubjectID == "" {
		return nil, newFault(FaultPrecondition, "node_id and host_subject_id are required")
	}
	if existing, err := s.store.GetNode(ctx, req.NodeID); err == nil && existing != nil {
		return nil, newFault(FaultConflict, "node %s already registered", req.NodeID)
	}
	interval := req.HeartbeatInterval
	if interval <= 0 {
		interval = s.cfg.DefaultHeartbeatPeriod
	}
	now := s.clock()
	n := Node{
		NodeID:            req.NodeID,
		HostSubjectID:     req.HostSubjectID,
		InstitutionID:     req.InstitutionID,
		CampusID:          req.CampusID,
		SupplyTier:        req.SupplyTier,
		Region:            req.Region,
		Status:            NodeOnline,
		LastHeartbeat:     now,
		HeartbeatInterval: interval,
		WireGuardEndpoint: req.WireGuardEndpoint,
		RegisteredAt:      now,
	}
	if err := s.store.SaveNode(ctx, n); err != nil {
		return nil, fmt.Errorf("registry: save node: %w", err)
	}
	s.emit(ctx, "NODE_REGISTERED", req.HostSubjectID, map[string]any{
		"node_id": n.NodeID, "supply_tier": string(n.SupplyTier), "region": n.Region,
	})
	return &n, nil
}

// RegisterGPU attaches a GPU to an existing node with full availability.
func (s *Service) RegisterGPU(ctx context.Context, req RegisterGPURequest) (*GPU, error) {
	node, err := s.store.GetNode(ctx, req.NodeID)
	if err != nil {
		return nil, err
	}
	if req.VRAMGB <= 0 {
		return nil, newFault(FaultPrecondition, "gpu %s has no VRAM", req.GPUID)
	}
	mode := req.PricingMode
	if mode == "" {
		mode = PricingFixed
	}
	g := GPU{
		GPUID:             req.GPUID,
		NodeID:            req.NodeID,
		VendorUUID:        req.VendorUUID,
		Tier:              req.Tier,
		Model:             req.Model,
		VRAMGB:            req.VRAMGB,
		VRAMAvailableGB:   req.VRAMGB,
		NVLink:            req.NVLink,
		MIGCapable:        req.MIGCapable,
		PricePerHour:      req.PricePerHour,
		PricingMode:       mode,
		PowerCapWatts:     req.PowerCapWatts,
		AllowedWorkloads:  req.AllowedWorkloads,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
	}
	if err := s.store.SaveGPU(ctx, g); err != nil {
		return nil, fmt.Errorf("registry: save gpu: %w", err)
	}
	s.emit(ctx, "GPU_REGISTERED", node.HostSubjectID, map[string]any{
		"gpu_id": g.GPUID, "node_id": g.NodeID, "model": g.Model, "vram_gb": g.VRAMGB,
	})
	return &g, nil
}

// Heartbeat refreshes liveness and, when telemetry rides along, recomputes
// each GPU's availability from the reported free VRAM.
func (s *Service) Heartbeat(ctx context.Context, nodeID string, telemetry *HeartbeatTelemetry) error {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	node.LastHeartbeat = s.clock()
	if node.Status == NodeOffline {
		// A returning node comes back routable.
		node.Status = NodeOnline
	}
	if telemetry != nil && telemetry.LatencyMS > 0 {
		node.LatencyMS = telemetry.LatencyMS
	}
	if err := s.store.SaveNode(ctx, *node); err != nil {
		return fmt.Errorf("registry: update heartbeat: %w", err)
	}
	if telemetry == nil {
		return nil
	}
	for _, t := range telemetry.GPUs {
		g, err := s.store.GetGPU(ctx, t.GPUID)
		if err != nil || g.NodeID != nodeID {
			continue
		}
		g.VRAMAvailableGB = t.VRAMFreeGB
		if g.VRAMAvailableGB > g.VRAMGB {
			g.VRAMAvailableGB = g.VRAMGB
		}
		if g.VRAMAvailableGB < 0 {
			g.VRAMAvailableGB = 0
		}
		if err := s.store.SaveGPU(ctx, *g); err != nil {
			return fmt.Errorf("registry: update gpu telemetry: %w", err)
		}
	}
	return nil
}

// SuspendNode takes a node out of rotation, typically on Tutela's order.
func (s *Service) SuspendNode(ctx context.Context, nodeID, reason, by string) error {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.Status == NodeSuspended {
		return nil
	}
	node.Status = NodeSuspended
	node.Flags = append(node.Flags, "suspended: "+reason)
	if err := s.store.SaveNode(ctx, *node); err != nil {
		return fmt.Errorf("registry: suspend node: %w", err)
	}
	if err := s.cancelPendingAllocations(ctx, nodeID, AllocationCancelled); err != nil {
		return err
	}
	s.emit(ctx, "NODE_SUSPENDED", by, map[string]any{"node_id": nodeID, "reason": reason})
	return nil
}

// MarkVeritasVerified flags a node as hardware-attested.
func (s *Service) MarkVeritasVerified(ctx context.Context, nodeID string) error {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	node.VeritasVerified = true
	return s.store.SaveNode(ctx, *node)
}

// Discover filters, scores, and ranks candidate GPUs, returning at most
// MaxDiscoveryResults.
func (s *Service) Discover(ctx context.Context, c DiscoveryCriteria) ([]ScoredGPU, error) {
	gpus, err := s.store.ListGPUs(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list gpus: %w", err)
	}

	cands := make([]ScoredGPU, 0)
	for _, g := range gpus {
		node, err := s.store.GetNode(ctx, g.NodeID)
		if err != nil {
			continue
		}
		if !passesHardFilters(g, *node, c) {
			continue
		}
		cands = append(cands, ScoredGPU{
			GPU:                  g,
			Node:                 *node,
			Score:                scoreCandidate(g, *node, c),
			EstimatedWaitSeconds: len(g.CurrentJobs) * estimatedJobSeconds,
			PricePerHour:         g.PricePerHour,
		})
	}
	sortScored(cands)

	limit := c.MaxResults
	if limit <= 0 || limit > s.cfg.MaxDiscoveryResults {
		limit = s.cfg.MaxDiscoveryResults
	}
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return cands, nil
}

// Route atomically reserves the best candidate for a job.
func (s *Service) Route(ctx context.Context, req RouteRequest) (*RoutingDecision, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = s.cfg.DefaultStrategy
	}
	cands, err := s.Discover(ctx, req.Criteria)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, newFault(FaultDiscoveryEmpty, "no gpu satisfies the request")
	}
	applyStrategy(cands, strategy)

	reserve := req.VRAMReserveGB
	if reserve <= 0 {
		reserve = req.Criteria.MinVRAMGB
	}

	// Reservation may race a competing route; fall through to the next
	// candidate on conflict.
	for _, winner := range cands {
		if err := s.store.ReserveVRAM(ctx, winner.GPU.GPUID, reserve, req.JobID); err != nil {
			if IsFault(err, FaultConflict) {
				continue
			}
			return nil, err
		}

		now := s.clock()
		expiry := now.Add(s.cfg.ReservationTTL)
		if req.DurationHours > 0 {
			expiry = now.Add(time.Duration(req.DurationHours * float64(time.Hour)))
		}
		alloc := Allocation{
			AllocationID:  uuid.New().String(),
			JobID:         req.JobID,
			SubjectID:     req.SubjectID,
			GPUID:         winner.GPU.GPUID,
			NodeID:        winner.Node.NodeID,
			VRAMReserved:  reserve,
			PowerCapWatts: req.PowerCapWatts,
			MaxDuration:   expiry.Sub(now),
			WorkloadType:  req.Criteria.WorkloadType,
			PricePerHour:  winner.GPU.PricePerHour,
			Status:        AllocationReserved,
			ReservedAt:    now,
			ExpiresAt:     expiry,
		}
		if err := s.store.SaveAllocation(ctx, alloc); err != nil {
			// Undo the reservation; the allocation record is the source of
			// truth for release.
			_ = s.store.RestoreVRAM(ctx, winner.GPU.GPUID, reserve, req.JobID)
			return nil, fmt.Errorf("registry: save allocation: %w", err)
		}

		s.emit(ctx, "ALLOCATION_CREATED", req.SubjectID, map[string]any{
			"allocation_id": alloc.AllocationID,
			"job_id":        req.JobID,
			"gpu_id":        alloc.GPUID,
			"node_id":       alloc.NodeID,
			"vram_gb":       reserve,
			"expires_at":    expiry.Format(time.RFC3339),
		})
		return &RoutingDecision{
			Allocation: alloc,
			Winner:     winner,
			Considered: len(cands),
			Strategy:   strategy,
		}, nil
	}
	return nil, newFault(FaultConflict, "all candidates were reserved concurrently")
}

// Activate marks a reserved allocation as running.
func (s *Service) Activate(ctx context.Context, allocationID string) error {
	alloc, err := s.store.GetAllocation(ctx, allocationID)
	if err != nil {
		return err
	}
	if alloc.Status != AllocationReserved {
		return newFault(FaultPrecondition, "allocation %s is %s, not RESERVED", allocationID, alloc.Status)
	}
	alloc.Status = AllocationActive
	alloc.StartedAt = s.clock()
	return s.store.SaveAllocation(ctx, *alloc)
}

// Release finishes an allocation and restores its VRAM. A second release
// is a no-op: resources come back exactly once.
func (s *Service) Release(ctx context.Context, allocationID string, finalStatus AllocationStatus, actualCost float64) error {
	alloc, err := s.store.GetAllocation(ctx, allocationID)
	if err != nil {
		return err
	}
	if alloc.Status.Terminal() {
		return nil
	}
	if !finalStatus.Terminal() {
		return newFault(FaultPrecondition, "release status %s is not terminal", finalStatus)
	}

	now := s.clock()
	alloc.Status = finalStatus
	alloc.ReleasedAt = now
	alloc.ActualCost = actualCost
	if err := s.store.SaveAllocation(ctx, *alloc); err != nil {
		return fmt.Errorf("registry: save release: %w", err)
	}
	if err := s.store.RestoreVRAM(ctx, alloc.GPUID, alloc.VRAMReserved, alloc.JobID); err != nil {
		return err
	}

	duration := 0.0
	if !alloc.StartedAt.IsZero() {
		duration = now.Sub(alloc.StartedAt).Hours()
	}
	s.emit(ctx, "ALLOCATION_RELEASED", alloc.SubjectID, map[string]any{
		"allocation_id":  allocationID,
		"job_id":         alloc.JobID,
		"final_status":   string(finalStatus),
		"duration_hours": duration,
		"actual_cost":    actualCost,
	})
	return nil
}

// ReleaseByJob releases every live allocation for a job. Tutela's kill
// path uses this.
func (s *Service) ReleaseByJob(ctx context.Context, jobID string, finalStatus AllocationStatus) error {
	active, err := s.store.ActiveAllocations(ctx)
	if err != nil {
		return err
	}
	for _, a := range active {
		if a.JobID == jobID {
			if err := s.Release(ctx, a.AllocationID, finalStatus, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// JobsOnNode lists the job IDs with live allocations on a node.
func (s *Service) JobsOnNode(ctx context.Context, nodeID string) ([]string, error) {
	allocs, err := s.store.AllocationsByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	var jobs []string
	for _, a := range allocs {
		if !a.Status.Terminal() {
			jobs = append(jobs, a.JobID)
		}
	}
	return jobs, nil
}

// cancelPendingAllocations cancels RESERVED (not yet ACTIVE) allocations
// on a node, restoring their VRAM.
func (s *Service) cancelPendingAllocations(ctx context.Context, nodeID string, status AllocationStatus) error {
	allocs, err := s.store.AllocationsByNode(ctx, nodeID)
	if err != nil {
		return err
	}
	for _, a := range allocs {
		if a.Status != AllocationReserved {
			continue
		}
		if err := s.Release(ctx, a.AllocationID, status, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) emit(ctx context.Context, eventType, subjectID string, fields map[string]any) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.CommitEvent(ctx, eventType, subjectID, fields); err != nil {
		s.logger.Error("ledger emit failed", "event", eventType, "err", err)
	}
}
