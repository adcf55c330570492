package registry

import (
	"context"
	"time"
)

// Watchdog sweeps for dead nodes and expired allocations. Run starts both
// loops and blocks until the context is cancelled.
type Watchdog struct {
	svc      *Service
	interval time.Duration
}

// NewWatchdog creates a watchdog sweeping at the given interval
// (default 10s).
func NewWatchdog(svc *Service, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Watchdog{svc: svc, interval: interval}
}

// Run sweeps until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of both scans. Exposed so tests and cron-style
// deployments can drive it directly.
func (w *Watchdog) Sweep(ctx context.Context) {
	if err := w.svc.sweepHeartbeats(ctx); err != nil {
		w.svc.logger.Error("heartbeat sweep failed", "err", err)
	}
	if err := w.svc.sweepExpiredAllocations(ctx); err != nil {
		w.svc.logger.Error("allocation sweep failed", "err", err)
	}
}

// sweepHeartbeats marks nodes OFFLINE once three of their own heartbeat
// intervals pass without contact, and cancels their pending reservations.
func (s *Service) sweepHeartbeats(ctx context.Context) error {
	nodes, err := s.store.ListNodes(ctx, NodeOnline)
	if err != nil {
		return err
	}
	partial, err := s.store.ListNodes(ctx, NodePartial)
	if err != nil {
		return err
	}
	nodes = append(nodes, partial...)

	now := s.clock()
	for _, n := range nodes {
		interval := time.Duration(n.HeartbeatInterval) * time.Second
		if interval <= 0 {
			interval = s.cfg.HeartbeatTimeout / 3
		}
		if now.Sub(n.LastHeartbeat) <= 3*interval {
			continue
		}
		n.Status = NodeOffline
		if err := s.store.SaveNode(ctx, n); err != nil {
			return err
		}
		if err := s.cancelPendingAllocations(ctx, n.NodeID, AllocationCancelled); err != nil {
			return err
		}
		s.logger.Warn("node missed heartbeats, marked offline",
			"node_id", n.NodeID, "last_heartbeat", n.LastHeartbeat)
		s.emit(ctx, "NODE_OFFLINE", n.HostSubjectID, map[string]any{
			"node_id":           n.NodeID,
			"last_heartbeat_at": n.LastHeartbeat.Format(time.RFC3339),
		})
	}
	return nil
}

// sweepExpiredAllocations expires live allocations past their deadline
// and restores their VRAM.
func (s *Service) sweepExpiredAllocations(ctx context.Context) error {
	active, err := s.store.ActiveAllocations(ctx)
	if err != nil {
		return err
	}
	now := s.clock()
	for _, a := range active {
		if a.ExpiresAt.IsZero() || now.Before(a.ExpiresAt) {
			continue
		}
		if err := s.Release(ctx, a.AllocationID, AllocationExpired, 0); err != nil {
			return err
		}
		s.emit(ctx, "ALLOCATION_EXPIRED", a.SubjectID, map[string]any{
			"allocation_id": a.AllocationID,
			"job_id":        a.JobID,
			"expired_at":    a.ExpiresAt.Format(time.RFC3339),
		})
	}
	return nil
}
