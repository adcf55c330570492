package registry

import (
	"context"
	"sync"
	"time"
)

// Store persists nodes, GPUs, and allocations. VRAM deltas must be
// serializable against concurrent allocations on the same GPU; the
// in-memory store holds one lock, a SQL implementation would use
// row-level locking or CAS on vram_available_gb.
type Store interface {
	GetNode(ctx context.Context, nodeID string) (*Node, error)
	SaveNode(ctx context.Context, n Node) error
	ListNodes(ctx context.Context, status NodeStatus) ([]Node, error)

	GetGPU(ctx context.Context, gpuID string) (*GPU, error)
	SaveGPU(ctx context.Context, g GPU) error
	ListGPUs(ctx context.Context) ([]GPU, error)
	GPUsOnNode(ctx context.Context, nodeID string) ([]GPU, error)

	// ReserveVRAM atomically decrements availability and appends the job;
	// it fails with a Conflict fault rather than going negative.
	ReserveVRAM(ctx context.Context, gpuID string, amount float64, jobID string) error
	// RestoreVRAM atomically returns capacity and removes the job,
	// clamping at vram_gb.
	RestoreVRAM(ctx context.Context, gpuID string, amount float64, jobID string) error

	GetAllocation(ctx context.Context, allocationID string) (*Allocation, error)
	SaveAllocation(ctx context.Context, a Allocation) error
	AllocationsByNode(ctx context.Context, nodeID string) ([]Allocation, error)
	ActiveAllocations(ctx context.Context) ([]Allocation, error)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu          sync.RWMutex
	nodes       map[string]Node
	gpus        map[string]GPU
	allocations map[string]Allocation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:       make(map[string]Node),
		gpus:        make(map[string]GPU),
		allocations: make(map[string]Allocation),
	}
}

func (s *MemoryStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, newFault(FaultNotFound, "node %s not found", nodeID)
	}
	return &n, nil
}

func (s *MemoryStore) SaveNode(ctx context.Context, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.NodeID] = n
	return nil
}

func (s *MemoryStore) ListNodes(ctx context.Context, status NodeStatus) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0)
	for _, n := range s.nodes {
		if status == "" || n.Status == status {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetGPU(ctx context.Context, gpuID string) (*GPU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gpus[gpuID]
	if !ok {
		return nil, newFault(FaultNotFound, "gpu %s not found", gpuID)
	}
	return &g, nil
}

func (s *MemoryStore) SaveGPU(ctx context.Context, g GPU) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gpus[g.GPUID] = g
	return nil
}

func (s *MemoryStore) ListGPUs(ctx context.Context) ([]GPU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GPU, 0, len(s.gpus))
	for _, g := range s.gpus {
		out = append(out, g)
	}
	return out, nil
}

func (s *MemoryStore) GPUsOnNode(ctx context.Context, nodeID string) ([]GPU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GPU, 0)
	for _, g := range s.gpus {
		if g.NodeID == nodeID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *MemoryStore) ReserveVRAM(ctx context.Context, gpuID string, amount float64, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gpus[gpuID]
	if !ok {
		return newFault(FaultNotFound, "gpu %s not found", gpuID)
	}
	if g.VRAMAvailableGB < amount {
		return newFault(FaultConflict, "gpu %s has %.1f GB free, need %.1f",
			gpuID, g.VRAMAvailableGB, amount)
	}
	if g.MaxConcurrentJobs > 0 && len(g.CurrentJobs) >= g.MaxConcurrentJobs {
		return newFault(FaultConflict, "gpu %s at concurrent-job limit", gpuID)
	}
	g.VRAMAvailableGB -= amount
	g.CurrentJobs = append(g.CurrentJobs, jobID)
	s.gpus[gpuID] = g
	return nil
}

func (s *MemoryStore) RestoreVRAM(ctx context.Context, gpuID string, amount float64, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gpus[gpuID]
	if !ok {
		return newFault(FaultNotFound, "gpu %s not found", gpuID)
	}
	g.VRAMAvailableGB += amount
	if g.VRAMAvailableGB > g.VRAMGB {
		g.VRAMAvailableGB = g.VRAMGB
	}
	jobs := g.CurrentJobs[:0]
	for _, j := range g.CurrentJobs {
		if j != jobID {
			jobs = append(jobs, j)
		}
	}
	g.CurrentJobs = jobs
	s.gpus[gpuID] = g
	return nil
}

func (s *MemoryStore) GetAllocation(ctx context.Context, allocationID string) (*Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.allocations[allocationID]
	if !ok {
		return nil, newFault(FaultNotFound, "allocation %s not found", allocationID)
	}
	return &a, nil
}

func (s *MemoryStore) SaveAllocation(ctx context.Context, a Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocations[a.AllocationID] = a
	return nil
}

func (s *MemoryStore) AllocationsByNode(ctx context.Context, nodeID string) ([]Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Allocation, 0)
	for _, a := range s.allocations {
		if a.NodeID == nodeID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) ActiveAllocations(ctx context.Context) ([]Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Allocation, 0)
	for _, a := range s.allocations {
		if !a.Status.Terminal() {
			out = append(out, a)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

// touchHeartbeat is a test hook; production heartbeats go through the
// service so telemetry is applied consistently.
func (s *MemoryStore) touchHeartbeat(nodeID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[nodeID]; ok {
		n.LastHeartbeat = at
		s.nodes[nodeID] = n
	}
}
