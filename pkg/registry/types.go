// Package registry implements Atlas: node and GPU registration, heartbeat
// watchdog, discovery scoring, allocation lifecycle, and topology.
package registry

import (
	"fmt"
	"time"
)

// SupplyTier orders hosting classes: BACKBONE (data centers) over CAMPUS
// (on-institution) over EDGE (consumer).
type SupplyTier string

const (
	TierBackbone SupplyTier = "BACKBONE"
	TierCampus   SupplyTier = "CAMPUS"
	TierEdge     SupplyTier = "EDGE"
)

var tierRank = map[SupplyTier]int{TierBackbone: 0, TierCampus: 1, TierEdge: 2}

// NodeStatus is the host lifecycle state.
type NodeStatus string

const (
	NodeOnline       NodeStatus = "ONLINE"
	NodeBusy         NodeStatus = "BUSY"
	NodePartial      NodeStatus = "PARTIAL"
	NodeOffline      NodeStatus = "OFFLINE"
	NodeMaintenance  NodeStatus = "MAINTENANCE"
	NodeSuspended    NodeStatus = "SUSPENDED"
	NodeBenchmarking NodeStatus = "BENCHMARKING"
)

// PricingMode is how a GPU's hourly price applies.
type PricingMode string

const (
	PricingFixed    PricingMode = "FIXED"
	PricingSpot     PricingMode = "SPOT"
	PricingReserved PricingMode = "RESERVED"
	PricingBurst    PricingMode = "BURST"
)

// AllocationStatus is the reservation lifecycle.
type AllocationStatus string

const (
	AllocationReserved  AllocationStatus = "RESERVED"
	AllocationActive    AllocationStatus = "ACTIVE"
	AllocationCompleted AllocationStatus = "COMPLETED"
	AllocationCancelled AllocationStatus = "CANCELLED"
	AllocationExpired   AllocationStatus = "EXPIRED"
	AllocationFailed    AllocationStatus = "FAILED"
)

// Terminal reports whether the allocation has released its resources.
func (s AllocationStatus) Terminal() bool {
	switch s {
	case AllocationCompleted, AllocationCancelled, AllocationExpired, AllocationFailed:
		return true
	}
	return false
}

// Node is a registered physical host.
type Node struct {
	NodeID            string     `json:"node_id"`
	HostSubjectID     string     `json:"host_subject_id"`
	InstitutionID     string     `json:"institution_id,omitempty"`
	CampusID          string     `json:"campus_id,omitempty"`
	SupplyTier        SupplyTier `json:"supply_tier"`
	Region            string     `json:"region"`
	Status            NodeStatus `json:"status"`
	LastHeartbeat     time.Time  `json:"last_heartbeat_at"`
	HeartbeatInterval int        `json:"heartbeat_interval_seconds"`
	VeritasVerified   bool       `json:"veritas_verified"`
	TrustScore        int        `json:"trust_score"`
	BenchmarkScore    float64    `json:"benchmark_score,omitempty"`
	LatencyMS         float64    `json:"latency_ms,omitempty"`
	WireGuardEndpoint string     `json:"wireguard_endpoint,omitempty"`
	Flags             []string   `json:"flags,omitempty"`
	RegisteredAt      time.Time  `json:"registered_at"`
}

// Routable reports whether the node may receive new allocations.
func (n Node) Routable() bool {
	return n.Status == NodeOnline || n.Status == NodePartial
}

// GPU is a schedulable device on a node.
type GPU struct {
	GPUID             string      `json:"gpu_id"`
	NodeID            string      `json:"node_id"`
	VendorUUID        string      `json:"vendor_uuid,omitempty"`
	Tier              string      `json:"tier"`
	Model             string      `json:"model"`
	VRAMGB            float64     `json:"vram_gb"`
	VRAMAvailableGB   float64     `json:"vram_available_gb"`
	NVLink            bool        `json:"nvlink"`
	MIGCapable        bool        `json:"mig_capable"`
	PricePerHour      float64     `json:"price_per_hour"`
	PricingMode       PricingMode `json:"pricing_mode"`
	PowerCapWatts     int         `json:"power_cap_watts,omitempty"`
	AllowedWorkloads  []string    `json:"allowed_workload_types,omitempty"`
	MaxConcurrentJobs int         `json:"max_concurrent_jobs"`
	CurrentJobs       []string    `json:"current_jobs,omitempty"`
}

// Allocation is a time-bounded reservation of a GPU for a job.
type Allocation struct {
	AllocationID  string           `json:"allocation_id"`
	JobID         string           `json:"job_id"`
	SubjectID     string           `json:"subject_id"`
	GPUID         string           `json:"gpu_id"`
	NodeID        string           `json:"node_id"`
	VRAMReserved  float64          `json:"vram_reserved_gb"`
	PowerCapWatts int              `json:"power_cap_watts,omitempty"`
	MaxDuration   time.Duration    `json:"max_duration"`
	WorkloadType  string           `json:"workload_type,omitempty"`
	PricePerHour  float64          `json:"price_per_hour"`
	Status        AllocationStatus `json:"status"`
	ReservedAt    time.Time        `json:"reserved_at"`
	StartedAt     time.Time        `json:"started_at,omitempty"`
	ExpiresAt     time.Time        `json:"expires_at"`
	ReleasedAt    time.Time        `json:"released_at,omitempty"`
	ActualCost    float64          `json:"actual_cost,omitempty"`
}

// RegisterNodeRequest creates a node.
type RegisterNodeRequest struct {
	NodeID            string     `json:"node_id"`
	HostSubjectID     string     `json:"host_subject_id"`
	InstitutionID     string     `json:"institution_id,omitempty"`
	CampusID          string     `json:"campus_id,omitempty"`
	SupplyTier        SupplyTier `json:"supply_tier"`
	Region            string     `json:"region"`
	HeartbeatInterval int        `json:"heartbeat_interval_seconds,omitempty"`
	WireGuardEndpoint string     `json:"wireguard_endpoint,omitempty"`
}

// RegisterGPURequest attaches a GPU to an existing node.
type RegisterGPURequest struct {
	GPUID             string      `json:"gpu_id"`
	NodeID            string      `json:"node_id"`
	VendorUUID        string      `json:"vendor_uuid,omitempty"`
	Tier              string      `json:"tier"`
	Model             string      `json:"model"`
	VRAMGB            float64     `json:"vram_gb"`
	NVLink            bool        `json:"nvlink"`
	MIGCapable        bool        `json:"mig_capable"`
	PricePerHour      float64     `json:"price_per_hour"`
	PricingMode       PricingMode `json:"pricing_mode,omitempty"`
	PowerCapWatts     int         `json:"power_cap_watts,omitempty"`
	AllowedWorkloads  []string    `json:"allowed_workload_types,omitempty"`
	MaxConcurrentJobs int         `json:"max_concurrent_jobs,omitempty"`
}

// GPUTelemetry is the per-GPU slice of a heartbeat.
type GPUTelemetry struct {
	GPUID          string  `json:"gpu_id"`
	VRAMFreeGB     float64 `json:"vram_free_gb"`
	UtilizationPct float64 `json:"utilization_pct,omitempty"`
	TempCelsius    float64 `json:"temp_celsius,omitempty"`
	PowerWatts     float64 `json:"power_watts,omitempty"`
}

// HeartbeatTelemetry accompanies a heartbeat when the agent reports
// device state.
type HeartbeatTelemetry struct {
	GPUs      []GPUTelemetry `json:"gpus,omitempty"`
	LatencyMS float64        `json:"latency_ms,omitempty"`
}

// DiscoveryCriteria are the renter's requirements plus preferences.
// Requirements are hard filters; preferences only affect scoring.
type DiscoveryCriteria struct {
	MinVRAMGB         float64      `json:"min_vram_gb"`
	GPUTiers          []string     `json:"gpu_tiers,omitempty"`
	RequireNVLink     bool         `json:"require_nvlink,omitempty"`
	MinBenchmarkScore float64      `json:"min_benchmark_score,omitempty"`
	MinTrustScore     int          `json:"min_trust_score,omitempty"`
	MaxPricePerHour   float64      `json:"max_price_per_hour,omitempty"`
	WorkloadType      string       `json:"workload_type,omitempty"`
	PreferredTiers    []SupplyTier `json:"preferred_tiers,omitempty"`
	PreferredInstID   string       `json:"preferred_institution_id,omitempty"`
	PreferredCampusID string       `json:"preferred_campus_id,omitempty"`
	PreferredRegions  []string     `json:"preferred_regions,omitempty"`
	MaxResults        int          `json:"max_results,omitempty"`
}

// RoutingStrategy re-ranks the scored candidate set.
type RoutingStrategy string

const (
	StrategyCheapest      RoutingStrategy = "CHEAPEST"
	StrategyFastest       RoutingStrategy = "FASTEST"
	StrategyHighestTrust  RoutingStrategy = "HIGHEST_TRUST"
	StrategyInstitutional RoutingStrategy = "INSTITUTIONAL"
	StrategyBalanced      RoutingStrategy = "BALANCED"
)

// ScoredGPU is one discovery candidate with its composite score.
type ScoredGPU struct {
	GPU                  GPU     `json:"gpu"`
	Node                 Node    `json:"node"`
	Score                int     `json:"score"`
	EstimatedWaitSeconds int     `json:"estimated_wait_seconds"`
	PricePerHour         float64 `json:"price_per_hour"`
}

// RouteRequest asks for an atomic reserve.
type RouteRequest struct {
	JobID         string            `json:"job_id"`
	SubjectID     string            `json:"subject_id"`
	Criteria      DiscoveryCriteria `json:"criteria"`
	Strategy      RoutingStrategy   `json:"strategy,omitempty"`
	DurationHours float64           `json:"estimated_duration_hours"`
	VRAMReserveGB float64           `json:"vram_reserve_gb,omitempty"` // defaults to criteria.MinVRAMGB
	PowerCapWatts int               `json:"power_cap_watts,omitempty"`
}

// RoutingDecision is the outcome of a route call.
type RoutingDecision struct {
	Allocation Allocation      `json:"allocation"`
	Winner     ScoredGPU       `json:"winner"`
	Considered int             `json:"considered"`
	Strategy   RoutingStrategy `json:"strategy"`
}

// FaultCode enumerates registry failures.
type FaultCode string

const (
	FaultNotFound       FaultCode = "NOT_FOUND"
	FaultConflict       FaultCode = "CONFLICT"
	FaultPrecondition   FaultCode = "PRECONDITION"
	FaultDiscoveryEmpty FaultCode = "DISCOVERY_EMPTY"
)

// Fault is a typed registry failure.
type Fault struct {
	Code    FaultCode
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("registry fault %s: %s", f.Code, f.Message)
}

func newFault(code FaultCode, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsFault reports whether err is a Fault with the given code.
func IsFault(err error, code FaultCode) bool {
	f, ok := err.(*Fault)
	return ok && f.Code == code
}
