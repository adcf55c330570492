package registry

import (
	"sort"
	"strings"
	"sync"
)

// CommunicationPath is how two nodes can reach each other for multi-node
// jobs.
type CommunicationPath string

const (
	PathDirect    CommunicationPath = "DIRECT"    // same campus LAN
	PathWireGuard CommunicationPath = "WIREGUARD" // encrypted overlay
	PathBackbone  CommunicationPath = "BACKBONE"  // data-center interconnect
	PathNone      CommunicationPath = "NONE"
)

// FabricType is the intra-group interconnect of a fabric group.
type FabricType string

const (
	FabricNVLink     FabricType = "NVLINK"
	FabricInfiniBand FabricType = "INFINIBAND"
	FabricPCIe       FabricType = "PCIE"
	FabricEthernet   FabricType = "ETHERNET"
)

var fabricRank = map[FabricType]int{
	FabricNVLink:     0,
	FabricInfiniBand: 1,
	FabricPCIe:       2,
	FabricEthernet:   3,
}

// FabricGroup is a set of nodes sharing a fast interconnect, eligible for
// distributed training placement.
type FabricGroup struct {
	GroupID string     `json:"group_id"`
	Fabric  FabricType `json:"fabric"`
	NodeIDs []string   `json:"node_ids"`
}

// Topology tracks campus membership, measured latency between campuses,
// and fabric groups. All methods are safe for concurrent use.
type Topology struct {
	mu        sync.RWMutex
	campuses  map[string][]string // campus_id -> node_ids
	latencies map[string]float64  // campusPairKey -> ms
	fabrics   map[string]FabricGroup
}

func NewTopology() *Topology {
	return &Topology{
		campuses:  make(map[string][]string),
		latencies: make(map[string]float64),
		fabrics:   make(map[string]FabricGroup),
	}
}

// AddNodeToCampus records campus membership.
func (t *Topology) AddNodeToCampus(campusID, nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.campuses[campusID] {
		if id == nodeID {
			return
		}
	}
	t.campuses[campusID] = append(t.campuses[campusID], nodeID)
}

// SetCampusLatency records the measured round-trip between two campuses.
// The pair is unordered.
func (t *Topology) SetCampusLatency(a, b string, ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latencies[campusPairKey(a, b)] = ms
}

// CampusLatency returns the recorded latency, or -1 when unmeasured.
func (t *Topology) CampusLatency(a, b string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a == b {
		return 0
	}
	if ms, ok := t.latencies[campusPairKey(a, b)]; ok {
		return ms
	}
	return -1
}

func campusPairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "|" + b
}

// RegisterFabricGroup declares a fast-interconnect group.
func (t *Topology) RegisterFabricGroup(g FabricGroup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sort.Strings(g.NodeIDs)
	t.fabrics[g.GroupID] = g
}

// FabricPeers returns the other nodes sharing the fastest fabric with the
// given node, best interconnect first.
func (t *Topology) FabricPeers(nodeID string) (FabricType, []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best := FabricType("")
	var peers []string
	for _, g := range t.fabrics {
		member := false
		for _, id := range g.NodeIDs {
			if id == nodeID {
				member = true
				break
			}
		}
		if !member {
			continue
		}
		if best == "" || fabricRank[g.Fabric] < fabricRank[best] {
			best = g.Fabric
			peers = peers[:0]
			for _, id := range g.NodeIDs {
				if id != nodeID {
					peers = append(peers, id)
				}
			}
		}
	}
	return best, peers
}

// CanCommunicate classifies the best path between two nodes:
// same-campus nodes talk DIRECT; nodes that both expose a WireGuard
// endpoint use the overlay; two backbone nodes ride the interconnect;
// anything else cannot co-host a multi-node job.
func (t *Topology) CanCommunicate(a, b Node) CommunicationPath {
	if a.NodeID == b.NodeID {
		return PathDirect
	}
	if a.CampusID != "" && a.CampusID == b.CampusID {
		return PathDirect
	}
	if a.WireGuardEndpoint != "" && b.WireGuardEndpoint != "" {
		return PathWireGuard
	}
	if a.SupplyTier == TierBackbone && b.SupplyTier == TierBackbone {
		return PathBackbone
	}
	return PathNone
}
