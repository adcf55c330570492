package registry

import (
	"math"
	"sort"
	"strings"
)

// Discovery scoring: hard filters disqualify, then a 0-100 composite
// ranks survivors. Preferences never disqualify.

const estimatedJobSeconds = 1800 // wait estimate per queued job

// passesHardFilters disqualifies a candidate on any unmet requirement.
func passesHardFilters(g GPU, n Node, c DiscoveryCriteria) bool {
	if !n.Routable() {
		return false
	}
	if g.VRAMAvailableGB < c.MinVRAMGB {
		return false
	}
	if len(c.GPUTiers) > 0 && !containsFold(c.GPUTiers, g.Tier) {
		return false
	}
	if c.RequireNVLink && !g.NVLink {
		return false
	}
	if c.MinBenchmarkScore > 0 && n.BenchmarkScore < c.MinBenchmarkScore {
		return false
	}
	if c.MinTrustScore > 0 && n.TrustScore < c.MinTrustScore {
		return false
	}
	if c.MaxPricePerHour > 0 && g.PricePerHour > c.MaxPricePerHour {
		return false
	}
	if c.WorkloadType != "" && len(g.AllowedWorkloads) > 0 && !containsFold(g.AllowedWorkloads, c.WorkloadType) {
		return false
	}
	return true
}

// scoreCandidate computes the 0-100 composite for a filtered candidate.
func scoreCandidate(g GPU, n Node, c DiscoveryCriteria) int {
	score := 0

	// Supply tier fit: 25 preferred, 15 second-choice, 5 otherwise.
	switch tierPreference(n.SupplyTier, c.PreferredTiers) {
	case 0:
		score += 25
	case 1:
		score += 15
	default:
		score += 5
	}

	// Institution/campus match.
	if (c.PreferredInstID != "" && n.InstitutionID == c.PreferredInstID) ||
		(c.PreferredCampusID != "" && n.CampusID == c.PreferredCampusID) {
		score += 20
	}

	// Trust.
	score += int(math.Floor(float64(n.TrustScore) / 100 * 15))

	// Veritas verification.
	if n.VeritasVerified {
		score += 10
	}

	// VRAM headroom beyond the request.
	headroom := g.VRAMAvailableGB - c.MinVRAMGB
	if headroom >= c.MinVRAMGB {
		score += 10
	} else if headroom > 0 {
		score += 5
	}

	// Price: relative when a ceiling is given, neutral otherwise.
	if c.MaxPricePerHour > 0 {
		score += int(math.Floor((1 - g.PricePerHour/c.MaxPricePerHour) * 10))
	} else {
		score += 5
	}

	// Latency.
	switch {
	case n.LatencyMS > 0 && n.LatencyMS < 5:
		score += 5
	case n.LatencyMS > 0 && n.LatencyMS < 20:
		score += 3
	case n.LatencyMS > 0 && n.LatencyMS < 50:
		score += 1
	}

	// Region preference.
	if containsFold(c.PreferredRegions, n.Region) {
		score += 5
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// tierPreference returns the index of the tier in the preference list, or
// a large value when absent.
func tierPreference(tier SupplyTier, preferred []SupplyTier) int {
	for i, t := range preferred {
		if t == tier {
			return i
		}
	}
	return len(preferred) + 1
}

// sortScored orders candidates by (-score, price asc, trust desc); the
// order is total, so discovery is stable across runs.
func sortScored(cands []ScoredGPU) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		if cands[i].PricePerHour != cands[j].PricePerHour {
			return cands[i].PricePerHour < cands[j].PricePerHour
		}
		if cands[i].Node.TrustScore != cands[j].Node.TrustScore {
			return cands[i].Node.TrustScore > cands[j].Node.TrustScore
		}
		return cands[i].GPU.GPUID < cands[j].GPU.GPUID
	})
}

// applyStrategy re-ranks the scored set. BALANCED keeps the composite
// ordering.
func applyStrategy(cands []ScoredGPU, strategy RoutingStrategy) {
	switch strategy {
	case StrategyCheapest:
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].PricePerHour < cands[j].PricePerHour
		})
	case StrategyFastest:
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].EstimatedWaitSeconds < cands[j].EstimatedWaitSeconds
		})
	case StrategyHighestTrust:
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].Node.TrustScore > cands[j].Node.TrustScore
		})
	case StrategyInstitutional:
		sort.SliceStable(cands, func(i, j int) bool {
			return tierRank[cands[i].Node.SupplyTier] < tierRank[cands[j].Node.SupplyTier]
		})
	}
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
