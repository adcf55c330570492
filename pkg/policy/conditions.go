package policy

import (
	"strings"
	"time"

	"github.com/custodes-labs/custodes/pkg/passport"
)

// matchOutcome carries why a rule did not match, so deny responses can
// name the failed predicate.
type matchOutcome struct {
	Matched bool
	Reason  DenyReason
}

func matched() matchOutcome            { return matchOutcome{Matched: true} }
func failed(r DenyReason) matchOutcome { return matchOutcome{Reason: r} }

// evaluateConditions checks every present predicate; all must hold.
func (e *Engine) evaluateConditions(c Conditions, req AuthorizationRequest) matchOutcome {
	if out := evalSubjectConditions(c, req); !out.Matched {
		return out
	}
	if out := evalResourceConditions(c, req.Resource); !out.Matched {
		return out
	}
	if out := evalFinancialConditions(c, req); !out.Matched {
		return out
	}
	if out := evalRiskConditions(c, req.Risk); !out.Matched {
		return out
	}
	if out := evalTimeConditions(c, req); !out.Matched {
		return out
	}
	if c.Expression != "" {
		ok, err := e.evalExpression(c.Expression, req)
		if err != nil {
			e.logger.Warn("rule expression failed", "expr", c.Expression, "err", err)
			return failed(ReasonNoMatchingRule)
		}
		if !ok {
			return failed(ReasonNoMatchingRule)
		}
	}
	return matched()
}

func evalSubjectConditions(c Conditions, req AuthorizationRequest) matchOutcome {
	if c.MinClearance != "" && !req.Clearance.AtLeast(c.MinClearance) {
		return failed(ReasonInsufficientClearance)
	}
	if c.MinTrustScore != nil && req.TrustScore < *c.MinTrustScore {
		return failed(ReasonLowTrust)
	}
	if c.MaxTrustScore != nil && req.TrustScore > *c.MaxTrustScore {
		return failed(ReasonNoMatchingRule)
	}
	if len(c.SubjectTypes) > 0 && !containsSubjectType(c.SubjectTypes, req.SubjectType) {
		return failed(ReasonNoMatchingRule)
	}
	if c.RequireInstitution && req.InstitutionID == "" {
		return failed(ReasonNoMatchingRule)
	}
	if len(c.InstitutionIDs) > 0 && !containsString(c.InstitutionIDs, req.InstitutionID) {
		return failed(ReasonNoMatchingRule)
	}
	if len(c.OrgIDs) > 0 && !containsString(c.OrgIDs, req.OrgID) {
		return failed(ReasonNoMatchingRule)
	}
	if len(c.SubjectIDs) > 0 && !containsString(c.SubjectIDs, req.SubjectID) {
		return failed(ReasonNoMatchingRule)
	}
	return matched()
}

func evalResourceConditions(c Conditions, res *ResourceRequest) matchOutcome {
	hasResourceConds := c.MinVRAMGB != nil || c.MaxVRAMGB != nil || len(c.GPUTiers) > 0 ||
		len(c.Regions) > 0 || len(c.Campuses) > 0 || c.MaxGPUCount != nil ||
		c.MaxDurationHours != nil || len(c.WorkloadTypes) > 0
	if !hasResourceConds {
		return matched()
	}
	if res == nil {
		// Resource-gated rules only govern requests that ask for compute.
		return failed(ReasonNoMatchingRule)
	}
	if c.MinVRAMGB != nil && res.VRAMGB < *c.MinVRAMGB {
		return failed(ReasonNoMatchingRule)
	}
	if c.MaxVRAMGB != nil && res.VRAMGB > *c.MaxVRAMGB {
		return failed(ReasonResourceExceeded)
	}
	if len(c.GPUTiers) > 0 && !containsString(c.GPUTiers, res.GPUTier) {
		return failed(ReasonNoMatchingRule)
	}
	if len(c.Regions) > 0 && !containsString(c.Regions, res.Region) {
		return failed(ReasonNoMatchingRule)
	}
	if len(c.Campuses) > 0 && !containsString(c.Campuses, res.CampusID) {
		return failed(ReasonNoMatchingRule)
	}
	if c.MaxGPUCount != nil && res.GPUCount > *c.MaxGPUCount {
		return failed(ReasonResourceExceeded)
	}
	if c.MaxDurationHours != nil && res.DurationHours > *c.MaxDurationHours {
		return failed(ReasonResourceExceeded)
	}
	if len(c.WorkloadTypes) > 0 && !containsFold(c.WorkloadTypes, res.WorkloadType) {
		return failed(ReasonNoMatchingRule)
	}
	return matched()
}

func evalFinancialConditions(c Conditions, req AuthorizationRequest) matchOutcome {
	if c.MaxSpendPerHour != nil {
		cost := 0.0
		if req.Resource != nil {
			cost = req.Resource.EstimatedCost
		}
		if cost > *c.MaxSpendPerHour {
			return failed(ReasonSpendExceeded)
		}
	}
	if c.MaxSpendPerMonth != nil && req.Risk.MonthlySpend > *c.MaxSpendPerMonth {
		return failed(ReasonSpendExceeded)
	}
	return matched()
}

func evalRiskConditions(c Conditions, risk RiskContext) matchOutcome {
	if c.MaxRiskScore != nil && risk.CurrentRiskScore > *c.MaxRiskScore {
		return failed(ReasonRiskTooHigh)
	}
	if c.MinRiskScore != nil && risk.CurrentRiskScore < *c.MinRiskScore {
		return failed(ReasonNoMatchingRule)
	}
	return matched()
}

func evalTimeConditions(c Conditions, req AuthorizationRequest) matchOutcome {
	t := req.RequestTime.UTC()
	if len(c.DaysOfWeek) > 0 {
		found := false
		for _, d := range c.DaysOfWeek {
			if t.Weekday() == d {
				found = true
				break
			}
		}
		if !found {
			return failed(ReasonNoMatchingRule)
		}
	}
	if len(c.TimeWindows) > 0 {
		hour := t.Hour()
		found := false
		for _, w := range c.TimeWindows {
			if w.Contains(hour) {
				found = true
				break
			}
		}
		if !found {
			return failed(ReasonNoMatchingRule)
		}
	}
	for _, b := range c.Blackouts {
		if blackoutApplies(b, req.InstitutionID, t) {
			return failed(ReasonBlackout)
		}
	}
	if len(c.DuringBlackouts) > 0 {
		inside := false
		for _, b := range c.DuringBlackouts {
			if blackoutApplies(b, req.InstitutionID, t) {
				inside = true
				break
			}
		}
		if !inside {
			return failed(ReasonNoMatchingRule)
		}
	}
	return matched()
}

func blackoutApplies(b Blackout, institutionID string, t time.Time) bool {
	if b.InstitutionID != "" && b.InstitutionID != institutionID {
		return false
	}
	return !t.Before(b.Start) && t.Before(b.End)
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func containsSubjectType(set []passport.SubjectType, v passport.SubjectType) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
