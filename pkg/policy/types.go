// Package policy implements Aedituus: layered policy loading, rule
// evaluation, rate limiting, and the authorize API.
package policy

import (
	"fmt"
	"time"

	"github.com/custodes-labs/custodes/pkg/passport"
)

// ActionType enumerates the governable platform actions.
type ActionType string

const (
	ActionJobSubmit         ActionType = "JOB_SUBMIT"
	ActionJobCancel         ActionType = "JOB_CANCEL"
	ActionGPUAllocate       ActionType = "GPU_ALLOCATE"
	ActionGPUPreempt        ActionType = "GPU_PREEMPT"
	ActionDataRead          ActionType = "DATA_READ"
	ActionDataWrite         ActionType = "DATA_WRITE"
	ActionDataTrain         ActionType = "DATA_TRAIN"
	ActionDataExport        ActionType = "DATA_EXPORT"
	ActionBenchmarkRun      ActionType = "BENCHMARK_RUN"
	ActionTunnelOpen        ActionType = "TUNNEL_OPEN"
	ActionMarketplaceList   ActionType = "MARKETPLACE_LIST"
	ActionPolicyUpdate      ActionType = "POLICY_UPDATE"
	ActionSubjectBan        ActionType = "SUBJECT_BAN"
	ActionInstitutionManage ActionType = "INSTITUTION_MANAGE"
	ActionDisputeResolve    ActionType = "DISPUTE_RESOLVE"
	ActionPayoutRequest     ActionType = "PAYOUT_REQUEST"
	ActionRefundIssue       ActionType = "REFUND_ISSUE"
)

// Decision is the authorize verdict.
type Decision string

const (
	DecisionAllow        Decision = "ALLOW"
	DecisionAllowLimited Decision = "ALLOW_LIMITED"
	DecisionDeny         Decision = "DENY"
	DecisionDenyCooldown Decision = "DENY_COOLDOWN"
	DecisionStepUp       Decision = "STEP_UP"
	DecisionReview       Decision = "REVIEW"
)

// Permitted reports whether the decision lets the action proceed.
func (d Decision) Permitted() bool {
	return d == DecisionAllow || d == DecisionAllowLimited
}

// DenyReason explains a non-permissive decision.
type DenyReason string

const (
	ReasonRateLimited           DenyReason = "RATE_LIMIT_EXCEEDED"
	ReasonInsufficientClearance DenyReason = "INSUFFICIENT_CLEARANCE"
	ReasonLowTrust              DenyReason = "LOW_TRUST"
	ReasonRiskTooHigh           DenyReason = "RISK_TOO_HIGH"
	ReasonResourceExceeded      DenyReason = "RESOURCE_LIMIT_EXCEEDED"
	ReasonSpendExceeded         DenyReason = "SPEND_LIMIT_EXCEEDED"
	ReasonBlackout              DenyReason = "BLACKOUT_WINDOW"
	ReasonNoMatchingRule        DenyReason = "NO_MATCHING_RULE"
	ReasonPolicyNotFound        DenyReason = "POLICY_NOT_FOUND"
)

// PolicyScope orders policies by specificity: SUBJECT beats INSTITUTION
// beats ORG beats PLATFORM.
type PolicyScope string

const (
	ScopeSubject     PolicyScope = "SUBJECT"
	ScopeInstitution PolicyScope = "INSTITUTION"
	ScopeOrg         PolicyScope = "ORG"
	ScopePlatform    PolicyScope = "PLATFORM"
)

// Constraints bound an ALLOW_LIMITED grant. The caller must honor them.
type Constraints struct {
	MaxVRAMGB           float64  `json:"max_vram_gb,omitempty" yaml:"max_vram_gb,omitempty"`
	MaxGPUs             int      `json:"max_gpus,omitempty" yaml:"max_gpus,omitempty"`
	MaxDurationHours    float64  `json:"max_duration_hours,omitempty" yaml:"max_duration_hours,omitempty"`
	MaxPowerWatts       int      `json:"max_power_watts,omitempty" yaml:"max_power_watts,omitempty"`
	AllowedGPUTiers     []string `json:"allowed_gpu_tiers,omitempty" yaml:"allowed_gpu_tiers,omitempty"`
	AllowedRegions      []string `json:"allowed_regions,omitempty" yaml:"allowed_regions,omitempty"`
	NetworkRestricted   bool     `json:"network_restricted,omitempty" yaml:"network_restricted,omitempty"`
	BandwidthCapMbps    int      `json:"bandwidth_cap_mbps,omitempty" yaml:"bandwidth_cap_mbps,omitempty"`
	MaxSpendPerJob      float64  `json:"max_spend_per_job,omitempty" yaml:"max_spend_per_job,omitempty"`
	MaxConcurrentJobs   int      `json:"max_concurrent_jobs,omitempty" yaml:"max_concurrent_jobs,omitempty"`
	RequireAuditLogging bool     `json:"require_audit_logging,omitempty" yaml:"require_audit_logging,omitempty"`
	WorkloadTypes       []string `json:"workload_types_allowed,omitempty" yaml:"workload_types_allowed,omitempty"`
}

// TimeWindow is an hourly UTC window; [Start,End) when Start <= End,
// otherwise it wraps midnight.
type TimeWindow struct {
	StartHour int `json:"start_hour" yaml:"start_hour"`
	EndHour   int `json:"end_hour" yaml:"end_hour"`
}

// Contains reports whether the UTC hour falls inside the window.
func (w TimeWindow) Contains(hour int) bool {
	if w.StartHour <= w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

// Blackout denies matching requests during [Start,End). An empty
// InstitutionID applies platform-wide.
type Blackout struct {
	InstitutionID string    `json:"institution_id,omitempty" yaml:"institution_id,omitempty"`
	Start         time.Time `json:"start" yaml:"start"`
	End           time.Time `json:"end" yaml:"end"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Conditions are the atomic predicates of a rule; all present conditions
// must hold for the rule to match.
type Conditions struct {
	MinClearance       passport.ClearanceLevel `json:"min_clearance,omitempty" yaml:"min_clearance,omitempty"`
	MinTrustScore      *int                    `json:"min_trust_score,omitempty" yaml:"min_trust_score,omitempty"`
	MaxTrustScore      *int                    `json:"max_trust_score,omitempty" yaml:"max_trust_score,omitempty"`
	SubjectTypes       []passport.SubjectType  `json:"subject_types,omitempty" yaml:"subject_types,omitempty"`
	InstitutionIDs     []string                `json:"institution_ids,omitempty" yaml:"institution_ids,omitempty"`
	OrgIDs             []string                `json:"org_ids,omitempty" yaml:"org_ids,omitempty"`
	SubjectIDs         []string                `json:"subject_ids,omitempty" yaml:"subject_ids,omitempty"`
	RequireInstitution bool                    `json:"require_institution,omitempty" yaml:"require_institution,omitempty"`

	MinVRAMGB        *float64 `json:"min_vram_gb,omitempty" yaml:"min_vram_gb,omitempty"`
	MaxVRAMGB        *float64 `json:"max_vram_gb,omitempty" yaml:"max_vram_gb,omitempty"`
	GPUTiers         []string `json:"gpu_tiers,omitempty" yaml:"gpu_tiers,omitempty"`
	Regions          []string `json:"regions,omitempty" yaml:"regions,omitempty"`
	Campuses         []string `json:"campuses,omitempty" yaml:"campuses,omitempty"`
	MaxGPUCount      *int     `json:"max_gpu_count,omitempty" yaml:"max_gpu_count,omitempty"`
	MaxDurationHours *float64 `json:"max_duration_hours,omitempty" yaml:"max_duration_hours,omitempty"`
	WorkloadTypes    []string `json:"workload_types,omitempty" yaml:"workload_types,omitempty"`

	MaxSpendPerHour  *float64 `json:"max_spend_per_hour,omitempty" yaml:"max_spend_per_hour,omitempty"`
	MaxSpendPerMonth *float64 `json:"max_spend_per_month,omitempty" yaml:"max_spend_per_month,omitempty"`

	// MaxRiskScore admits requests at or below the threshold; MinRiskScore
	// matches requests at or above it (step-up rules).
	MaxRiskScore *int `json:"max_risk_score,omitempty" yaml:"max_risk_score,omitempty"`
	MinRiskScore *int `json:"min_risk_score,omitempty" yaml:"min_risk_score,omitempty"`

	DaysOfWeek  []time.Weekday `json:"days_of_week,omitempty" yaml:"days_of_week,omitempty"`
	TimeWindows []TimeWindow   `json:"time_windows,omitempty" yaml:"time_windows,omitempty"`

	// Blackouts excludes requests falling inside any applicable window;
	// DuringBlackouts matches only inside one (deny rules use the latter).
	Blackouts       []Blackout `json:"blackouts,omitempty" yaml:"blackouts,omitempty"`
	DuringBlackouts []Blackout `json:"during_blackouts,omitempty" yaml:"during_blackouts,omitempty"`

	// Expression is an optional CEL predicate over the request, for
	// conditions the structured fields cannot express.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Rule is one governed grant or denial. Within a policy, the first
// matching active, non-expired rule wins; rules sort by (priority asc,
// rule_id asc).
type Rule struct {
	RuleID       string       `json:"rule_id" yaml:"rule_id"`
	Description  string       `json:"description,omitempty" yaml:"description,omitempty"`
	Priority     int          `json:"priority" yaml:"priority"`
	Actions      []ActionType `json:"actions" yaml:"actions"`
	Conditions   Conditions   `json:"conditions" yaml:"conditions"`
	Decision     Decision     `json:"decision" yaml:"decision"`
	Constraints  *Constraints `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	DenyReason   DenyReason   `json:"deny_reason,omitempty" yaml:"deny_reason,omitempty"`
	StepUpMethod string       `json:"step_up_method,omitempty" yaml:"step_up_method,omitempty"`
	IsActive     bool         `json:"is_active" yaml:"is_active"`
	ExpiresAt    time.Time    `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// AppliesTo reports whether the rule governs the action.
func (r Rule) AppliesTo(action ActionType) bool {
	for _, a := range r.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Policy is a versioned, scoped rule set.
type Policy struct {
	PolicyID        string      `json:"policy_id" yaml:"policy_id"`
	Name            string      `json:"name,omitempty" yaml:"name,omitempty"`
	Scope           PolicyScope `json:"scope" yaml:"scope"`
	ScopeKey        string      `json:"scope_key" yaml:"scope_key"` // subject/institution/org id; empty for PLATFORM
	Version         int         `json:"version" yaml:"version"`
	Rules           []Rule      `json:"rules" yaml:"rules"`
	DefaultDecision Decision    `json:"default_decision" yaml:"default_decision"`
	UpdatedAt       time.Time   `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// ResourceRequest carries the requested compute shape.
type ResourceRequest struct {
	VRAMGB        float64 `json:"vram_gb,omitempty"`
	GPUCount      int     `json:"gpu_count,omitempty"`
	GPUTier       string  `json:"gpu_tier,omitempty"`
	DurationHours float64 `json:"duration_hours,omitempty"`
	WorkloadType  string  `json:"workload_type,omitempty"`
	Region        string  `json:"region,omitempty"`
	CampusID      string  `json:"campus_id,omitempty"`
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
}

// RiskContext is the live Tutela view at authorize time.
type RiskContext struct {
	CurrentRiskScore int     `json:"current_risk_score,omitempty"`
	ConcurrentJobs   int     `json:"concurrent_jobs,omitempty"`
	MonthlySpend     float64 `json:"monthly_spend,omitempty"`
}

// AuthorizationRequest is the full authorize input bundle.
type AuthorizationRequest struct {
	SubjectID     string                  `json:"subject_id"`
	PassportID    string                  `json:"passport_id,omitempty"`
	Clearance     passport.ClearanceLevel `json:"clearance_level"`
	TrustScore    int                     `json:"trust_score"`
	SubjectType   passport.SubjectType    `json:"subject_type"`
	InstitutionID string                  `json:"institution_id,omitempty"`
	OrgID         string                  `json:"org_id,omitempty"`
	Action        ActionType              `json:"action"`
	Resource      *ResourceRequest        `json:"resource,omitempty"`
	Risk          RiskContext             `json:"risk,omitempty"`
	IP            string                  `json:"-"`
	RequestTime   time.Time               `json:"request_time,omitempty"`
}

// AuthorizationResponse is the authorize verdict with full provenance.
type AuthorizationResponse struct {
	Decision          Decision     `json:"decision"`
	DenyReason        DenyReason   `json:"deny_reason,omitempty"`
	Constraints       *Constraints `json:"constraints,omitempty"`
	StepUpMethod      string       `json:"step_up_method,omitempty"`
	RetryAfterSeconds int          `json:"retry_after_seconds,omitempty"`
	MatchedRuleID     string       `json:"matched_rule_id,omitempty"`
	PolicyID          string       `json:"policy_id,omitempty"`
	PolicyVersion     int          `json:"policy_version,omitempty"`
	EvaluationID      string       `json:"evaluation_id"`
	EvaluatedAt       time.Time    `json:"evaluated_at"`
	Reason            string       `json:"reason,omitempty"`
}

// Fault is the typed error form of a non-permissive decision, for callers
// that prefer errors over inspecting the response.
type Fault struct {
	Decision     Decision
	DenyReason   DenyReason
	StepUpMethod string
	RetryAfter   int
	Message      string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("authorization %s (%s): %s", f.Decision, f.DenyReason, f.Message)
}
