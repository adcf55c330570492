package policy

import (
	"time"

	"github.com/custodes-labs/custodes/pkg/passport"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

// resourceActions are the compute-consuming actions the band rules govern.
var resourceActions = []ActionType{
	ActionJobSubmit, ActionGPUAllocate, ActionDataTrain, ActionBenchmarkRun,
}

// adminActions require ADMIN clearance platform-wide.
var adminActions = []ActionType{
	ActionPolicyUpdate, ActionSubjectBan, ActionInstitutionManage,
	ActionDisputeResolve, ActionRefundIssue,
}

// DefaultStepUpRiskThreshold is the Tutela risk score above which any
// action requires re-authentication.
const DefaultStepUpRiskThreshold = 70

// BaselinePlatformPolicy is the rule set every deployment starts from:
// trust-band resource grants, admin gating, payout gating, and the
// high-risk step-up. stepUpRiskThreshold is exclusive; risk strictly
// above it triggers STEP_UP.
func BaselinePlatformPolicy(stepUpRiskThreshold int) Policy {
	allActions := append(append([]ActionType{}, resourceActions...),
		ActionJobCancel, ActionDataRead, ActionDataWrite, ActionDataExport,
		ActionTunnelOpen, ActionMarketplaceList, ActionPayoutRequest)

	return Policy{
		PolicyID:        "platform-baseline",
		Name:            "Platform baseline",
		Scope:           ScopePlatform,
		Version:         1,
		DefaultDecision: DecisionDeny,
		Rules: []Rule{
			{
				RuleID:       "risk-step-up",
				Description:  "High runtime risk requires re-authentication",
				Priority:     10,
				Actions:      allActions,
				Conditions:   Conditions{MinRiskScore: intPtr(stepUpRiskThreshold + 1)},
				Decision:     DecisionStepUp,
				StepUpMethod: "MFA_REAUTH",
				IsActive:     true,
			},
			{
				RuleID:      "admin-gate",
				Description: "Administrative actions require ADMIN clearance",
				Priority:    15,
				Actions:     adminActions,
				Conditions:  Conditions{MinClearance: passport.ClearanceAdmin},
				Decision:    DecisionAllow,
				IsActive:    true,
			},
			{
				RuleID:      "payout-trusted",
				Description: "Payout requests require trusted standing",
				Priority:    18,
				Actions:     []ActionType{ActionPayoutRequest},
				Conditions:  Conditions{MinTrustScore: intPtr(61)},
				Decision:    DecisionAllow,
				IsActive:    true,
			},
			{
				RuleID:      "band-high-clearance",
				Description: "HIGH_CLEARANCE backbone access",
				Priority:    20,
				Actions:     resourceActions,
				Conditions: Conditions{
					MinTrustScore:      intPtr(81),
					RequireInstitution: true,
				},
				Decision: DecisionAllow,
				IsActive: true,
			},
			{
				RuleID:      "band-trusted",
				Description: "TRUSTED band allocation",
				Priority:    30,
				Actions:     resourceActions,
				Conditions:  Conditions{MinTrustScore: intPtr(61)},
				Decision:    DecisionAllowLimited,
				Constraints: &Constraints{
					MaxVRAMGB:        80,
					MaxGPUs:          4,
					MaxDurationHours: 72,
				},
				IsActive: true,
			},
			{
				RuleID:      "band-standard",
				Description: "STANDARD band allocation",
				Priority:    40,
				Actions:     resourceActions,
				Conditions:  Conditions{MinTrustScore: intPtr(31)},
				Decision:    DecisionAllowLimited,
				Constraints: &Constraints{
					MaxVRAMGB:        24,
					MaxGPUs:          2,
					MaxDurationHours: 24,
				},
				IsActive: true,
			},
			{
				RuleID:      "band-restricted",
				Description: "RESTRICTED band allocation",
				Priority:    50,
				Actions:     resourceActions,
				Decision:    DecisionAllowLimited,
				Constraints: &Constraints{
					MaxVRAMGB:         8,
					MaxGPUs:           1,
					MaxDurationHours:  2,
					MaxPowerWatts:     150,
					NetworkRestricted: true,
					WorkloadTypes:     []string{"INFERENCE"},
				},
				IsActive: true,
			},
			{
				RuleID:      "read-any",
				Description: "Reads and cancels are open to any authenticated subject",
				Priority:    60,
				Actions:     []ActionType{ActionDataRead, ActionJobCancel, ActionMarketplaceList},
				Decision:    DecisionAllow,
				IsActive:    true,
			},
		},
	}
}

// Full institutional allocation used by the university template.
var institutionalFull = Constraints{
	MaxVRAMGB:        80,
	MaxGPUs:          4,
	MaxDurationHours: 72,
}

// UniversityPolicy is the per-institution template: optional blackout
// windows deny heavy compute, students get half limits during business
// hours (09:00-17:00 UTC Mon-Fri) and the full allocation off-hours,
// faculty and researchers always get the full allocation.
func UniversityPolicy(institutionID string, blackouts []Blackout) Policy {
	weekdays := []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
	}
	half := Constraints{
		MaxVRAMGB:        institutionalFull.MaxVRAMGB / 2,
		MaxGPUs:          institutionalFull.MaxGPUs / 2,
		MaxDurationHours: institutionalFull.MaxDurationHours / 2,
	}

	rules := []Rule{
		{
			RuleID:      "student-business-hours",
			Description: "Students get half limits during business hours",
			Priority:    20,
			Actions:     resourceActions,
			Conditions: Conditions{
				SubjectTypes: []passport.SubjectType{passport.SubjectStudent},
				DaysOfWeek:   weekdays,
				TimeWindows:  []TimeWindow{{StartHour: 9, EndHour: 17}},
			},
			Decision:    DecisionAllowLimited,
			Constraints: &half,
			IsActive:    true,
		},
		{
			RuleID:      "student-off-hours",
			Description: "Students get the full allocation off-hours",
			Priority:    30,
			Actions:     resourceActions,
			Conditions: Conditions{
				SubjectTypes: []passport.SubjectType{passport.SubjectStudent},
			},
			Decision:    DecisionAllowLimited,
			Constraints: &institutionalFull,
			IsActive:    true,
		},
		{
			RuleID:      "faculty-full",
			Description: "Faculty and researchers get the full allocation",
			Priority:    40,
			Actions:     resourceActions,
			Conditions: Conditions{
				SubjectTypes: []passport.SubjectType{passport.SubjectFaculty, passport.SubjectResearcher},
			},
			Decision:    DecisionAllowLimited,
			Constraints: &institutionalFull,
			IsActive:    true,
		},
	}

	if len(blackouts) > 0 {
		rules = append([]Rule{{
			RuleID:      "blackout-heavy-compute",
			Description: "Heavy compute denied during institutional blackout",
			Priority:    10,
			Actions:     resourceActions,
			Conditions: Conditions{
				MinVRAMGB:       floatPtr(8),
				DuringBlackouts: blackouts,
			},
			Decision:   DecisionDeny,
			DenyReason: ReasonBlackout,
			IsActive:   true,
		}}, rules...)
	}

	return Policy{
		PolicyID:        "university-" + institutionID,
		Name:            "University template",
		Scope:           ScopeInstitution,
		ScopeKey:        institutionID,
		Version:         1,
		Rules:           rules,
		DefaultDecision: DecisionDeny,
	}
}
