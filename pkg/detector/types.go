// Package detector implements Tutela: runtime threat detection over
// per-job telemetry, composite risk scoring, and the automated response
// pipeline (kill switch, node suspension, subject ban).
package detector

import (
	"fmt"
	"time"
)

// Severity orders anomaly gravity.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Exceeds reports whether s is strictly graver than other.
func (s Severity) Exceeds(other Severity) bool {
	return severityRank[s] > severityRank[other]
}

// AnomalyType names what tripped.
type AnomalyType string

const (
	AnomalyPowerViolation       AnomalyType = "POWER_VIOLATION"
	AnomalyVRAMOverclaim        AnomalyType = "VRAM_OVERCLAIM"
	AnomalyThermalThrottle      AnomalyType = "THERMAL_THROTTLE"
	AnomalyPortScan             AnomalyType = "PORT_SCAN"
	AnomalyARPScan              AnomalyType = "ARP_SCAN"
	AnomalyCryptoPoolConnection AnomalyType = "CRYPTO_POOL_CONNECTION"
	AnomalyTorConnection        AnomalyType = "TOR_CONNECTION"
	AnomalyDataExfiltration     AnomalyType = "DATA_EXFILTRATION"
	AnomalyCryptoMining         AnomalyType = "CRYPTO_MINING"
	AnomalyWorkloadMismatch     AnomalyType = "WORKLOAD_MISMATCH"
	AnomalyUnexpectedProcess    AnomalyType = "UNEXPECTED_PROCESS"
	AnomalyPrivilegeEscalation  AnomalyType = "PRIVILEGE_ESCALATION"
)

// ThreatCategory groups anomaly types for response routing. The network
// family (crypto, exfiltration, scanning, botnet) is treated harshest.
type ThreatCategory string

const (
	CategoryResourceAbuse ThreatCategory = "RESOURCE_ABUSE"
	CategoryNetworkThreat ThreatCategory = "NETWORK_THREAT"
	CategoryCryptoMining  ThreatCategory = "CRYPTO_MINING"
	CategoryExfiltration  ThreatCategory = "DATA_EXFILTRATION"
	CategoryBotnet        ThreatCategory = "BOTNET"
	CategoryProcessAbuse  ThreatCategory = "PROCESS_ABUSE"
	CategoryWorkloadFraud ThreatCategory = "WORKLOAD_FRAUD"
)

// networkFamily categories escalate a CRITICAL to KILL_AND_BAN.
var networkFamily = map[ThreatCategory]bool{
	CategoryNetworkThreat: true,
	CategoryCryptoMining:  true,
	CategoryExfiltration:  true,
	CategoryBotnet:        true,
}

// ResponseAction is what the responder does about an incident.
type ResponseAction string

const (
	ActionLogOnly        ResponseAction = "LOG_ONLY"
	ActionWarnSubject    ResponseAction = "WARN_SUBJECT"
	ActionKillJob        ResponseAction = "KILL_JOB"
	ActionKillAndSuspend ResponseAction = "KILL_AND_SUSPEND"
	ActionKillAndBan     ResponseAction = "KILL_AND_BAN"
)

// Destructive reports whether the action tears something down, requiring
// an evidence package first.
func (a ResponseAction) Destructive() bool {
	switch a {
	case ActionKillJob, ActionKillAndSuspend, ActionKillAndBan:
		return true
	}
	return false
}

// RuntimeSignals is one telemetry bundle for a running job, posted by the
// node agent roughly every ten seconds.
type RuntimeSignals struct {
	JobID     string `json:"job_id"`
	NodeID    string `json:"node_id"`
	SubjectID string `json:"subject_id"`

	GPUUtilizationPct float64 `json:"gpu_utilization_pct"`
	VRAMUsedGB        float64 `json:"vram_used_gb"`
	VRAMAllocatedGB   float64 `json:"vram_allocated_gb"`
	PowerDrawWatts    float64 `json:"power_draw_watts"`
	PowerCapWatts     float64 `json:"power_cap_watts"`
	TempCelsius       float64 `json:"temp_celsius"`
	Throttling        bool    `json:"throttling"`

	OutboundBytesPerSec    float64  `json:"outbound_bytes_per_sec"`
	InboundBytesPerSec     float64  `json:"inbound_bytes_per_sec"`
	UniqueDestinationIPs   int      `json:"unique_destination_ips"`
	SuspiciousDestinations []string `json:"suspicious_destinations,omitempty"`
	ARPScanDetected        bool     `json:"arp_scan_detected"`
	PoolConnection         bool     `json:"pool_connection"`

	UnexpectedProcesses []string  `json:"unexpected_processes,omitempty"`
	PrivEscalationCount int       `json:"priv_escalation_count"`
	DeclaredFramework   string    `json:"declared_framework,omitempty"`
	DetectedFramework   string    `json:"detected_framework,omitempty"`
	ComputePattern      string    `json:"compute_pattern,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// Anomaly is one triggered finding.
type Anomaly struct {
	Type     AnomalyType    `json:"anomaly_type"`
	Category ThreatCategory `json:"threat_category"`
	Severity Severity       `json:"severity"`
	RuleID   string         `json:"rule_id,omitempty"`
	Detail   string         `json:"detail"`
}

// RuleThresholds are the tunable knobs of a detection rule.
type RuleThresholds struct {
	PowerGracePct        float64 `json:"power_grace_pct,omitempty"`
	VRAMOverclaimRatio   float64 `json:"vram_overclaim_ratio,omitempty"`
	ThermalLimitCelsius  float64 `json:"thermal_limit_celsius,omitempty"`
	MaxUniqueDstIPs      int     `json:"max_unique_dst_ips,omitempty"`
	NetworkBaselineBps   float64 `json:"network_baseline_bytes_per_sec,omitempty"`
	ExfilMultiplier      float64 `json:"exfil_multiplier,omitempty"`
	ExfilIdleGPUPct      float64 `json:"exfil_idle_gpu_pct,omitempty"`
	MiningUtilizationPct float64 `json:"mining_utilization_pct,omitempty"`
}

// RuleResponse drives the responder once the rule fires.
type RuleResponse struct {
	Action            ResponseAction `json:"action"`
	NotifySubject     bool           `json:"notify_subject"`
	NotifyInstitution bool           `json:"notify_institution"`
	NotifyPlatform    bool           `json:"notify_platform_admin"`
	CollectEvidence   bool           `json:"collect_evidence"`
}

// DetectionRule is a versioned, tunable detector.
type DetectionRule struct {
	RuleID              string         `json:"rule_id"`
	Version             string         `json:"version"` // semver
	AnomalyType         AnomalyType    `json:"anomaly_type"`
	ThreatCategory      ThreatCategory `json:"threat_category"`
	Severity            Severity       `json:"severity"`
	Thresholds          RuleThresholds `json:"thresholds"`
	Response            RuleResponse   `json:"response"`
	IsActive            bool           `json:"is_active"`
	CreatedFromIncident string         `json:"created_from_incident,omitempty"`
	FalsePositiveCount  int            `json:"false_positive_count"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// IncidentStatus is the incident lifecycle.
type IncidentStatus string

const (
	IncidentActive        IncidentStatus = "ACTIVE"
	IncidentResolved      IncidentStatus = "RESOLVED"
	IncidentEscalated     IncidentStatus = "ESCALATED"
	IncidentFalsePositive IncidentStatus = "FALSE_POSITIVE"
)

// Incident is a confirmed threat event.
type Incident struct {
	IncidentID       string         `json:"incident_id"`
	JobID            string         `json:"job_id"`
	NodeID           string         `json:"node_id"`
	SubjectID        string         `json:"subject_id"`
	InstitutionID    string         `json:"institution_id,omitempty"`
	Anomalies        []Anomaly      `json:"anomalies"`
	RuleIDs          []string       `json:"rule_ids"`
	ActionTaken      ResponseAction `json:"action_taken"`
	SignalSnapshot   RuntimeSignals `json:"signal_snapshot"`
	EvidenceEntryIDs []string       `json:"evidence_entry_ids,omitempty"`
	Status           IncidentStatus `json:"status"`
	ResolutionNotes  string         `json:"resolution_notes,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	ResolvedAt       time.Time      `json:"resolved_at,omitempty"`
}

// RiskScore is the 0-100 composite with its breakdown.
type RiskScore struct {
	JobID      string    `json:"job_id"`
	Composite  int       `json:"composite"`
	Power      float64   `json:"power_risk"`
	Network    float64   `json:"network_risk"`
	Process    float64   `json:"process_risk"`
	Workload   float64   `json:"workload_risk"`
	Duration   float64   `json:"duration_risk"`
	ComputedAt time.Time `json:"computed_at"`
}

// EvaluationResult is what evaluate returns to the caller.
type EvaluationResult struct {
	Anomalies      []Anomaly      `json:"anomalies"`
	RiskScore      RiskScore      `json:"risk_score"`
	RequiresAction bool           `json:"requires_action"`
	Incident       *Incident      `json:"incident,omitempty"`
	ActionTaken    ResponseAction `json:"action_taken,omitempty"`
}

// FaultCode enumerates detector failures.
type FaultCode string

const (
	FaultRuleNotFound       FaultCode = "RULE_NOT_FOUND"
	FaultRuleVersionInvalid FaultCode = "RULE_VERSION_INVALID"
	FaultConfigMalformed    FaultCode = "CONFIG_MALFORMED"
	FaultIncidentNotFound   FaultCode = "INCIDENT_NOT_FOUND"
	FaultHaltDisabled       FaultCode = "HALT_DISABLED"
)

// Fault is a typed detector failure.
type Fault struct {
	Code    FaultCode
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("detector fault %s: %s", f.Code, f.Message)
}

func newFault(code FaultCode, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsFault reports whether err is a Fault with the given code.
func IsFault(err error, code FaultCode) bool {
	f, ok := err.(*Fault)
	return ok && f.Code == code
}
