// Package ledger implements Obsidian, the append-only audit ledger:
// atomic hash-chained commits, Merkle block sealing, range verification,
// evidence packages, and the dispute lifecycle.
package ledger

import (
	"errors"
	"time"

	"github.com/custodes-labs/custodes/pkg/hashchain"
)

// Entry is the immutable ledger record; the hash layout lives in
// pkg/hashchain.
type Entry = hashchain.Entry

// Severity classifies a ledger entry.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeveritySecurity Severity = "SECURITY"
	SeverityCritical Severity = "CRITICAL"
)

// EventType identifies what happened. The set is open; these are the
// platform events the pillars emit.
type EventType string

const (
	EventPassportIssued    EventType = "PASSPORT_ISSUED"
	EventPassportRevoked   EventType = "PASSPORT_REVOKED"
	EventSubjectBanned     EventType = "SUBJECT_BANNED"
	EventSubjectCreated    EventType = "SUBJECT_CREATED"
	EventAuthFailed        EventType = "AUTH_FAILED"
	EventPolicyEvaluated   EventType = "POLICY_EVALUATED"
	EventPolicyDenied      EventType = "POLICY_DENIED"
	EventPolicyUpdated     EventType = "POLICY_UPDATED"
	EventRateLimited       EventType = "RATE_LIMIT_EXCEEDED"
	EventNodeRegistered    EventType = "NODE_REGISTERED"
	EventNodeOffline       EventType = "NODE_OFFLINE"
	EventNodeSuspended     EventType = "NODE_SUSPENDED"
	EventGPURegistered     EventType = "GPU_REGISTERED"
	EventAllocationCreated EventType = "ALLOCATION_CREATED"
	EventAllocationExpired EventType = "ALLOCATION_EXPIRED"
	EventAllocationFreed   EventType = "ALLOCATION_RELEASED"
	EventJobFailed         EventType = "JOB_FAILED"
	EventBenchmarkFailed   EventType = "BENCHMARK_FAILED"
	EventAnomalyDetected   EventType = "ANOMALY_DETECTED"
	EventThreatConfirmed   EventType = "THREAT_CONFIRMED"
	EventKillSwitchFired   EventType = "KILL_SWITCH_FIRED"
	EventClearanceRevoked  EventType = "CLEARANCE_REVOKED"
	EventEmergencyHalt     EventType = "EMERGENCY_HALT"
	EventDisputeOpened     EventType = "DISPUTE_OPENED"
	EventDisputeResolved   EventType = "DISPUTE_RESOLVED"
	EventRefundIssued      EventType = "REFUND_ISSUED"
)

var securityEvents = map[EventType]struct{}{
	EventSubjectBanned:    {},
	EventAnomalyDetected:  {},
	EventThreatConfirmed:  {},
	EventKillSwitchFired:  {},
	EventClearanceRevoked: {},
	EventEmergencyHalt:    {},
}

var warnEvents = map[EventType]struct{}{
	EventAuthFailed:      {},
	EventPolicyDenied:    {},
	EventRateLimited:     {},
	EventJobFailed:       {},
	EventDisputeOpened:   {},
	EventBenchmarkFailed: {},
	EventNodeOffline:     {},
}

// DefaultSeverity maps an event type to its severity class:
// security-class events are SECURITY, failure-class events WARN,
// everything else INFO.
func DefaultSeverity(et EventType) Severity {
	if _, ok := securityEvents[et]; ok {
		return SeveritySecurity
	}
	if _, ok := warnEvents[et]; ok {
		return SeverityWarn
	}
	return SeverityInfo
}

// CommitRequest carries one event into the chain. IP is the raw caller
// address; only its SHA-256 ever reaches the store.
type CommitRequest struct {
	EventType     EventType      `json:"event_type"`
	Severity      Severity       `json:"severity,omitempty"`
	SubjectID     string         `json:"subject_id"`
	PassportID    string         `json:"passport_id,omitempty"`
	InstitutionID string         `json:"institution_id,omitempty"`
	TargetID      string         `json:"target_id,omitempty"`
	TargetType    string         `json:"target_type,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	IP            string         `json:"-"`
	Region        string         `json:"region,omitempty"`
}

// CommitResult identifies the appended entry.
type CommitResult struct {
	EntryID    string    `json:"entry_id"`
	BlockIndex int64     `json:"block_index"`
	BlockHash  string    `json:"block_hash"`
	Timestamp  time.Time `json:"timestamp"`
}

// QueryFilter selects entries. Zero values mean "no constraint".
type QueryFilter struct {
	SubjectID     string      `json:"subject_id,omitempty"`
	TargetID      string      `json:"target_id,omitempty"`
	InstitutionID string      `json:"institution_id,omitempty"`
	EventTypes    []EventType `json:"event_types,omitempty"`
	Severity      Severity    `json:"severity,omitempty"`
	From          time.Time   `json:"from,omitempty"`
	To            time.Time   `json:"to,omitempty"`
	Limit         int         `json:"limit,omitempty"`
	Offset        int         `json:"offset,omitempty"`
}

// QueryResult is a citable page of entries. QueryHash covers the canonical
// filter plus the block range so an auditor can reference the exact result.
type QueryResult struct {
	Entries   []Entry `json:"entries"`
	Total     int     `json:"total"`
	FromBlock int64   `json:"from_block"`
	ToBlock   int64   `json:"to_block"`
	QueryHash string  `json:"query_hash"`
}

// MerkleBlock seals entries [EntryStart..EntryEnd].
type MerkleBlock struct {
	BlockNumber int64     `json:"block_number"`
	EntryStart  int64     `json:"entry_start"`
	EntryEnd    int64     `json:"entry_end"`
	LeafHashes  []string  `json:"leaf_hashes"`
	MerkleRoot  string    `json:"merkle_root"`
	SealedAt    time.Time `json:"sealed_at"`
	SealedBy    string    `json:"sealed_by"`
	Signature   string    `json:"signature"`
}

// DisputeReason enumerates why a dispute was opened.
type DisputeReason string

const (
	DisputeUnderperformance DisputeReason = "UNDERPERFORMANCE"
	DisputeHostFault        DisputeReason = "HOST_FAULT"
	DisputeAbuse            DisputeReason = "ABUSE"
	DisputeUnauthorized     DisputeReason = "UNAUTHORIZED_WORKLOAD"
	DisputeBilling          DisputeReason = "BILLING"
	DisputeBreach           DisputeReason = "BREACH"
	DisputeSLA              DisputeReason = "SLA_VIOLATION"
	DisputeFraud            DisputeReason = "FRAUD"
)

// DisputeStatus tracks the dispute lifecycle.
type DisputeStatus string

const (
	DisputeOpen      DisputeStatus = "OPEN"
	DisputeEvidence  DisputeStatus = "EVIDENCE_COLLECTION"
	DisputeReviewing DisputeStatus = "REVIEWING"
	DisputeResolved  DisputeStatus = "RESOLVED"
	DisputeEscalated DisputeStatus = "ESCALATED"
)

// Dispute is a contested job with its collected chain evidence.
type Dispute struct {
	DisputeID        string        `json:"dispute_id"`
	JobID            string        `json:"job_id"`
	Reason           DisputeReason `json:"reason"`
	Status           DisputeStatus `json:"status"`
	OpenedBy         string        `json:"opened_by"`
	OpenedAt         time.Time     `json:"opened_at"`
	EvidenceEntryIDs []string      `json:"evidence_entry_ids"`
	Outcome          string        `json:"outcome,omitempty"`
	RefundAmount     float64       `json:"refund_amount,omitempty"`
	ResolvedBy       string        `json:"resolved_by,omitempty"`
	ResolvedAt       time.Time     `json:"resolved_at,omitempty"`
}

// EvidenceEntry pairs a ledger entry with its Merkle inclusion proof.
type EvidenceEntry struct {
	Entry     Entry    `json:"entry"`
	LeafIndex int      `json:"leaf_index"`
	ProofPath []string `json:"proof_path"`
}

// EvidencePackage is a signed, self-verifying bundle of related entries.
// The signature covers package_id + kind + ref_id + merkle_root +
// generated_at + entry_count in canonical form.
type EvidencePackage struct {
	PackageID   string          `json:"package_id"`
	Kind        string          `json:"kind"`
	RefID       string          `json:"ref_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	EntryCount  int             `json:"entry_count"`
	MerkleRoot  string          `json:"merkle_root"`
	Entries     []EvidenceEntry `json:"entries"`
	SignedBy    string          `json:"signed_by"`
	Signature   string          `json:"signature"`
}

// Ledger faults beyond the hashchain verification errors.
var (
	ErrDuplicateIndex    = errors.New("ledger: block_index already occupied")
	ErrMissingEntry      = errors.New("ledger: entry missing from range")
	ErrSealFailed        = errors.New("ledger: block seal failed")
	ErrEvidenceSign      = errors.New("ledger: evidence package signing failed")
	ErrDisputeNotFound   = errors.New("ledger: dispute not found")
	ErrDisputeResolved   = errors.New("ledger: dispute already resolved")
	ErrNoEvidenceEntries = errors.New("ledger: no entries found for evidence package")
)
