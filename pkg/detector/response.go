package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Orchestrator kills running jobs.
type Orchestrator interface {
	KillJob(ctx context.Context, jobID, reason string) error
}

// RegistrySink suspends misbehaving nodes.
type RegistrySink interface {
	SuspendNode(ctx context.Context, nodeID, reason, by string) error
}

// PassportSink bans subjects.
type PassportSink interface {
	BanSubject(ctx context.Context, subjectID, reason, by string) error
}

// EvidenceCollector captures a signed evidence package before destruction.
type EvidenceCollector interface {
	CollectForJob(ctx context.Context, jobID string) (entryIDs []string, err error)
}

// Notifier fans incident notices out to subjects, institutions, and
// platform admins.
type Notifier interface {
	NotifySubject(ctx context.Context, subjectID, message string) error
	NotifyInstitution(ctx context.Context, institutionID, message string) error
	NotifyPlatformAdmin(ctx context.Context, message string) error
}

// LedgerSink writes detector events into the audit chain.
type LedgerSink interface {
	CommitEvent(ctx context.Context, eventType, subjectID string, fields map[string]any) error
}

// Responder executes the incident response pipeline: evidence, incident
// record, enforcement, ledger, notifications.
type Responder struct {
	orchestrator Orchestrator
	registry     RegistrySink
	passport     PassportSink
	evidence     EvidenceCollector
	notifier     Notifier
	ledger       LedgerSink
	logger       *slog.Logger
	clock        func() time.Time
}

// NewResponder wires the response pipeline. Any sink may be nil; the
// corresponding step is skipped.
func NewResponder(orchestrator Orchestrator, registry RegistrySink, passport PassportSink,
	evidence EvidenceCollector, notifier Notifier, ledger LedgerSink, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		orchestrator: orchestrator,
		registry:     registry,
		passport:     passport,
		evidence:     evidence,
		notifier:     notifier,
		ledger:       ledger,
		logger:       logger,
		clock:        func() time.Time { return time.Now().UTC() },
	}
}

// actionFor maps the gravest anomaly to a response. CRITICAL anomalies in
// the network family (scanning, crypto, exfiltration, botnet) take the
// host's subject with them.
func actionFor(anomalies []Anomaly) ResponseAction {
	action := ActionLogOnly
	for _, a := range anomalies {
		var candidate ResponseAction
		switch a.Severity {
		case SeverityCritical:
			if networkFamily[a.Category] {
				candidate = ActionKillAndBan
			} else {
				candidate = ActionKillAndSuspend
			}
		case SeverityHigh:
			candidate = ActionKillJob
		case SeverityMedium:
			candidate = ActionWarnSubject
		default:
			candidate = ActionLogOnly
		}
		if actionRank[candidate] > actionRank[action] {
			action = candidate
		}
	}
	return action
}

var actionRank = map[ResponseAction]int{
	ActionLogOnly:        0,
	ActionWarnSubject:    1,
	ActionKillJob:        2,
	ActionKillAndSuspend: 3,
	ActionKillAndBan:     4,
}

// Respond runs the full pipeline for a set of anomalies and returns the
// incident record.
func (r *Responder) Respond(ctx context.Context, sig RuntimeSignals, institutionID string,
	anomalies []Anomaly, rules map[AnomalyType]DetectionRule) (*Incident, ResponseAction, error) {

	action := actionFor(anomalies)

	// Evidence is captured before anything is torn down so the package
	// reflects the state that triggered the response.
	var evidenceIDs []string
	if action.Destructive() && r.evidence != nil {
		ids, err := r.evidence.CollectForJob(ctx, sig.JobID)
		if err != nil {
			r.logger.Error("evidence collection failed, continuing response",
				"job_id", sig.JobID, "err", err)
		} else {
			evidenceIDs = ids
		}
	}

	for _, a := range anomalies {
		r.emit(ctx, "ANOMALY_DETECTED", sig.SubjectID, map[string]any{
			"job_id":       sig.JobID,
			"node_id":      sig.NodeID,
			"anomaly_type": string(a.Type),
			"severity":     string(a.Severity),
			"detail":       a.Detail,
		})
	}

	ruleIDs := make([]string, 0, len(anomalies))
	for _, a := range anomalies {
		if a.RuleID != "" {
			ruleIDs = append(ruleIDs, a.RuleID)
		}
	}
	incident := &Incident{
		IncidentID:       uuid.New().String(),
		JobID:            sig.JobID,
		NodeID:           sig.NodeID,
		SubjectID:        sig.SubjectID,
		InstitutionID:    institutionID,
		Anomalies:        anomalies,
		RuleIDs:          ruleIDs,
		ActionTaken:      action,
		SignalSnapshot:   sig,
		EvidenceEntryIDs: evidenceIDs,
		Status:           IncidentActive,
		CreatedAt:        r.clock(),
	}

	if err := r.execute(ctx, sig, action, incident); err != nil {
		return nil, "", err
	}
	r.notify(ctx, sig, institutionID, anomalies, rules, action)
	return incident, action, nil
}

func (r *Responder) execute(ctx context.Context, sig RuntimeSignals, action ResponseAction, incident *Incident) error {
	if action.Destructive() && r.orchestrator != nil {
		if err := r.orchestrator.KillJob(ctx, sig.JobID, string(incident.Anomalies[0].Type)); err != nil {
			return err
		}
		r.emit(ctx, "KILL_SWITCH_FIRED", sig.SubjectID, map[string]any{
			"job_id":      sig.JobID,
			"node_id":     sig.NodeID,
			"incident_id": incident.IncidentID,
			"action":      string(action),
		})
	}
	if action == ActionKillAndSuspend && r.registry != nil {
		if err := r.registry.SuspendNode(ctx, sig.NodeID, "incident "+incident.IncidentID, "tutela"); err != nil {
			return err
		}
	}
	if action == ActionKillAndBan {
		if r.passport != nil {
			if err := r.passport.BanSubject(ctx, sig.SubjectID, "incident "+incident.IncidentID, "tutela"); err != nil {
				return err
			}
		}
		r.emit(ctx, "CLEARANCE_REVOKED", sig.SubjectID, map[string]any{
			"incident_id": incident.IncidentID,
			"job_id":      sig.JobID,
		})
	}
	return nil
}

func (r *Responder) notify(ctx context.Context, sig RuntimeSignals, institutionID string,
	anomalies []Anomaly, rules map[AnomalyType]DetectionRule, action ResponseAction) {
	if r.notifier == nil {
		return
	}
	msg := "threat response " + string(action) + " on job " + sig.JobID
	notifySubject, notifyInst, notifyPlatform := false, false, false
	for _, a := range anomalies {
		if rule, ok := rules[a.Type]; ok {
			notifySubject = notifySubject || rule.Response.NotifySubject
			notifyInst = notifyInst || rule.Response.NotifyInstitution
			notifyPlatform = notifyPlatform || rule.Response.NotifyPlatform
		}
	}
	if notifySubject {
		if err := r.notifier.NotifySubject(ctx, sig.SubjectID, msg); err != nil {
			r.logger.Warn("subject notification failed", "err", err)
		}
	}
	if notifyInst && institutionID != "" {
		if err := r.notifier.NotifyInstitution(ctx, institutionID, msg); err != nil {
			r.logger.Warn("institution notification failed", "err", err)
		}
	}
	if notifyPlatform {
		if err := r.notifier.NotifyPlatformAdmin(ctx, msg); err != nil {
			r.logger.Warn("platform notification failed", "err", err)
		}
	}
}

func (r *Responder) emit(ctx context.Context, eventType, subjectID string, fields map[string]any) {
	if r.ledger == nil {
		return
	}
	if err := r.ledger.CommitEvent(ctx, eventType, subjectID, fields); err != nil {
		r.logger.Error("ledger emit failed", "event", eventType, "err", err)
	}
}

// JobLister enumerates running jobs on a node for the emergency halt.
type JobLister interface {
	JobsOnNode(ctx context.Context, nodeID string) ([]string, error)
}

// EmergencyHalt kills every job on a node and suspends it. Admin-only and
// disabled unless the deployment opts in.
func (s *Service) EmergencyHalt(ctx context.Context, nodeID, by, reason string, jobs JobLister) error {
	if !s.cfg.EnableEmergencyHalt {
		return newFault(FaultHaltDisabled, "emergency halt is disabled by configuration")
	}
	if s.responder == nil {
		return newFault(FaultConfigMalformed, "no responder attached")
	}

	if jobs != nil && s.responder.orchestrator != nil {
		ids, err := jobs.JobsOnNode(ctx, nodeID)
		if err != nil {
			return err
		}
		for _, jobID := range ids {
			if err := s.responder.orchestrator.KillJob(ctx, jobID, "emergency halt: "+reason); err != nil {
				return err
			}
			s.window.drop(jobID)
		}
	}
	if s.responder.registry != nil {
		if err := s.responder.registry.SuspendNode(ctx, nodeID, reason, by); err != nil {
			return err
		}
	}
	s.responder.emit(ctx, "CLEARANCE_REVOKED", by, map[string]any{
		"node_id":  nodeID,
		"reason":   reason,
		"severity": string(SeverityCritical),
		"halt":     true,
	})
	if s.responder.notifier != nil {
		if err := s.responder.notifier.NotifyPlatformAdmin(ctx, "emergency halt on node "+nodeID+": "+reason); err != nil {
			s.logger.Warn("halt notification failed", "err", err)
		}
	}
	s.logger.Warn("emergency halt executed", "node_id", nodeID, "by", by, "reason", reason)
	return nil
}
