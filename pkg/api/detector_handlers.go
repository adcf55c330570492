package api

import (
	"net/http"

	"github.com/custodes-labs/custodes/pkg/detector"
)

type evaluateRequest struct {
	Signals       detector.RuntimeSignals `json:"signals"`
	InstitutionID string                  `json:"institution_id,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req evaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Signals.JobID == "" {
		WriteBadRequest(w, "Missing required field: signals.job_id")
		return
	}
	result, err := s.Detector.Evaluate(r.Context(), req.Signals, req.InstitutionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Anomalies are findings, not failures.
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRiskScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		WriteBadRequest(w, "Missing required parameter: job_id")
		return
	}
	score, ok := s.Detector.JobRiskScore(jobID)
	if !ok {
		WriteNotFound(w, "No risk score recorded for the given job")
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	var (
		incidents []detector.Incident
		err       error
	)
	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		incidents, err = s.Detector.IncidentsForJob(r.Context(), jobID)
	} else {
		incidents, err = s.Detector.ActiveIncidents(r.Context())
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents, "count": len(incidents)})
}

type falsePositiveRequest struct {
	IncidentID string `json:"incident_id"`
	By         string `json:"by"`
	Notes      string `json:"notes,omitempty"`
}

func (s *Server) handleFalsePositive(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req falsePositiveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IncidentID == "" {
		WriteBadRequest(w, "Missing required field: incident_id")
		return
	}
	if err := s.Detector.MarkFalsePositive(r.Context(), req.IncidentID, req.By, req.Notes); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "false_positive"})
}

type addRuleRequest struct {
	Rule         detector.DetectionRule `json:"rule"`
	FromIncident string                 `json:"from_incident,omitempty"`
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req addRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Detector.AddRule(r.Context(), req.Rule, req.FromIncident); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "rule_id": req.Rule.RuleID})
}

type tuneRuleRequest struct {
	RuleID     string                  `json:"rule_id"`
	Thresholds detector.RuleThresholds `json:"thresholds"`
	By         string                  `json:"by"`
}

func (s *Server) handleTuneRule(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req tuneRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RuleID == "" {
		WriteBadRequest(w, "Missing required field: rule_id")
		return
	}
	rule, err := s.Detector.TuneRule(r.Context(), req.RuleID, req.Thresholds, req.By)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleSeedRules(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.Detector.SeedDefaultRules(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "seeded"})
}

type emergencyHaltRequest struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
	By     string `json:"by"`
}

func (s *Server) handleEmergencyHalt(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req emergencyHaltRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		WriteBadRequest(w, "Missing required field: node_id")
		return
	}
	if err := s.Detector.EmergencyHalt(r.Context(), req.NodeID, req.By, req.Reason, s.Jobs); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "halted"})
}
