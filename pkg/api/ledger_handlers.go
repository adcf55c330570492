package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/custodes-labs/custodes/pkg/ledger"
)

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req ledger.CommitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.EventType == "" || req.SubjectID == "" {
		WriteBadRequest(w, "Missing required fields: event_type, subject_id")
		return
	}
	req.IP = clientIP(r)
	result, err := s.Ledger.Commit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var filter ledger.QueryFilter
	if !decodeJSON(w, r, &filter) {
		return
	}
	result, err := s.Ledger.Query(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	from, err := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "Invalid parameter: from")
		return
	}
	to, err := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "Invalid parameter: to")
		return
	}
	result, err := s.Ledger.VerifyChainRange(r.Context(), from, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type evidenceRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req evidenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" || req.ID == "" {
		WriteBadRequest(w, "Missing required fields: kind, id")
		return
	}
	pkg, err := s.Ledger.GenerateEvidencePackage(r.Context(), req.Kind, req.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrNoEvidenceEntries) {
			WriteNotFound(w, "No ledger entries reference the given id")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

type openDisputeRequest struct {
	JobID    string               `json:"job_id"`
	Reason   ledger.DisputeReason `json:"reason"`
	OpenedBy string               `json:"opened_by"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req openDisputeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.JobID == "" {
		WriteBadRequest(w, "Missing required field: job_id")
		return
	}
	d, err := s.Ledger.OpenDispute(r.Context(), req.JobID, req.Reason, req.OpenedBy)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

type resolveDisputeRequest struct {
	DisputeID    string  `json:"dispute_id"`
	Outcome      string  `json:"outcome"`
	RefundAmount float64 `json:"refund_amount,omitempty"`
	ResolvedBy   string  `json:"resolved_by"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req resolveDisputeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DisputeID == "" {
		WriteBadRequest(w, "Missing required field: dispute_id")
		return
	}
	d, err := s.Ledger.ResolveDispute(r.Context(), req.DisputeID, req.Outcome, req.RefundAmount, req.ResolvedBy)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrDisputeNotFound):
			WriteNotFound(w, "Dispute not found")
		case errors.Is(err, ledger.ErrDisputeResolved):
			WriteConflict(w, "Dispute is already resolved")
		default:
			writeDomainError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, d)
}
