package api

import (
	"net/http"

	"github.com/custodes-labs/custodes/pkg/passport"
)

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req passport.IssueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SubjectID == "" {
		WriteBadRequest(w, "Missing required field: subject_id")
		return
	}
	p, err := s.Passport.Issue(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type verifyRequest struct {
	Token    string `json:"token"`
	Audience string `json:"audience,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		WriteBadRequest(w, "Missing required field: token")
		return
	}
	result, err := s.Passport.Verify(r.Context(), req.Token, req.Audience)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Invalid tokens are a first-class result, not an HTTP error.
	writeJSON(w, http.StatusOK, result)
}

type revokeRequest struct {
	PassportID string `json:"passport_id"`
	Reason     string `json:"reason"`
	By         string `json:"by"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req revokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PassportID == "" {
		WriteBadRequest(w, "Missing required field: passport_id")
		return
	}
	if err := s.Passport.Revoke(r.Context(), req.PassportID, req.Reason, req.By); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type banRequest struct {
	SubjectID         string `json:"subject_id"`
	Reason            string `json:"reason"`
	By                string `json:"by"`
	NotifyInstitution bool   `json:"notify_institution,omitempty"`
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req banRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SubjectID == "" {
		WriteBadRequest(w, "Missing required field: subject_id")
		return
	}
	if err := s.Passport.Ban(r.Context(), req.SubjectID, req.Reason, req.By, req.NotifyInstitution); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "banned"})
}

func (s *Server) handleTrustScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	subjectID := r.URL.Query().Get("subject_id")
	if subjectID == "" {
		WriteBadRequest(w, "Missing required parameter: subject_id")
		return
	}
	score, err := s.Passport.TrustScore(r.Context(), subjectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

type refreshRequest struct {
	RefreshToken string                    `json:"refresh_token"`
	Provider     passport.IdentityProvider `json:"identity_provider"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		WriteBadRequest(w, "Missing required field: refresh_token")
		return
	}
	p, err := s.Passport.Refresh(r.Context(), req.RefreshToken, req.Provider)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
