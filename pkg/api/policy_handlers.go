package api

import (
	"net/http"

	"github.com/custodes-labs/custodes/pkg/policy"
)

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req policy.AuthorizationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SubjectID == "" || req.Action == "" {
		WriteBadRequest(w, "Missing required fields: subject_id, action")
		return
	}
	req.IP = clientIP(r)
	resp, err := s.Policy.Authorize(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Denies are data, not errors: the caller reads decision and reason.
	writeJSON(w, http.StatusOK, resp)
}

type authorizeManyRequest struct {
	Base    policy.AuthorizationRequest `json:"base"`
	Actions []policy.ActionType         `json:"actions"`
}

func (s *Server) handleAuthorizeMany(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req authorizeManyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Base.SubjectID == "" || len(req.Actions) == 0 {
		WriteBadRequest(w, "Missing required fields: base.subject_id, actions")
		return
	}
	req.Base.IP = clientIP(r)
	resp, err := s.Policy.AuthorizeMany(r.Context(), req.Base, req.Actions)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type invalidateCacheRequest struct {
	ScopeKey string `json:"scope_key,omitempty"`
}

func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req invalidateCacheRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.Policy.InvalidateCache(req.ScopeKey)
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
