// Package api is the HTTPS+JSON boundary over the Custodes pillars. All
// error responses use RFC 7807 Problem Details.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/custodes-labs/custodes/pkg/detector"
	"github.com/custodes-labs/custodes/pkg/passport"
	"github.com/custodes-labs/custodes/pkg/policy"
	"github.com/custodes-labs/custodes/pkg/registry"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request id for this occurrence.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:    fmt.Sprintf("https://custodes.dev/errors/%d", status),
		Title:   title,
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed",
		"The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}

// writeDomainError maps typed pillar faults onto HTTP statuses; anything
// untyped becomes a 500 with the detail kept server-side.
func writeDomainError(w http.ResponseWriter, err error) {
	if f, ok := err.(*passport.Fault); ok {
		switch f.Code {
		case passport.FaultNotFound:
			WriteNotFound(w, f.Message)
		case passport.FaultBanned:
			WriteForbidden(w, f.Message)
		case passport.FaultInvalidProvider:
			WriteBadRequest(w, f.Message)
		default:
			WriteUnauthorized(w, f.Message)
		}
		return
	}
	if f, ok := err.(*policy.Fault); ok {
		if f.RetryAfter > 0 {
			WriteTooManyRequests(w, f.RetryAfter)
			return
		}
		WriteForbidden(w, f.Error())
		return
	}
	if f, ok := err.(*registry.Fault); ok {
		switch f.Code {
		case registry.FaultNotFound:
			WriteNotFound(w, f.Message)
		case registry.FaultConflict:
			WriteConflict(w, f.Message)
		case registry.FaultDiscoveryEmpty:
			WriteError(w, http.StatusUnprocessableEntity, "No Capacity", f.Message)
		default:
			WriteBadRequest(w, f.Message)
		}
		return
	}
	if f, ok := err.(*detector.Fault); ok {
		switch f.Code {
		case detector.FaultRuleNotFound, detector.FaultIncidentNotFound:
			WriteNotFound(w, f.Message)
		case detector.FaultHaltDisabled:
			WriteForbidden(w, f.Message)
		default:
			WriteBadRequest(w, f.Message)
		}
		return
	}
	WriteInternal(w, err)
}
