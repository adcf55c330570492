package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/custodes-labs/custodes/pkg/detector"
	"github.com/custodes-labs/custodes/pkg/ledger"
	"github.com/custodes-labs/custodes/pkg/passport"
	"github.com/custodes-labs/custodes/pkg/policy"
	"github.com/custodes-labs/custodes/pkg/registry"
)

const maxBodyBytes = 1 << 20 // 1MB limit on all JSON bodies

// Server exposes the five pillars over HTTPS+JSON.
type Server struct {
	Passport *passport.Service
	Policy   *policy.Engine
	Ledger   *ledger.Service
	Registry *registry.Service
	Detector *detector.Service

	// Jobs resolves running jobs per node for the emergency halt. Optional.
	Jobs detector.JobLister
}

// NewServer wires the boundary. Any pillar may be nil; its routes then
// answer 404.
func NewServer(pass *passport.Service, pol *policy.Engine, led *ledger.Service,
	reg *registry.Service, det *detector.Service) *Server {
	return &Server{Passport: pass, Policy: pol, Ledger: led, Registry: reg, Detector: det}
}

// Routes builds the full mux with request-id tagging, per-IP rate
// limiting, and idempotent replay on mutating calls.
func (s *Server) Routes(limiter *GlobalRateLimiter, idem IdempotencyStorer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	if s.Passport != nil {
		mux.HandleFunc("/api/v1/passport/issue", s.handleIssue)
		mux.HandleFunc("/api/v1/passport/verify", s.handleVerify)
		mux.HandleFunc("/api/v1/passport/revoke", s.handleRevoke)
		mux.HandleFunc("/api/v1/passport/ban", s.handleBan)
		mux.HandleFunc("/api/v1/passport/trust-score", s.handleTrustScore)
		mux.HandleFunc("/api/v1/passport/refresh", s.handleRefresh)
	}
	if s.Policy != nil {
		mux.HandleFunc("/api/v1/policy/authorize", s.handleAuthorize)
		mux.HandleFunc("/api/v1/policy/authorize-many", s.handleAuthorizeMany)
		mux.HandleFunc("/api/v1/policy/invalidate-cache", s.handleInvalidateCache)
	}
	if s.Ledger != nil {
		mux.HandleFunc("/api/v1/ledger/commit", s.handleCommit)
		mux.HandleFunc("/api/v1/ledger/query", s.handleQuery)
		mux.HandleFunc("/api/v1/ledger/verify", s.handleVerifyChain)
		mux.HandleFunc("/api/v1/ledger/evidence", s.handleEvidence)
		mux.HandleFunc("/api/v1/ledger/disputes/open", s.handleOpenDispute)
		mux.HandleFunc("/api/v1/ledger/disputes/resolve", s.handleResolveDispute)
	}
	if s.Registry != nil {
		mux.HandleFunc("/api/v1/registry/nodes/register", s.handleRegisterNode)
		mux.HandleFunc("/api/v1/registry/nodes/heartbeat", s.handleHeartbeat)
		mux.HandleFunc("/api/v1/registry/nodes/suspend", s.handleSuspendNode)
		mux.HandleFunc("/api/v1/registry/nodes/veritas", s.handleMarkVeritas)
		mux.HandleFunc("/api/v1/registry/gpus/register", s.handleRegisterGPU)
		mux.HandleFunc("/api/v1/registry/discover", s.handleDiscover)
		mux.HandleFunc("/api/v1/registry/route", s.handleRoute)
		mux.HandleFunc("/api/v1/registry/release", s.handleRelease)
	}
	if s.Detector != nil {
		mux.HandleFunc("/api/v1/detector/evaluate", s.handleEvaluate)
		mux.HandleFunc("/api/v1/detector/risk-score", s.handleRiskScore)
		mux.HandleFunc("/api/v1/detector/incidents", s.handleIncidents)
		mux.HandleFunc("/api/v1/detector/incidents/false-positive", s.handleFalsePositive)
		mux.HandleFunc("/api/v1/detector/rules/add", s.handleAddRule)
		mux.HandleFunc("/api/v1/detector/rules/tune", s.handleTuneRule)
		mux.HandleFunc("/api/v1/detector/rules/seed", s.handleSeedRules)
		mux.HandleFunc("/api/v1/detector/emergency-halt", s.handleEmergencyHalt)
	}

	var handler http.Handler = mux
	if idem != nil {
		handler = IdempotencyMiddleware(idem)(handler)
	}
	if limiter != nil {
		handler = limiter.Middleware(handler)
	}
	return RequestID(handler)
}

// DefaultIdempotencyTTL is how long replayed responses stay valid.
const DefaultIdempotencyTTL = 24 * time.Hour

// decodeJSON decodes a capped JSON body, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return false
	}
	return true
}
