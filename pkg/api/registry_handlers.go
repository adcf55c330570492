package api

import (
	"net/http"

	"github.com/custodes-labs/custodes/pkg/registry"
)

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req registry.RegisterNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NodeID == "" || req.HostSubjectID == "" {
		WriteBadRequest(w, "Missing required fields: node_id, host_subject_id")
		return
	}
	node, err := s.Registry.RegisterNode(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

type heartbeatRequest struct {
	NodeID    string                       `json:"node_id"`
	Telemetry *registry.HeartbeatTelemetry `json:"telemetry,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		WriteBadRequest(w, "Missing required field: node_id")
		return
	}
	if err := s.Registry.Heartbeat(r.Context(), req.NodeID, req.Telemetry); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type suspendNodeRequest struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
	By     string `json:"by"`
}

func (s *Server) handleSuspendNode(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req suspendNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		WriteBadRequest(w, "Missing required field: node_id")
		return
	}
	if err := s.Registry.SuspendNode(r.Context(), req.NodeID, req.Reason, req.By); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}

type markVeritasRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) handleMarkVeritas(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req markVeritasRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		WriteBadRequest(w, "Missing required field: node_id")
		return
	}
	if err := s.Registry.MarkVeritasVerified(r.Context(), req.NodeID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (s *Server) handleRegisterGPU(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req registry.RegisterGPURequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NodeID == "" || req.GPUID == "" {
		WriteBadRequest(w, "Missing required fields: node_id, gpu_id")
		return
	}
	gpu, err := s.Registry.RegisterGPU(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, gpu)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var criteria registry.DiscoveryCriteria
	if !decodeJSON(w, r, &criteria) {
		return
	}
	results, err := s.Registry.Discover(r.Context(), criteria)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": results, "count": len(results)})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req registry.RouteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.JobID == "" {
		WriteBadRequest(w, "Missing required field: job_id")
		return
	}
	decision, err := s.Registry.Route(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, decision)
}

type releaseRequest struct {
	AllocationID string                    `json:"allocation_id"`
	FinalStatus  registry.AllocationStatus `json:"final_status"`
	ActualCost   float64                   `json:"actual_cost,omitempty"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req releaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AllocationID == "" {
		WriteBadRequest(w, "Missing required field: allocation_id")
		return
	}
	if err := s.Registry.Release(r.Context(), req.AllocationID, req.FinalStatus, req.ActualCost); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}
