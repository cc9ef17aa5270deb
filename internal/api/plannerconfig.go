package api

import (
	"encoding/json"
	"net/http"

	"github.com/flowforge/orchestrator/pkg/orchestratorapi"
)

// handleGetPlannerConfig reports the planner's live max_tasks/max_retries,
// the two knobs an operator can retune without a restart.
func (s *Server) handleGetPlannerConfig(w http.ResponseWriter, r *http.Request) {
	if _, code, msg := s.auth.authorize(r, "", "read"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	if s.planner == nil {
		writeError(w, http.StatusNotImplemented, "planner is not configured on this server")
		return
	}
	cfg := s.planner.GetConfig()
	writeJSON(w, http.StatusOK, orchestratorapi.PlannerConfigResponse{MaxTasks: cfg.MaxTasks, MaxRetries: cfg.MaxRetries})
}

// handleUpdatePlannerConfig changes the planner's live config. It takes
// effect on the next Compile call; a plan already in flight keeps the
// config it started with. Requires the operator scope, the same bar as
// registering an agent definition, since it changes how every future
// action gets decomposed.
func (s *Server) handleUpdatePlannerConfig(w http.ResponseWriter, r *http.Request) {
	principal, code, msg := s.auth.authorize(r, "", "")
	if code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	if !principal.hasScope("operator") {
		writeError(w, http.StatusForbidden, "updating planner config requires the operator scope")
		return
	}
	if s.planner == nil {
		writeError(w, http.StatusNotImplemented, "planner is not configured on this server")
		return
	}

	var req orchestratorapi.UpdatePlannerConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg := s.planner.GetConfig()
	if req.MaxTasks != nil {
		cfg.MaxTasks = *req.MaxTasks
	}
	if req.MaxRetries != nil {
		cfg.MaxRetries = *req.MaxRetries
	}
	if err := s.planner.UpdateConfig(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orchestratorapi.PlannerConfigResponse(cfg))
}

// handlePreviewPlan runs the planner against a candidate root prompt and
// (optionally) candidate max_tasks/max_retries, returning the task DAG
// it would produce without creating an action or touching the live
// planner config. Useful for an operator trying out a config change or
// a prompt before committing either.
func (s *Server) handlePreviewPlan(w http.ResponseWriter, r *http.Request) {
	if _, code, msg := s.auth.authorize(r, "", "read"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	if s.planner == nil {
		writeError(w, http.StatusNotImplemented, "planner is not configured on this server")
		return
	}

	var req orchestratorapi.PreviewPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RootPrompt == "" {
		writeError(w, http.StatusBadRequest, "root_prompt must not be empty")
		return
	}

	candidate := s.planner.GetConfig()
	if req.MaxTasks != nil {
		candidate.MaxTasks = *req.MaxTasks
	}
	if req.MaxRetries != nil {
		candidate.MaxRetries = *req.MaxRetries
	}

	specs, err := s.planner.Preview(r.Context(), req.RootPrompt, nil, candidate)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]orchestratorapi.PlanTaskResponse, len(specs))
	for i, spec := range specs {
		out[i] = orchestratorapi.PlanTaskResponse{
			ID:           spec.ID,
			Prompt:       spec.Prompt,
			AgentType:    spec.AgentType,
			Model:        spec.Model,
			Dependencies: spec.Dependencies,
		}
	}
	writeJSON(w, http.StatusOK, orchestratorapi.PreviewPlanResponse{Tasks: out})
}
