package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/flowforge/orchestrator/internal/graph"
	"github.com/flowforge/orchestrator/internal/policy"
	"github.com/flowforge/orchestrator/internal/store"
	"github.com/flowforge/orchestrator/pkg/orchestratorapi"
)

func ownerOf(r *http.Request) string {
	return r.Header.Get("X-Orchestrator-Owner")
}

func classificationOf(r *http.Request) string {
	return r.Header.Get("X-Orchestrator-Data-Classification")
}

// handleCreateAction plans a fresh DAG from root_prompt and persists the
// action together with its initial task set in one store call.
func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	principal, code, msg := s.auth.authorize(r, ownerOf(r), "submit")
	if code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	if !s.limiter.allow(principal.id, time.Now()) {
		writeError(w, http.StatusTooManyRequests, "submit rate limit exceeded")
		return
	}

	var req orchestratorapi.CreateActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RootPrompt == "" {
		writeError(w, http.StatusBadRequest, "root_prompt must not be empty")
		return
	}

	decision := s.policy.EvaluateSubmit(policy.SubmitInput{
		Owner:              ownerOf(r),
		DataClassification: classificationOf(r),
		RunningActions:     s.countRunningActions(r.Context(), ownerOf(r)),
	})
	if !decision.Allowed {
		writeError(w, http.StatusForbidden, decision.Message)
		return
	}

	specs, err := s.planner.Compile(r.Context(), req.RootPrompt, nil)
	if err != nil {
		writeError(w, http.StatusBadGateway, "planner failed: "+err.Error())
		return
	}

	title := req.Title
	if title == "" {
		title = req.RootPrompt
	}
	action, tasks, err := s.store.CreateAction(r.Context(), graph.Action{
		Title:      title,
		RootPrompt: req.RootPrompt,
		Status:     graph.ActionDraft,
	}, specsToTasks(specs))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toActionResponse(action, tasks))
}

func specsToTasks(specs []graph.TaskSpec) []graph.Task {
	out := make([]graph.Task, len(specs))
	for i, sp := range specs {
		out[i] = graph.Task{
			ID:           sp.ID,
			Prompt:       sp.Prompt,
			AgentType:    sp.AgentType,
			Model:        sp.Model,
			ModuleID:     sp.ModuleID,
			Status:       graph.TaskPending,
			Dependencies: sp.Dependencies,
		}
	}
	return out
}

func (s *Server) countRunningActions(ctx context.Context, owner string) int {
	actions, err := s.store.ListActions(ctx, store.ListActionsFilter{Status: graph.ActionRunning})
	if err != nil {
		return 0
	}
	return len(actions)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, code, msg := s.auth.authorize(r, ownerOf(r), "read"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	action, ok, err := s.store.GetAction(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(action, tasks))
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	if _, code, msg := s.auth.authorize(r, "", "read"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	filter := store.ListActionsFilter{Status: r.URL.Query().Get("status")}
	actions, err := s.store.ListActions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := orchestratorapi.ListActionsResponse{Actions: make([]orchestratorapi.ActionResponse, 0, len(actions))}
	for _, a := range actions {
		tasks, err := s.store.ListTasks(r.Context(), a.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Actions = append(resp.Actions, toActionResponse(a, tasks))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePatchAction updates title/root_prompt; a changed root_prompt
// triggers a full re-plan, replacing the task set the same way the
// external interface table specifies.
func (s *Server) handlePatchAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, code, msg := s.auth.authorize(r, ownerOf(r), "edit"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	action, ok, err := s.store.GetAction(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}

	var req orchestratorapi.PatchActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title != nil {
		action.Title = *req.Title
	}
	replan := req.RootPrompt != nil && *req.RootPrompt != action.RootPrompt
	if req.RootPrompt != nil {
		action.RootPrompt = *req.RootPrompt
	}
	if err := s.store.UpdateAction(r.Context(), action); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if replan {
		if err := s.replan(r.Context(), action); err != nil {
			writeError(w, http.StatusBadGateway, "planner failed: "+err.Error())
			return
		}
	}

	action, _, _ = s.store.GetAction(r.Context(), id)
	tasks, err := s.store.ListTasks(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(action, tasks))
}

// handleDeleteAction removes an action and, per the composition rule
// linking an action to its tasks, everything hanging off it: tasks,
// their outputs and artifacts. Refused while the action is running so a
// delete can never race an in-flight executor pass.
func (s *Server) handleDeleteAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, code, msg := s.auth.authorize(r, ownerOf(r), "edit"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	action, ok, err := s.store.GetAction(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	if action.Status == graph.ActionRunning {
		writeError(w, http.StatusConflict, "cannot delete an action while it is running")
		return
	}
	if err := s.store.DeleteAction(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) replan(ctx context.Context, action graph.Action) error {
	existing, err := s.store.ListTasks(ctx, action.ID)
	if err != nil {
		return err
	}
	specs, err := s.planner.Compile(ctx, action.RootPrompt, existing)
	if err != nil {
		return err
	}
	for _, t := range existing {
		if err := s.store.DeleteTask(ctx, t.ID); err != nil {
			return err
		}
	}
	created, err := s.store.CreateTasks(ctx, action.ID, specs)
	if err != nil {
		return err
	}
	for _, t := range created {
		s.bus.Publish(taskStatusEvent(action.ID, t.ID, graph.TaskPending))
	}
	return nil
}

func toActionResponse(a graph.Action, tasks []graph.Task) orchestratorapi.ActionResponse {
	out := orchestratorapi.ActionResponse{
		ID:             a.ID,
		Title:          a.Title,
		RootPrompt:     a.RootPrompt,
		Status:         a.Status,
		ParentActionID: a.ParentActionID,
		ParentTaskID:   a.ParentTaskID,
		Depth:          a.Depth,
		Tasks:          make([]orchestratorapi.TaskResponse, 0, len(tasks)),
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, toTaskResponse(t))
	}
	return out
}

func toTaskResponse(t graph.Task) orchestratorapi.TaskResponse {
	return orchestratorapi.TaskResponse{
		ID:            t.ID,
		ActionID:      t.ActionID,
		Prompt:        t.Prompt,
		AgentType:     t.AgentType,
		Model:         t.Model,
		ModuleID:      t.ModuleID,
		Status:        t.Status,
		Dependencies:  t.Dependencies,
		OutputSummary: t.OutputSummary,
		ArtifactIDs:   t.ArtifactIDs,
		SubActionID:   t.SubActionID,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}
