package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/graph"
	"github.com/flowforge/orchestrator/internal/mutation"
	"github.com/flowforge/orchestrator/internal/policy"
	"github.com/flowforge/orchestrator/internal/store"
	"github.com/flowforge/orchestrator/pkg/orchestratorapi"
)

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	actionID := r.PathValue("id")
	principal, code, msg := s.auth.authorize(r, ownerOf(r), "edit")
	if code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	if !s.limiter.allow(principal.id, time.Now()) {
		writeError(w, http.StatusTooManyRequests, "submit rate limit exceeded")
		return
	}

	var req orchestratorapi.AddTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt must not be empty")
		return
	}
	agentType := req.AgentType
	if agentType == "" {
		agentType = "generic"
	}

	decision := s.policy.EvaluateTask(policy.TaskInput{
		Owner:              ownerOf(r),
		AgentType:          agentType,
		Model:              req.Model,
		DataClassification: classificationOf(r),
		RunningTasks:       s.countRunningTasks(r.Context(), actionID),
	})
	if !decision.Allowed {
		writeError(w, http.StatusForbidden, decision.Message)
		return
	}

	task, err := s.mutations.Add(r.Context(), actionID, graph.TaskSpec{
		Prompt:       req.Prompt,
		AgentType:    agentType,
		Model:        req.Model,
		ModuleID:     req.ModuleID,
		Dependencies: req.Dependencies,
	})
	if err != nil {
		writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResponse(task))
}

func (s *Server) countRunningTasks(ctx context.Context, actionID string) int {
	tasks, err := s.store.ListTasks(ctx, actionID)
	if err != nil {
		return 0
	}
	n := 0
	for _, t := range tasks {
		if t.Status == graph.TaskRunning {
			n++
		}
	}
	return n
}

// handleEditTask applies a patch and, per the mutation engine's
// invalidation rule, resets {task} ∪ transitive_dependents(task) to
// pending, cancelling any of them that were running.
func (s *Server) handleEditTask(w http.ResponseWriter, r *http.Request) {
	actionID := r.PathValue("id")
	taskID := r.PathValue("taskID")
	if _, code, msg := s.auth.authorize(r, ownerOf(r), "edit"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}

	var req orchestratorapi.EditTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	patch := store.TaskPatch{
		Prompt:       req.Prompt,
		AgentType:    req.AgentType,
		Model:        req.Model,
		ModuleID:     req.ModuleID,
		Dependencies: req.Dependencies,
	}
	task, err := s.mutations.Edit(r.Context(), actionID, taskID, patch)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

func writeMutationError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var validation *mutation.ValidationError
	var notFound *store.ErrNotFound
	var invalidTransition *store.ErrInvalidTransition
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleRunAction starts or resumes execution for an action. It is
// idempotent: a run already in flight for this action means the second
// call returns immediately without starting a competing Runner.Run.
func (s *Server) handleRunAction(w http.ResponseWriter, r *http.Request) {
	actionID := r.PathValue("id")
	principal, code, msg := s.auth.authorize(r, ownerOf(r), "submit")
	if code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	if !s.limiter.allow(principal.id, time.Now()) {
		writeError(w, http.StatusTooManyRequests, "submit rate limit exceeded")
		return
	}

	if s.running.start(actionID) {
		go func() {
			defer s.running.finish(actionID)
			s.prepareRetryIfFailed(context.Background(), actionID)
			if err := s.runner.Run(context.Background(), actionID); err != nil {
				log.Printf("action run %s ended with a fatal error: %v", actionID, err)
			}
		}()
	}
	writeJSON(w, http.StatusAccepted, orchestratorapi.RunActionResponse{Accepted: true, ActionID: actionID})
}

// prepareRetryIfFailed implements the operator-initiated action-level
// retry: re-running a terminally failed action first resets its failed
// tasks to pending (and their dependents) and publishes action.retrying
// with the attempt number, per the action-level retry behavior in the
// component design.
func (s *Server) prepareRetryIfFailed(ctx context.Context, actionID string) {
	action, ok, err := s.store.GetAction(ctx, actionID)
	if err != nil || !ok || action.Status != graph.ActionFailed {
		return
	}
	tasks, err := s.store.ListTasks(ctx, actionID)
	if err != nil {
		return
	}
	attempt := s.retryAttempts.next(actionID)
	s.bus.Publish(eventbus.Event{
		Kind:     eventbus.KindActionStatus,
		ActionID: actionID,
		Payload:  map[string]any{"status": "retrying", "attempt": attempt},
	})
	for _, t := range tasks {
		if t.Status == graph.TaskFailed {
			_ = s.mutations.Reset(ctx, actionID, t.ID)
		}
	}
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskID")
	if _, code, msg := s.auth.authorize(r, ownerOf(r), "read"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	logs, err := s.store.ListLogs(r.Context(), taskID, s.logRetentionPerTask)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := orchestratorapi.LogsResponse{TaskID: taskID, Logs: make([]orchestratorapi.LogEntryResponse, 0, len(logs))}
	for _, l := range logs {
		resp.Logs = append(resp.Logs, orchestratorapi.LogEntryResponse{
			ID:        l.ID,
			TaskID:    l.TaskID,
			Level:     l.Level,
			Message:   l.Message,
			Payload:   l.Payload,
			CreatedAt: l.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
