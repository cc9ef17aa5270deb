package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/graph"
	"github.com/flowforge/orchestrator/pkg/orchestratorapi"
)

// handleSubscribe opens a server-sent-events stream for one action: the
// first frame is a snapshot built from the current store state, then
// every subsequent bus event is translated into the named event table
// from the external interfaces section. Reconnect is full-snapshot-on
// connect; there is no resume cursor.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	actionID := r.PathValue("id")
	if _, code, msg := s.auth.authorize(r, ownerOf(r), "read"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	action, found, err := s.store.GetAction(r.Context(), actionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), actionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "snapshot", map[string]any{
		"action": toActionResponse(action, tasks),
		"tasks":  tasksOnly(tasks),
		"status": action.Status,
	})
	flusher.Flush()

	sub := s.bus.Subscribe(actionID)
	defer sub.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			name, payload := s.translateEvent(ev)
			if name == "" {
				continue
			}
			writeSSE(w, name, payload)
			flusher.Flush()
		}
	}
}

func tasksOnly(tasks []graph.Task) []orchestratorapi.TaskResponse {
	out := make([]orchestratorapi.TaskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = toTaskResponse(t)
	}
	return out
}

// translateEvent maps an internal eventbus.Event onto the SSE event
// table's name and payload keys. It returns an empty name for internal
// events that have no externally visible representation.
func (s *Server) translateEvent(ev eventbus.Event) (string, map[string]any) {
	switch ev.Kind {
	case eventbus.KindPing:
		return "ping", map[string]any{"ts": ev.CreatedAt}
	case eventbus.KindOverflow:
		return "lag", map[string]any{"action_id": ev.ActionID}
	case eventbus.KindActionStatus:
		status, _ := stringField(ev.Payload, "status")
		switch status {
		case graph.ActionRunning:
			return "action.started", map[string]any{"action_id": ev.ActionID}
		case graph.ActionCompleted:
			return "action.completed", map[string]any{"action_id": ev.ActionID}
		case graph.ActionFailed:
			return "action.failed", map[string]any{"action_id": ev.ActionID, "reason": "one or more tasks failed"}
		case "retrying":
			attempt, _ := anyField(ev.Payload, "attempt")
			return "action.retrying", map[string]any{"action_id": ev.ActionID, "attempt": attempt}
		}
		return "", nil
	case eventbus.KindTaskStatus:
		status, _ := stringField(ev.Payload, "status")
		switch status {
		case graph.TaskRunning:
			return "task.started", map[string]any{"task_id": ev.TaskID, "action_id": ev.ActionID}
		case graph.TaskFailed:
			errMsg, _ := stringField(ev.Payload, "error")
			return "task.failed", map[string]any{"task_id": ev.TaskID, "error": errMsg}
		case "retrying":
			attempt, _ := anyField(ev.Payload, "attempt")
			return "task.retrying", map[string]any{"task_id": ev.TaskID, "attempt": attempt, "max_attempts": s.taskRetryMaxAttempts}
		}
		return "", nil
	case eventbus.KindTaskOutput:
		summary, _ := anyField(ev.Payload, "output_summary")
		artifactIDs, _ := anyField(ev.Payload, "artifact_ids")
		return "task.completed", map[string]any{"task_id": ev.TaskID, "output_summary": summary, "artifact_ids": artifactIDs}
	case eventbus.KindTaskRecovered:
		return "task.recovered", map[string]any{"task_id": ev.TaskID}
	case eventbus.KindSubAction:
		subActionID, _ := stringField(ev.Payload, "sub_action_id")
		return "task.sub_action", map[string]any{"task_id": ev.TaskID, "action_id": ev.ActionID, "sub_action_id": subActionID}
	case eventbus.KindTaskLog:
		level, _ := anyField(ev.Payload, "level")
		message, _ := anyField(ev.Payload, "message")
		return "log.append", map[string]any{"task_id": ev.TaskID, "level": level, "message": message}
	default:
		return "", nil
	}
}

func stringField(payload any, key string) (string, bool) {
	v, ok := anyField(payload, key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func anyField(payload any, key string) (any, bool) {
	switch m := payload.(type) {
	case map[string]string:
		v, ok := m[key]
		return v, ok
	case map[string]any:
		v, ok := m[key]
		return v, ok
	default:
		return nil, false
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
}
