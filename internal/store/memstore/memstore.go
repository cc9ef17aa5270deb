// Package memstore is an in-memory Store, used by default when no
// database is configured and in tests. It mirrors the locking and
// audit-hash-chaining pattern of the disk-backed store.
package memstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/graph"
	"github.com/flowforge/orchestrator/internal/store"
)

// AuditEvent is one hash-chained entry in the append-only audit trail:
// every mutation to an action's graph is recorded here, each event's hash
// covering the previous event's hash so the chain can be verified end to
// end.
type AuditEvent struct {
	ID        int64
	ActionID  string
	Kind      string
	Actor     string
	Detail    string
	PrevHash  string
	EventHash string
	CreatedAt time.Time
}

type Store struct {
	mu        sync.Mutex
	actions   map[string]graph.Action
	tasks     map[string]map[string]graph.Task
	artifacts map[string]graph.Artifact
	logs      map[string][]graph.LogEntry
	audits    []AuditEvent
	nextLogID int64
	nextAudID int64
}

func New() *Store {
	return &Store{
		actions:   make(map[string]graph.Action),
		tasks:     make(map[string]map[string]graph.Task),
		artifacts: make(map[string]graph.Artifact),
		logs:      make(map[string][]graph.LogEntry),
		nextLogID: 1,
		nextAudID: 1,
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateAction(_ context.Context, action graph.Action, tasks []graph.Task) (graph.Action, []graph.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.Status == "" {
		action.Status = graph.ActionDraft
	}
	action.CreatedAt, action.UpdatedAt = now, now

	out := make([]graph.Task, len(tasks))
	byID := make(map[string]graph.Task, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.ActionID = action.ID
		if t.Status == "" {
			t.Status = graph.TaskPending
		}
		t.CreatedAt, t.UpdatedAt = now, now
		out[i] = t
		byID[t.ID] = t
	}

	s.actions[action.ID] = action
	s.tasks[action.ID] = byID
	s.appendAudit(action.ID, "action.created", "system", action.Title)
	return action, out, nil
}

func (s *Store) GetAction(_ context.Context, actionID string) (graph.Action, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[actionID]
	return a, ok, nil
}

func (s *Store) ListActions(_ context.Context, filter store.ListActionsFilter) ([]graph.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]graph.Action, 0, len(s.actions))
	for _, a := range s.actions {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) UpdateAction(_ context.Context, action graph.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[action.ID]; !ok {
		return &store.ErrNotFound{What: "action " + action.ID}
	}
	action.UpdatedAt = time.Now().UTC()
	s.actions[action.ID] = action
	return nil
}

// DeleteAction removes an action along with its tasks and everything a
// task owns: log lines and artifacts. Mirrors the CASCADE foreign keys
// pgstore relies on for the same composition rule.
func (s *Store) DeleteAction(_ context.Context, actionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for taskID := range s.tasks[actionID] {
		delete(s.logs, taskID)
		for artID, art := range s.artifacts {
			if art.TaskID == taskID {
				delete(s.artifacts, artID)
			}
		}
	}
	delete(s.actions, actionID)
	delete(s.tasks, actionID)
	s.appendAudit(actionID, "action.deleted", "system", "")
	return nil
}

func (s *Store) CreateTasks(_ context.Context, actionID string, specs []graph.TaskSpec) ([]graph.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.tasks[actionID]
	if !ok {
		return nil, &store.ErrNotFound{What: "action " + actionID}
	}
	now := time.Now().UTC()
	out := make([]graph.Task, 0, len(specs))
	for _, spec := range specs {
		id := spec.ID
		if id == "" {
			id = uuid.NewString()
		}
		t := graph.Task{
			ID:           id,
			ActionID:     actionID,
			Prompt:       spec.Prompt,
			AgentType:    spec.AgentType,
			Model:        spec.Model,
			ModuleID:     spec.ModuleID,
			Status:       graph.TaskPending,
			Dependencies: append([]string(nil), spec.Dependencies...),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		byID[t.ID] = t
		out = append(out, t)
	}
	s.appendAudit(actionID, "tasks.created", "system", fmt.Sprintf("%d tasks", len(specs)))
	return out, nil
}

func (s *Store) ListTasks(_ context.Context, actionID string) ([]graph.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.tasks[actionID]
	out := make([]graph.Task, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) GetTask(_ context.Context, taskID string) (graph.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, byID := range s.tasks {
		if t, ok := byID[taskID]; ok {
			return t, true, nil
		}
	}
	return graph.Task{}, false, nil
}

func (s *Store) UpdateTask(_ context.Context, task graph.Task, patch store.TaskPatch) (graph.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.tasks[task.ActionID]
	if !ok {
		return graph.Task{}, &store.ErrNotFound{What: "action " + task.ActionID}
	}
	cur, ok := byID[task.ID]
	if !ok {
		return graph.Task{}, &store.ErrNotFound{What: "task " + task.ID}
	}
	if patch.Prompt != nil {
		cur.Prompt = *patch.Prompt
	}
	if patch.AgentType != nil {
		cur.AgentType = *patch.AgentType
	}
	if patch.Model != nil {
		cur.Model = *patch.Model
	}
	if patch.ModuleID != nil {
		cur.ModuleID = *patch.ModuleID
	}
	if patch.Dependencies != nil {
		cur.Dependencies = append([]string(nil), (*patch.Dependencies)...)
	}
	cur.UpdatedAt = time.Now().UTC()
	byID[task.ID] = cur
	s.appendAudit(task.ActionID, "task.edited", "operator", task.ID)
	return cur, nil
}

// SetTaskSubAction records that a "sub_action" task has spawned a child
// action, so the mutation engine and API can surface the link without
// scanning every action for a matching ParentTaskID.
func (s *Store) SetTaskSubAction(_ context.Context, taskID, subActionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for actionID, byID := range s.tasks {
		if t, ok := byID[taskID]; ok {
			t.SubActionID = subActionID
			t.UpdatedAt = time.Now().UTC()
			byID[taskID] = t
			s.appendAudit(actionID, "task.sub_action", "executor", taskID+" -> "+subActionID)
			return nil
		}
	}
	return &store.ErrNotFound{What: "task " + taskID}
}

func (s *Store) SetTaskStatus(_ context.Context, taskID string, newStatus string, result store.TaskResult) (graph.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for actionID, byID := range s.tasks {
		cur, ok := byID[taskID]
		if !ok {
			continue
		}
		if !store.ValidTransition(cur.Status, newStatus) {
			return graph.Task{}, &store.ErrInvalidTransition{From: cur.Status, To: newStatus}
		}
		cur.Status = newStatus
		cur.UpdatedAt = time.Now().UTC()
		if newStatus == graph.TaskCompleted {
			cur.OutputSummary = result.OutputSummary
			cur.ArtifactIDs = result.ArtifactIDs
		}
		byID[taskID] = cur
		s.appendAudit(actionID, "task.status", "executor", taskID+" -> "+newStatus)
		return cur, nil
	}
	return graph.Task{}, &store.ErrNotFound{What: "task " + taskID}
}

func (s *Store) ResetTasks(_ context.Context, taskIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		want[id] = true
	}
	for actionID, byID := range s.tasks {
		touched := false
		for id, t := range byID {
			if !want[id] {
				continue
			}
			t.Status = graph.TaskPending
			t.OutputSummary = ""
			t.ArtifactIDs = nil
			t.UpdatedAt = time.Now().UTC()
			byID[id] = t
			touched = true
		}
		if touched {
			s.appendAudit(actionID, "tasks.reset", "mutation", fmt.Sprintf("%d tasks", len(taskIDs)))
		}
	}
	return nil
}

func (s *Store) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for actionID, byID := range s.tasks {
		if _, ok := byID[taskID]; ok {
			delete(byID, taskID)
			s.appendAudit(actionID, "task.deleted", "mutation", taskID)
			return nil
		}
	}
	return &store.ErrNotFound{What: "task " + taskID}
}

func (s *Store) AppendLog(_ context.Context, entry graph.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.nextLogID
	s.nextLogID++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.logs[entry.TaskID] = append(s.logs[entry.TaskID], entry)
	return nil
}

func (s *Store) ListLogs(_ context.Context, taskID string, limit int) ([]graph.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.logs[taskID]
	if limit <= 0 || limit >= len(all) {
		return append([]graph.LogEntry(nil), all...), nil
	}
	start := len(all) - limit
	return append([]graph.LogEntry(nil), all[start:]...), nil
}

func (s *Store) PutArtifact(_ context.Context, artifact graph.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	s.artifacts[artifact.ID] = artifact
	return nil
}

func (s *Store) GetArtifact(_ context.Context, artifactID string) (graph.Artifact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[artifactID]
	return a, ok, nil
}

// AuditTrail returns the hash-chained audit log for an action, oldest
// first, for operator inspection and chain-integrity verification.
func (s *Store) AuditTrail(actionID string) []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, 0)
	for _, e := range s.audits {
		if e.ActionID == actionID {
			out = append(out, e)
		}
	}
	return out
}

// appendAudit must be called with s.mu held.
func (s *Store) appendAudit(actionID, kind, actor, detail string) {
	e := AuditEvent{
		ID:        s.nextAudID,
		ActionID:  actionID,
		Kind:      kind,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	for i := len(s.audits) - 1; i >= 0; i-- {
		if s.audits[i].ActionID == actionID {
			e.PrevHash = s.audits[i].EventHash
			break
		}
	}
	e.EventHash = computeAuditHash(e)
	s.nextAudID++
	s.audits = append(s.audits, e)
}

func computeAuditHash(e AuditEvent) string {
	payload := map[string]any{
		"action_id":  e.ActionID,
		"kind":       e.Kind,
		"actor":      e.Actor,
		"detail":     e.Detail,
		"prev_hash":  e.PrevHash,
		"created_at": e.CreatedAt.UnixNano(),
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
