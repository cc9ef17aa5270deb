package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/executor"
	"github.com/flowforge/orchestrator/internal/graph"
	"github.com/flowforge/orchestrator/internal/mutation"
	"github.com/flowforge/orchestrator/internal/planner"
	"github.com/flowforge/orchestrator/internal/store"
	"github.com/flowforge/orchestrator/internal/store/memstore"
	"github.com/flowforge/orchestrator/pkg/orchestratorapi"
)

// instantAgent completes every task immediately, letting run-lifecycle
// tests reach a terminal action status without sleeping on real work.
type instantAgent struct{}

func (instantAgent) Run(ctx context.Context, task agent.Task, inputs []agent.Input, logs agent.LogSink) (agent.Result, error) {
	return agent.Result{OutputSummary: "done: " + task.Prompt}, nil
}

func newTestServer(t *testing.T) (*Server, store.Store, *eventbus.Bus) {
	t.Helper()
	st := memstore.New()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	registry := agent.NewRegistry(instantAgent{})
	opts := executor.DefaultOptions()
	opts.TaskRetryBaseBackoff = time.Millisecond
	runner := executor.New(st, bus, registry, opts)
	mutations := mutation.New(st, bus, runner)
	completer := &planner.StaticCompleter{Responses: []string{
		`{"tasks":[{"prompt":"step one","agent_type":"generic","dependencies":[]}]}`,
	}}
	pl := planner.New(completer, registry, 8, 2)
	s := NewServer(Deps{
		Store:                st,
		Bus:                  bus,
		Runner:               runner,
		Mutations:            mutations,
		Planner:              pl,
		Artifacts:            nil,
		TaskRetryMaxAttempts: 3,
		LogRetentionPerTask:  100,
	})
	return s, st, bus
}

func TestCreateActionPlansAndPersistsTasks(t *testing.T) {
	s, _, _ := newTestServer(t)

	body, _ := json.Marshal(orchestratorapi.CreateActionRequest{RootPrompt: "write a summary"})
	req := httptest.NewRequest(http.MethodPost, "/v1/actions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp orchestratorapi.ActionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].Prompt != "step one" {
		t.Fatalf("expected one planned task from the plan document, got %+v", resp.Tasks)
	}
	if resp.Status != graph.ActionDraft {
		t.Fatalf("expected a freshly created action to be in draft, got %s", resp.Status)
	}
}

func TestRunActionDrivesToCompletion(t *testing.T) {
	s, st, _ := newTestServer(t)

	action, _, err := st.CreateAction(context.Background(), graph.Action{Title: "t", RootPrompt: "p"}, nil)
	if err != nil {
		t.Fatalf("seed action: %v", err)
	}
	if _, err := st.CreateTasks(context.Background(), action.ID, []graph.TaskSpec{
		{ID: "a", Prompt: "first", AgentType: agent.GenericType},
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/actions/"+action.ID+"/run", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	deadline := time.After(2 * time.Second)
	for {
		got, _, err := st.GetAction(context.Background(), action.ID)
		if err != nil {
			t.Fatalf("get action: %v", err)
		}
		if got.Status == graph.ActionCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("action did not complete in time, last status %s", got.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEditTaskResetsDependents(t *testing.T) {
	s, st, _ := newTestServer(t)

	action, _, err := st.CreateAction(context.Background(), graph.Action{Title: "t", RootPrompt: "p"}, nil)
	if err != nil {
		t.Fatalf("seed action: %v", err)
	}
	if _, err := st.CreateTasks(context.Background(), action.ID, []graph.TaskSpec{
		{ID: "a", Prompt: "first", AgentType: agent.GenericType},
		{ID: "b", Prompt: "second", AgentType: agent.GenericType, Dependencies: []string{"a"}},
	}); err != nil {
		t.Fatalf("seed tasks: %v", err)
	}
	if _, err := st.SetTaskStatus(context.Background(), "a", graph.TaskRunning, store.TaskResult{}); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	if _, err := st.SetTaskStatus(context.Background(), "a", graph.TaskCompleted, store.TaskResult{OutputSummary: "x"}); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if _, err := st.SetTaskStatus(context.Background(), "b", graph.TaskRunning, store.TaskResult{}); err != nil {
		t.Fatalf("claim b: %v", err)
	}
	if _, err := st.SetTaskStatus(context.Background(), "b", graph.TaskCompleted, store.TaskResult{OutputSummary: "y"}); err != nil {
		t.Fatalf("complete b: %v", err)
	}

	patch, _ := json.Marshal(orchestratorapi.EditTaskRequest{Prompt: strPtr("first, revised")})
	req := httptest.NewRequest(http.MethodPatch, "/v1/actions/"+action.ID+"/tasks/a", bytes.NewReader(patch))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	taskB, _, err := st.GetTask(context.Background(), "b")
	if err != nil {
		t.Fatalf("get task b: %v", err)
	}
	if taskB.Status != graph.TaskPending {
		t.Fatalf("expected b (dependent on the edited task) reset to pending, got %s", taskB.Status)
	}
}

func TestDeleteActionRemovesActionAndTasks(t *testing.T) {
	s, st, _ := newTestServer(t)

	body, _ := json.Marshal(orchestratorapi.CreateActionRequest{RootPrompt: "write a summary"})
	req := httptest.NewRequest(http.MethodPost, "/v1/actions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var created orchestratorapi.ActionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/v1/actions/"+created.ID, nil)
	delRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", delRec.Code, delRec.Body.String())
	}

	if _, ok, err := st.GetAction(context.Background(), created.ID); err != nil || ok {
		t.Fatalf("expected action to be gone, ok=%v err=%v", ok, err)
	}
	tasks, err := st.ListTasks(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks left for deleted action, got %d", len(tasks))
	}
}

func TestDeleteActionRefusedWhileRunning(t *testing.T) {
	s, st, _ := newTestServer(t)
	action, _, err := st.CreateAction(context.Background(), graph.Action{Title: "t", RootPrompt: "p", Status: graph.ActionRunning}, nil)
	if err != nil {
		t.Fatalf("create action: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/actions/"+action.ID, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while action is running, got %d", rec.Code)
	}
}

func TestGetActionNotFoundReturns404(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/actions/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func strPtr(s string) *string { return &s }
