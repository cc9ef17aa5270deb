package mutation

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/executor"
	"github.com/flowforge/orchestrator/internal/graph"
	"github.com/flowforge/orchestrator/internal/store"
	"github.com/flowforge/orchestrator/internal/store/memstore"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st := memstore.New()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	runs := executor.New(st, bus, agent.NewRegistry(&noopAgent{}), executor.DefaultOptions())
	return New(st, bus, runs), st
}

type noopAgent struct{}

func (noopAgent) Run(context.Context, agent.Task, []agent.Input, agent.LogSink) (agent.Result, error) {
	return agent.Result{OutputSummary: "ok"}, nil
}

func seed(t *testing.T, st store.Store, specs []graph.TaskSpec) graph.Action {
	t.Helper()
	action, _, err := st.CreateAction(context.Background(), graph.Action{Title: "t", RootPrompt: "p"}, nil)
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if _, err := st.CreateTasks(context.Background(), action.ID, specs); err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	return action
}

func TestAddRejectsDependencyOnMissingTask(t *testing.T) {
	eng, st := newTestEngine(t)
	action := seed(t, st, []graph.TaskSpec{{ID: "a", Prompt: "p", AgentType: agent.GenericType}})

	_, err := eng.Add(context.Background(), action.ID, graph.TaskSpec{ID: "b", Prompt: "q", AgentType: agent.GenericType, Dependencies: []string{"missing"}})
	if err == nil {
		t.Fatal("expected an error for a dependency on a missing task")
	}
}

func TestEditInvalidatesTransitiveDependents(t *testing.T) {
	eng, st := newTestEngine(t)
	action := seed(t, st, []graph.TaskSpec{
		{ID: "a", Prompt: "first", AgentType: agent.GenericType},
		{ID: "b", Prompt: "second", AgentType: agent.GenericType, Dependencies: []string{"a"}},
		{ID: "c", Prompt: "third", AgentType: agent.GenericType, Dependencies: []string{"b"}},
	})
	// advance a and b to completed to simulate a finished prefix.
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

	newPrompt := "second, revised"
	if _, err := eng.Edit(context.Background(), action.ID, "b", store.TaskPatch{Prompt: &newPrompt}); err != nil {
		t.Fatalf("edit: %v", err)
	}

	tasks, err := st.ListTasks(context.Background(), action.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	byID := make(map[string]graph.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	if byID["a"].Status != graph.TaskCompleted {
		t.Fatalf("expected a (not in invalidation set) to stay completed, got %s", byID["a"].Status)
	}
	if byID["b"].Status != graph.TaskPending || byID["b"].OutputSummary != "" {
		t.Fatalf("expected b reset to pending with output cleared, got %+v", byID["b"])
	}
	if byID["c"].Status != graph.TaskPending {
		t.Fatalf("expected c (transitive dependent) reset to pending, got %s", byID["c"].Status)
	}
}

func TestEditRejectsCyclicDependencies(t *testing.T) {
	eng, st := newTestEngine(t)
	action := seed(t, st, []graph.TaskSpec{
		{ID: "a", Prompt: "first", AgentType: agent.GenericType},
		{ID: "b", Prompt: "second", AgentType: agent.GenericType, Dependencies: []string{"a"}},
	})

	cyclic := []string{"b"}
	if _, err := eng.Edit(context.Background(), action.ID, "a", store.TaskPatch{Dependencies: &cyclic}); err == nil {
		t.Fatal("expected cyclic edit to be rejected")
	}
}

func TestDeleteRejectsTaskWithDependents(t *testing.T) {
	eng, st := newTestEngine(t)
	action := seed(t, st, []graph.TaskSpec{
		{ID: "a", Prompt: "first", AgentType: agent.GenericType},
		{ID: "b", Prompt: "second", AgentType: agent.GenericType, Dependencies: []string{"a"}},
	})

	if err := eng.Delete(context.Background(), action.ID, "a"); err == nil {
		t.Fatal("expected delete of a task with dependents to be rejected")
	}
}

func TestCancelTaskDuringEditMarksCompletionStale(t *testing.T) {
	st := memstore.New()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	blocking := make(chan struct{})
	runs := executor.New(st, bus, agent.NewRegistry(&blockingAgent{unblock: blocking}), executor.DefaultOptions())
	eng := New(st, bus, runs)

	action := seed(t, st, []graph.TaskSpec{{ID: "a", Prompt: "p", AgentType: agent.GenericType}})

	done := make(chan error, 1)
	go func() { done <- runs.Run(context.Background(), action.ID) }()
	time.Sleep(20 * time.Millisecond)

	if err := eng.Reset(context.Background(), action.ID, "a"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	close(blocking)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	task, _, err := st.GetTask(context.Background(), "a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != graph.TaskPending {
		t.Fatalf("expected task reset to pending, got %s", task.Status)
	}
}

type blockingAgent struct {
	unblock <-chan struct{}
}

func (a *blockingAgent) Run(ctx context.Context, task agent.Task, inputs []agent.Input, logs agent.LogSink) (agent.Result, error) {
	select {
	case <-a.unblock:
		return agent.Result{OutputSummary: "ok"}, nil
	case <-ctx.Done():
		return agent.Result{}, agent.ErrCancelled
	}
}
