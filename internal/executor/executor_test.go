package executor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/artifact/fsstore"
	"github.com/flowforge/orchestrator/internal/errkind"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/graph"
	"github.com/flowforge/orchestrator/internal/store"
	"github.com/flowforge/orchestrator/internal/store/memstore"
)

// scriptedAgent returns a fixed sequence of results/errors per call,
// repeating the last entry once exhausted; used to drive the retry path
// deterministically.
type scriptedAgent struct {
	errs    []error
	results []agent.Result
	calls   int
}

func (a *scriptedAgent) Run(ctx context.Context, task agent.Task, inputs []agent.Input, logs agent.LogSink) (agent.Result, error) {
	i := a.calls
	a.calls++
	if i < len(a.errs) && a.errs[i] != nil {
		return agent.Result{}, a.errs[i]
	}
	if i < len(a.results) {
		return a.results[i], nil
	}
	return agent.Result{OutputSummary: "ok"}, nil
}

func newTestRunner(t *testing.T, registry *agent.Registry) (*Runner, store.Store) {
	t.Helper()
	st := memstore.New()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	opts := DefaultOptions()
	opts.TaskRetryBaseBackoff = time.Millisecond
	return New(st, bus, registry, opts), st
}

func seedLinearAction(t *testing.T, st store.Store, specs []graph.TaskSpec) graph.Action {
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

func TestRunCompletesLinearChain(t *testing.T) {
	generic := &scriptedAgent{}
	registry := agent.NewRegistry(generic)
	runner, st := newTestRunner(t, registry)

	action := seedLinearAction(t, st, []graph.TaskSpec{
		{ID: "a", Prompt: "first", AgentType: agent.GenericType},
		{ID: "b", Prompt: "second", AgentType: agent.GenericType, Dependencies: []string{"a"}},
	})

	if err := runner.Run(context.Background(), action.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	tasks, err := st.ListTasks(context.Background(), action.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	for _, task := range tasks {
		if task.Status != graph.TaskCompleted {
			t.Fatalf("expected task %s completed, got %s", task.ID, task.Status)
		}
	}

	got, _, err := st.GetAction(context.Background(), action.ID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if got.Status != graph.ActionCompleted {
		t.Fatalf("expected action completed, got %s", got.Status)
	}
}

func TestRunRetriesTransientFailureThenSucceeds(t *testing.T) {
	flaky := &scriptedAgent{errs: []error{errkind.Tag(errkind.Transient, errors.New("rate limited"))}}
	registry := agent.NewRegistry(&scriptedAgent{})
	registry.Register("flaky", flaky)
	runner, st := newTestRunner(t, registry)

	action := seedLinearAction(t, st, []graph.TaskSpec{
		{ID: "a", Prompt: "p", AgentType: "flaky"},
	})

	sub := runner.bus.Subscribe(action.ID)
	defer sub.Close()

	if err := runner.Run(context.Background(), action.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if flaky.calls != 2 {
		t.Fatalf("expected one retry (2 calls), got %d", flaky.calls)
	}
	task, _, err := st.GetTask(context.Background(), "a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != graph.TaskCompleted {
		t.Fatalf("expected task to complete after retry, got %s", task.Status)
	}

	var sawRetrying bool
drain:
	for {
		select {
		case ev := <-sub.Events():
			payload, ok := ev.Payload.(map[string]any)
			if !ok || payload["status"] != "retrying" {
				continue
			}
			sawRetrying = true
			if attempt := payload["attempt"]; attempt != 2 {
				t.Fatalf("expected retrying event to report the upcoming attempt 2, got %v", attempt)
			}
		default:
			break drain
		}
	}
	if !sawRetrying {
		t.Fatalf("expected a task.retrying event")
	}
}

func TestRunPersistsAgentArtifactsThroughConfiguredStore(t *testing.T) {
	producer := &scriptedAgent{results: []agent.Result{{
		OutputSummary: "wrote a report",
		Artifacts:     []agent.Artifact{{Name: "report.txt", ContentType: "text/plain", Data: []byte("hello artifact")}},
	}}}
	registry := agent.NewRegistry(&scriptedAgent{})
	registry.Register("reporter", producer)
	runner, st := newTestRunner(t, registry)
	blobs := fsstore.New(t.TempDir())
	runner.WithArtifactStore(blobs)

	action := seedLinearAction(t, st, []graph.TaskSpec{
		{ID: "a", Prompt: "p", AgentType: "reporter"},
	})

	if err := runner.Run(context.Background(), action.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	task, _, err := st.GetTask(context.Background(), "a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != graph.TaskCompleted {
		t.Fatalf("expected task completed, got %s", task.Status)
	}
	if len(task.ArtifactIDs) != 1 {
		t.Fatalf("expected one artifact id recorded on the task, got %v", task.ArtifactIDs)
	}

	art, ok, err := st.GetArtifact(context.Background(), task.ArtifactIDs[0])
	if err != nil || !ok {
		t.Fatalf("expected artifact metadata to exist, ok=%v err=%v", ok, err)
	}
	rc, err := blobs.Get(context.Background(), art.StorePath)
	if err != nil {
		t.Fatalf("get blob: %v", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(body) != "hello artifact" {
		t.Fatalf("expected blob content preserved, got %q", body)
	}
}

func TestRunFailsTaskWhenArtifactProducedWithNoStoreConfigured(t *testing.T) {
	producer := &scriptedAgent{results: []agent.Result{{
		OutputSummary: "wrote a report",
		Artifacts:     []agent.Artifact{{Name: "report.txt", ContentType: "text/plain", Data: []byte("hello")}},
	}}}
	registry := agent.NewRegistry(&scriptedAgent{})
	registry.Register("reporter", producer)
	runner, st := newTestRunner(t, registry)

	action := seedLinearAction(t, st, []graph.TaskSpec{
		{ID: "a", Prompt: "p", AgentType: "reporter"},
	})

	if err := runner.Run(context.Background(), action.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	task, _, err := st.GetTask(context.Background(), "a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != graph.TaskFailed {
		t.Fatalf("expected task to fail without an artifact store, got %s", task.Status)
	}
}

func TestRunDoesNotRetryPermanentFailureAndMarksActionFailed(t *testing.T) {
	broken := &scriptedAgent{errs: []error{errkind.Tag(errkind.Permanent, errors.New("bad prompt"))}}
	registry := agent.NewRegistry(&scriptedAgent{})
	registry.Register("broken", broken)
	runner, st := newTestRunner(t, registry)

	action := seedLinearAction(t, st, []graph.TaskSpec{
		{ID: "a", Prompt: "p", AgentType: "broken"},
	})

	if err := runner.Run(context.Background(), action.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if broken.calls != 1 {
		t.Fatalf("expected no retries for a permanent failure, got %d calls", broken.calls)
	}
	task, _, err := st.GetTask(context.Background(), "a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != graph.TaskFailed {
		t.Fatalf("expected task failed, got %s", task.Status)
	}
	got, _, err := st.GetAction(context.Background(), action.ID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if got.Status != graph.ActionFailed {
		t.Fatalf("expected action failed, got %s", got.Status)
	}
}

func TestRunCompletesDiamondOnlyAfterBothBranches(t *testing.T) {
	registry := agent.NewRegistry(&scriptedAgent{})
	runner, st := newTestRunner(t, registry)

	action := seedLinearAction(t, st, []graph.TaskSpec{
		{ID: "root", Prompt: "root", AgentType: agent.GenericType},
		{ID: "left", Prompt: "left", AgentType: agent.GenericType, Dependencies: []string{"root"}},
		{ID: "right", Prompt: "right", AgentType: agent.GenericType, Dependencies: []string{"root"}},
		{ID: "join", Prompt: "join", AgentType: agent.GenericType, Dependencies: []string{"left", "right"}},
	})

	if err := runner.Run(context.Background(), action.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	join, _, err := st.GetTask(context.Background(), "join")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if join.Status != graph.TaskCompleted {
		t.Fatalf("expected join task completed, got %s", join.Status)
	}
}

func TestInvalidateStopsAnInFlightRun(t *testing.T) {
	blocking := make(chan struct{})
	registry := agent.NewRegistry(&blockingAgent{unblock: blocking})
	runner, st := newTestRunner(t, registry)

	action := seedLinearAction(t, st, []graph.TaskSpec{
		{ID: "a", Prompt: "p", AgentType: agent.GenericType},
	})

	done := make(chan error, 1)
	go func() { done <- runner.Run(context.Background(), action.ID) }()

	// give the runner a moment to claim the task before invalidating.
	time.Sleep(20 * time.Millisecond)
	runner.Invalidate(action.ID)
	close(blocking)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after invalidation")
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
