// Package executor drives one action's DAG to completion: it computes
// the ready set from dependency status, runs ready tasks concurrently
// under a bounded semaphore, retries transient agent failures with
// exponential backoff and full jitter, and publishes every status
// change to the event bus. A graph mutation (edit, delete, reset)
// cancels the affected in-flight tasks with CancelTask and the run picks
// up the reset tasks on its next pass; Invalidate cancels a whole run's
// context. Per-run claim generations and per-task claim tokens let a run
// recognize that its own stale completions should be discarded rather
// than applied to state a newer run or attempt now owns.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/artifact"
	"github.com/flowforge/orchestrator/internal/errkind"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/graph"
	"github.com/flowforge/orchestrator/internal/models"
	"github.com/flowforge/orchestrator/internal/observability"
	"github.com/flowforge/orchestrator/internal/store"
)

// Options configures a Runner's concurrency and retry behavior, set from
// the options table (max_concurrent_tasks_per_action,
// task_retry_max_attempts, task_retry_base_backoff_ms,
// task_timeout_seconds).
type Options struct {
	MaxConcurrentTasksPerAction int64
	TaskRetryMaxAttempts        int
	TaskRetryBaseBackoff        time.Duration
	TaskTimeout                 time.Duration
}

// DefaultOptions mirrors the spec's default values.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentTasksPerAction: 8,
		TaskRetryMaxAttempts:        3,
		TaskRetryBaseBackoff:        500 * time.Millisecond,
		TaskTimeout:                 5 * time.Minute,
	}
}

// Runner drives actions to completion against a Store, an event Bus and
// an agent Registry. One Runner is shared by every action; per-action
// state lives only for the lifetime of Run.
type Runner struct {
	store     store.Store
	bus       *eventbus.Bus
	registry  *agent.Registry
	opts      Options
	models    *models.Router
	artifacts artifact.Store

	mu         sync.Mutex
	claims     map[string]int64 // actionID -> current claim generation
	cancel     map[string]context.CancelFunc
	taskClaim  map[string]string             // taskID -> current claim token
	taskCancel map[string]context.CancelFunc // taskID -> cancel for its in-flight attempt
}

func New(st store.Store, bus *eventbus.Bus, registry *agent.Registry, opts Options) *Runner {
	if opts.MaxConcurrentTasksPerAction <= 0 {
		opts.MaxConcurrentTasksPerAction = DefaultOptions().MaxConcurrentTasksPerAction
	}
	if opts.TaskRetryMaxAttempts <= 0 {
		opts.TaskRetryMaxAttempts = DefaultOptions().TaskRetryMaxAttempts
	}
	if opts.TaskRetryBaseBackoff <= 0 {
		opts.TaskRetryBaseBackoff = DefaultOptions().TaskRetryBaseBackoff
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultOptions().TaskTimeout
	}
	return &Runner{
		store:      st,
		bus:        bus,
		registry:   registry,
		opts:       opts,
		models:     models.NewDefaultRouter(),
		claims:     make(map[string]int64),
		cancel:     make(map[string]context.CancelFunc),
		taskClaim:  make(map[string]string),
		taskCancel: make(map[string]context.CancelFunc),
	}
}

// WithModelRouter replaces the default model router, used by
// cmd/orchestratord to wire an operator-configured routing file loaded
// via models.LoadFromEnv.
func (r *Runner) WithModelRouter(router *models.Router) *Runner {
	if router != nil {
		r.models = router
	}
	return r
}

// WithArtifactStore attaches the blob store completeTask writes agent
// output artifacts through. Without one, a task whose agent produces
// artifacts fails rather than silently discarding them.
func (r *Runner) WithArtifactStore(blobs artifact.Store) *Runner {
	if blobs != nil {
		r.artifacts = blobs
	}
	return r
}

// Invalidate cancels any in-flight run for actionID and bumps its claim
// generation, so that goroutines from the superseded run recognize their
// own completions as stale and discard them instead of writing over
// state the new run owns. The mutation engine does not call it; it
// cancels individual tasks with CancelTask instead.
func (r *Runner) Invalidate(actionID string) {
	r.mu.Lock()
	r.claims[actionID]++
	cancel := r.cancel[actionID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) currentClaim(actionID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claims[actionID]
}

func (r *Runner) bumpClaim(actionID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims[actionID]++
	return r.claims[actionID]
}

// claimTask stamps a fresh claim token on taskID for one execution
// attempt and derives a per-task cancellable context from parent, so a
// later CancelTask can interrupt this attempt specifically without
// aborting the rest of the run.
func (r *Runner) claimTask(parent context.Context, taskID string) (context.Context, string) {
	token := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.taskClaim[taskID] = token
	r.taskCancel[taskID] = cancel
	r.mu.Unlock()
	return ctx, token
}

// taskClaimCurrent reports whether token is still the live claim for
// taskID, i.e. no CancelTask or newer claim has superseded it since.
func (r *Runner) taskClaimCurrent(taskID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taskClaim[taskID] == token
}

func (r *Runner) releaseTask(taskID, token string) {
	r.mu.Lock()
	if r.taskClaim[taskID] == token {
		delete(r.taskClaim, taskID)
		delete(r.taskCancel, taskID)
	}
	r.mu.Unlock()
}

// CancelTask cooperatively interrupts taskID's in-flight agent
// invocation, if any, and invalidates its claim token. A completion
// that was already in flight when this is called is recognized as
// stale at commit time (the token no longer matches) and discarded
// instead of persisted, with a task.recovered event telling clients to
// refetch. The mutation engine calls this for every running task in an
// edit's invalidation set before resetting it to pending.
func (r *Runner) CancelTask(actionID, taskID string) {
	r.mu.Lock()
	cancel := r.taskCancel[taskID]
	delete(r.taskClaim, taskID)
	delete(r.taskCancel, taskID)
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives actionID's DAG until every task reaches a terminal status
// or the run is invalidated. It is safe to call concurrently for
// different actions; calling it twice for the same action without an
// intervening Invalidate is a caller error (the second call's claim
// immediately supersedes the first's writes).
func (r *Runner) Run(ctx context.Context, actionID string) error {
	claim := r.bumpClaim(actionID)
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel[actionID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.cancel[actionID] != nil {
			delete(r.cancel, actionID)
		}
		r.mu.Unlock()
		cancel()
	}()

	action, ok, err := r.store.GetAction(runCtx, actionID)
	if err != nil {
		return err
	}
	if !ok {
		return &store.ErrNotFound{What: "action " + actionID}
	}

	runCtx, span := observability.StartActionSpan(runCtx, "executor.run_action", action,
		attribute.Int64("flowforge.action.claim", claim))
	defer span.End()

	if action.Status != graph.ActionRunning {
		action.Status = graph.ActionRunning
		if err := r.store.UpdateAction(runCtx, action); err != nil {
			return err
		}
	}
	r.bus.Publish(eventbus.Event{Kind: eventbus.KindActionStatus, ActionID: actionID, Payload: map[string]string{"status": graph.ActionRunning}})

	sem := semaphore.NewWeighted(r.opts.MaxConcurrentTasksPerAction)
	group, gctx := errgroup.WithContext(runCtx)

	inFlight := make(map[string]bool)
	var mu sync.Mutex

schedule:
	for {
		if gctx.Err() != nil {
			break schedule
		}
		tasks, err := r.store.ListTasks(runCtx, actionID)
		if err != nil {
			return err
		}
		if r.currentClaim(actionID) != claim {
			return nil // superseded by a later run
		}

		mu.Lock()
		ready := readyTasks(tasks, inFlight)
		for _, t := range ready {
			inFlight[t.ID] = true
		}
		mu.Unlock()

		if len(ready) == 0 {
			if !hasInFlight(inFlight) {
				break schedule
			}
			select {
			case <-gctx.Done():
				break schedule
			case <-time.After(50 * time.Millisecond):
				continue schedule
			}
		}

		for _, t := range ready {
			t := t
			if err := sem.Acquire(gctx, 1); err != nil {
				break schedule
			}
			group.Go(func() error {
				defer sem.Release(1)
				defer func() {
					mu.Lock()
					delete(inFlight, t.ID)
					mu.Unlock()
				}()
				return r.runTask(gctx, actionID, claim, t)
			})
		}
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		observability.Default.IncCounter("executor_run_errors_total", observability.ActionLabels(actionID), 1)
	}

	if r.currentClaim(actionID) != claim {
		return nil
	}
	return r.finalizeAction(runCtx, actionID)
}

func isInvalidTransition(err error) bool {
	var invalid *store.ErrInvalidTransition
	return errors.As(err, &invalid)
}

func hasInFlight(inFlight map[string]bool) bool {
	for _, v := range inFlight {
		if v {
			return true
		}
	}
	return false
}

// readyTasks returns pending tasks whose dependencies are all completed
// and that are not already in flight, in the DAG's stable admission
// order (insertion order among ties).
func readyTasks(tasks []graph.Task, inFlight map[string]bool) []graph.Task {
	ordered, err := graph.TopologicalOrder(tasks)
	if err != nil {
		return nil
	}
	out := make([]graph.Task, 0)
	for _, t := range ordered {
		if t.Status != graph.TaskPending {
			continue
		}
		if inFlight[t.ID] {
			continue
		}
		if graph.DependenciesCompleted(tasks, t.Dependencies) {
			out = append(out, t)
		}
	}
	return out
}

// runTask executes one task end to end, including its own retry loop,
// and persists the terminal status. It never returns an error for a
// task-level failure (that is recorded as TaskFailed); it returns an
// error only for store/infra failures that should abort the whole run.
func (r *Runner) runTask(ctx context.Context, actionID string, claim int64, task graph.Task) error {
	ctx, span := observability.StartTaskSpan(ctx, "executor.run_task", actionID, task,
		attribute.Int64("flowforge.action.claim", claim))
	defer span.End()

	if _, err := r.store.SetTaskStatus(ctx, task.ID, graph.TaskRunning, store.TaskResult{}); err != nil {
		if isInvalidTransition(err) {
			return nil // already moved on by a concurrent mutation
		}
		return err
	}
	r.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskStatus, ActionID: actionID, TaskID: task.ID, Payload: map[string]string{"status": graph.TaskRunning}})

	taskCtx, token := r.claimTask(ctx, task.ID)
	defer r.releaseTask(task.ID, token)

	inputs, err := r.collectInputs(ctx, actionID, task.Dependencies)
	if err != nil {
		return err
	}

	logs := agent.LogSinkFunc(func(level, message string, fields map[string]any) {
		if r.currentClaim(actionID) != claim || !r.taskClaimCurrent(task.ID, token) {
			return
		}
		_ = r.store.AppendLog(ctx, graph.LogEntry{TaskID: task.ID, Level: level, Message: message, Payload: fields, CreatedAt: time.Now().UTC()})
		r.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskLog, ActionID: actionID, TaskID: task.ID, Payload: map[string]any{"level": level, "message": message, "fields": fields}})
	})

	result, runErr := r.runWithRetry(taskCtx, actionID, claim, task, inputs, logs)

	if r.currentClaim(actionID) != claim {
		return nil // a newer run now owns this action's state
	}
	if !r.taskClaimCurrent(task.ID, token) {
		// A mutation cancelled and reclaimed this task while the attempt
		// was in flight; the completion is stale and must not overwrite
		// the task a newer attempt now owns.
		r.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskRecovered, ActionID: actionID, TaskID: task.ID})
		return nil
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errkind.Of(runErr) == errkind.Cancellation {
			r.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskRecovered, ActionID: actionID, TaskID: task.ID})
			return nil
		}
		return r.failTask(ctx, actionID, task, runErr)
	}
	return r.completeTask(ctx, actionID, task, result)
}

// runWithRetry retries transient agent failures with exponential
// backoff and full jitter: wait ~ Uniform(0, base * 2^(attempt-1)),
// capped by the configured max attempts. Permanent and cancellation
// failures are not retried.
func (r *Runner) runWithRetry(ctx context.Context, actionID string, claim int64, task graph.Task, inputs []agent.Input, logs agent.LogSink) (agent.Result, error) {
	decision := r.models.Route(models.RouteInput{AgentType: task.AgentType, RequestedModel: task.Model})
	agentTask := agent.Task{ID: task.ID, ActionID: actionID, Prompt: task.Prompt, AgentType: task.AgentType, Model: decision.Model, ModuleID: task.ModuleID}
	impl, err := r.registry.ResolveTask(ctx, agentTask)
	if err != nil {
		return agent.Result{}, errkind.Tag(errkind.Permanent, err)
	}

	var lastErr error
	for attempt := 1; attempt <= r.opts.TaskRetryMaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.TaskTimeout)
		result, err := impl.Run(attemptCtx, agentTask, inputs, logs)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !errkind.IsRetryable(err) || attempt == r.opts.TaskRetryMaxAttempts {
			return agent.Result{}, err
		}

		wait := fullJitterBackoff(r.opts.TaskRetryBaseBackoff, attempt)
		if r.currentClaim(actionID) == claim {
			r.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskStatus, ActionID: actionID, TaskID: task.ID, Payload: map[string]any{"status": "retrying", "attempt": attempt + 1, "wait_ms": wait.Milliseconds()}})
			observability.Default.IncCounter("tasks_retried_total", observability.TaskLabels(actionID, task), 1)
		}
		select {
		case <-ctx.Done():
			return agent.Result{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return agent.Result{}, lastErr
}

// fullJitterBackoff computes base * 2^(attempt-1) and returns a
// uniformly random duration in [0, that value].
func fullJitterBackoff(base time.Duration, attempt int) time.Duration {
	ceiling := base << (attempt - 1)
	if ceiling <= 0 {
		ceiling = base
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

func (r *Runner) collectInputs(ctx context.Context, actionID string, deps []string) ([]agent.Input, error) {
	inputs := make([]agent.Input, 0, len(deps))
	for _, dep := range deps {
		t, ok, err := r.store.GetTask(ctx, dep)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		inputs = append(inputs, agent.Input{TaskID: t.ID, OutputSummary: t.OutputSummary, ArtifactIDs: t.ArtifactIDs})
	}
	return inputs, nil
}

func (r *Runner) completeTask(ctx context.Context, actionID string, task graph.Task, result agent.Result) error {
	artifactIDs, err := r.persistArtifacts(ctx, actionID, task.ID, result.Artifacts)
	if err != nil {
		return r.failTask(ctx, actionID, task, errkind.Tag(errkind.Permanent, fmt.Errorf("persist artifacts: %w", err)))
	}

	updated, err := r.store.SetTaskStatus(ctx, task.ID, graph.TaskCompleted, store.TaskResult{
		OutputSummary: result.OutputSummary,
		ArtifactIDs:   artifactIDs,
		CompletedAt:   time.Now().UTC(),
	})
	if err != nil {
		if isInvalidTransition(err) {
			return nil
		}
		return err
	}
	r.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskStatus, ActionID: actionID, TaskID: task.ID, Payload: map[string]string{"status": graph.TaskCompleted}})
	r.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskOutput, ActionID: actionID, TaskID: task.ID, Payload: map[string]any{"output_summary": updated.OutputSummary, "artifact_ids": artifactIDs}})
	observability.Default.IncCounter("tasks_completed_total", observability.TaskLabels(actionID, task), 1)
	return nil
}

// persistArtifacts writes each artifact's bytes through the configured
// blob store and records its metadata row, returning the ids to stamp
// onto the task. A task whose agent produced artifacts with no blob
// store configured fails outright rather than dropping them silently.
func (r *Runner) persistArtifacts(ctx context.Context, actionID, taskID string, artifacts []agent.Artifact) ([]string, error) {
	if len(artifacts) == 0 {
		return nil, nil
	}
	if r.artifacts == nil {
		return nil, fmt.Errorf("no artifact store configured, cannot persist %d artifact(s)", len(artifacts))
	}
	ids := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		id := uuid.NewString()
		storePath, err := r.artifacts.Put(ctx, actionID, taskID, a.Name, a.ContentType, bytes.NewReader(a.Data), int64(len(a.Data)))
		if err != nil {
			return nil, err
		}
		if err := r.store.PutArtifact(ctx, graph.Artifact{
			ID:        id,
			TaskID:    taskID,
			MimeType:  a.ContentType,
			StorePath: storePath,
			SizeBytes: int64(len(a.Data)),
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Runner) failTask(ctx context.Context, actionID string, task graph.Task, runErr error) error {
	_, err := r.store.SetTaskStatus(ctx, task.ID, graph.TaskFailed, store.TaskResult{
		Error:       runErr.Error(),
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		if isInvalidTransition(err) {
			return nil
		}
		return err
	}
	_ = r.store.AppendLog(ctx, graph.LogEntry{TaskID: task.ID, Level: graph.LogError, Message: runErr.Error(), CreatedAt: time.Now().UTC()})
	r.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskStatus, ActionID: actionID, TaskID: task.ID, Payload: map[string]string{"status": graph.TaskFailed, "error": runErr.Error()}})
	failLabels := observability.TaskLabels(actionID, task)
	failLabels["errkind"] = errkind.Of(runErr).String()
	observability.Default.IncCounter("tasks_failed_total", failLabels, 1)
	return nil
}

// finalizeAction re-derives and persists the action's status from its
// tasks' final statuses, publishing the terminal action.* event.
func (r *Runner) finalizeAction(ctx context.Context, actionID string) error {
	action, ok, err := r.store.GetAction(ctx, actionID)
	if err != nil || !ok {
		return err
	}
	tasks, err := r.store.ListTasks(ctx, actionID)
	if err != nil {
		return err
	}
	status := graph.DeriveActionStatus(tasks)
	if status == action.Status {
		return nil
	}
	action.Status = status
	action.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateAction(ctx, action); err != nil {
		return err
	}
	r.bus.Publish(eventbus.Event{Kind: eventbus.KindActionStatus, ActionID: actionID, Payload: map[string]string{"status": status}})
	if status == graph.ActionCompleted || status == graph.ActionFailed {
		observability.Default.IncCounter(fmt.Sprintf("actions_%s_total", status), nil, 1)
	}
	return nil
}
