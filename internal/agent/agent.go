// Package agent defines the external collaborator contract every task
// executor invokes, and the registry that maps an agent-type string to
// a concrete implementation. Unknown agent types fall back to
// GenericType rather than failing task creation.
package agent

import (
	"context"

	"github.com/flowforge/orchestrator/internal/errkind"
)

// GenericType is the fallback agent type used when the planner or an
// edit references an agent type that isn't registered.
const GenericType = "generic"

// LogSink receives log lines emitted while a task runs, forwarded to
// log.append events.
type LogSink interface {
	Log(level, message string, fields map[string]any)
}

// LogSinkFunc adapts a function to LogSink.
type LogSinkFunc func(level, message string, fields map[string]any)

func (f LogSinkFunc) Log(level, message string, fields map[string]any) { f(level, message, fields) }

// Input is one upstream dependency's completed output, made available to
// a task's agent invocation.
type Input struct {
	TaskID        string
	OutputSummary string
	ArtifactIDs   []string
}

// Task is the subset of graph.Task an agent needs to do its work; it is
// passed by value so an agent cannot mutate executor state directly.
// ModuleID is set when the task pins a content-addressed WASM agent
// module instead of a statically registered AgentType.
type Task struct {
	ID        string
	ActionID  string
	Prompt    string
	AgentType string
	Model     string
	ModuleID  string
}

// Artifact is a blob an agent produced during its run, handed to the
// executor to persist through the artifact store; the agent itself
// never touches storage.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

// Result is what a successful run produces.
type Result struct {
	OutputSummary string
	Artifacts     []Artifact
}

// Agent is the sole operation every task executor implementation
// exposes. Implementations must check ctx for cancellation at
// cooperative points and return promptly; they must tag terminal
// failures with errkind.Transient or errkind.Permanent so the executor
// can decide whether to retry.
type Agent interface {
	Run(ctx context.Context, task Task, inputs []Input, logs LogSink) (Result, error)
}

// DynamicResolver looks up an Agent implementation by a content-addressed
// module id rather than a statically registered type name. It is
// implemented outside this package (see agent/wasmagent.Loader) and
// wired in with WithDynamicResolver, keeping this package free of any
// dependency on the sandboxing runtime.
type DynamicResolver interface {
	Resolve(ctx context.Context, moduleID string) (Agent, error)
}

// Registry maps agent-type strings to implementations, with a mandatory
// generic fallback for unknown types, plus an optional dynamic resolver
// for tasks that name a WASM module id instead of a static type.
type Registry struct {
	agents  map[string]Agent
	generic Agent
	dynamic DynamicResolver
}

// NewRegistry builds a registry. generic is used both as the
// GenericType entry and as the fallback returned by Resolve for any
// type not explicitly registered.
func NewRegistry(generic Agent) *Registry {
	r := &Registry{agents: make(map[string]Agent), generic: generic}
	r.agents[GenericType] = generic
	return r
}

// WithDynamicResolver attaches the resolver used by ResolveTask when a
// task carries a ModuleID. It returns the receiver so callers can chain
// it onto NewRegistry the way Options are chained elsewhere.
func (r *Registry) WithDynamicResolver(d DynamicResolver) *Registry {
	r.dynamic = d
	return r
}

// Register adds or replaces the implementation for agentType.
func (r *Registry) Register(agentType string, a Agent) {
	r.agents[agentType] = a
}

// Has reports whether agentType has an explicit registration (not
// counting the implicit generic fallback).
func (r *Registry) Has(agentType string) bool {
	_, ok := r.agents[agentType]
	return ok
}

// RegisteredTypes lists every explicitly registered agent type, used by
// the model router at startup to flag routing rules that reference a
// type nothing in the registry actually implements.
func (r *Registry) RegisteredTypes() []string {
	out := make([]string, 0, len(r.agents))
	for t := range r.agents {
		out = append(out, t)
	}
	return out
}

// Resolve returns the implementation for agentType, falling back to the
// generic agent for anything unregistered.
func (r *Registry) Resolve(agentType string) Agent {
	if a, ok := r.agents[agentType]; ok {
		return a
	}
	return r.generic
}

// ResolveTask picks the implementation for a task: a non-empty ModuleID
// takes precedence over AgentType and is resolved through the dynamic
// resolver, whose error is returned as is. The static registry (and,
// ultimately, the generic agent) is used when the task has no ModuleID
// or no dynamic resolver is configured.
func (r *Registry) ResolveTask(ctx context.Context, task Task) (Agent, error) {
	if task.ModuleID != "" && r.dynamic != nil {
		a, err := r.dynamic.Resolve(ctx, task.ModuleID)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return r.Resolve(task.AgentType), nil
}

// ErrCancelled tags a run that was interrupted by cooperative
// cancellation rather than failing the task outright.
var ErrCancelled = errkind.Tag(errkind.Cancellation, context.Canceled)
