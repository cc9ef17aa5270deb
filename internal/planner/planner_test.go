package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/flowforge/orchestrator/internal/agent"
)

func TestCompileValidPlanResolvesDependenciesToTaskIDs(t *testing.T) {
	completer := &StaticCompleter{Responses: []string{
		`{"tasks":[{"prompt":"fetch weather","agent_type":"data_retrieval","dependencies":[]},{"prompt":"fit a sine","agent_type":"code_execution","dependencies":[0]}]}`,
	}}
	registry := agent.NewRegistry(&stubAgent{})
	registry.Register("data_retrieval", &stubAgent{})
	registry.Register("code_execution", &stubAgent{})
	p := New(completer, registry, 8, 2)

	specs, err := p.Compile(context.Background(), "Fetch weather for SF 2024 then fit a sine", nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(specs))
	}
	if specs[0].ID == "" || specs[1].ID == "" {
		t.Fatalf("expected IDs to be pre-assigned: %+v", specs)
	}
	if len(specs[1].Dependencies) != 1 || specs[1].Dependencies[0] != specs[0].ID {
		t.Fatalf("expected task 1 to depend on task 0's resolved ID, got %+v", specs[1])
	}
}

func TestCompileRetriesOnInvalidOutputThenSucceeds(t *testing.T) {
	completer := &StaticCompleter{Responses: []string{
		`not json at all`,
		`{"tasks":[{"prompt":"ok now","agent_type":"generic","dependencies":[]}]}`,
	}}
	registry := agent.NewRegistry(&stubAgent{})
	p := New(completer, registry, 8, 2)

	specs, err := p.Compile(context.Background(), "do something", nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if completer.Calls() != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", completer.Calls())
	}
	if len(specs) != 1 || specs[0].Prompt != "ok now" {
		t.Fatalf("unexpected specs: %+v", specs)
	}
}

func TestCompileFallsBackAfterExhaustingRetriesOnCyclicOutput(t *testing.T) {
	cyclic := `{"tasks":[{"prompt":"t0","agent_type":"generic","dependencies":[1]},{"prompt":"t1","agent_type":"generic","dependencies":[0]}]}`
	completer := &StaticCompleter{Responses: []string{cyclic, cyclic, cyclic}}
	registry := agent.NewRegistry(&stubAgent{})
	p := New(completer, registry, 8, 2)

	specs, err := p.Compile(context.Background(), "root prompt text", nil)
	if err != nil {
		t.Fatalf("compile should fall back instead of erroring: %v", err)
	}
	if len(specs) != 1 || specs[0].AgentType != agent.GenericType || specs[0].Prompt != "root prompt text" {
		t.Fatalf("expected single generic fallback task, got %+v", specs)
	}
	if completer.Calls() != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d calls", completer.Calls())
	}
}

func TestCompileFallsBackOnProviderError(t *testing.T) {
	completer := &StaticCompleter{Err: []error{errors.New("boom"), errors.New("boom"), errors.New("boom")}}
	registry := agent.NewRegistry(&stubAgent{})
	p := New(completer, registry, 8, 0)

	specs, err := p.Compile(context.Background(), "root prompt", nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(specs) != 1 || specs[0].AgentType != agent.GenericType {
		t.Fatalf("expected generic fallback, got %+v", specs)
	}
}

func TestCompileFallsBackOnUnknownAgentType(t *testing.T) {
	// agent_type not registered is rewritten to generic, not rejected;
	// this verifies rule 1's "unknown types fall back" clause.
	completer := &StaticCompleter{Responses: []string{
		`{"tasks":[{"prompt":"p","agent_type":"no_such_type","dependencies":[]}]}`,
	}}
	registry := agent.NewRegistry(&stubAgent{})
	p := New(completer, registry, 8, 0)

	specs, err := p.Compile(context.Background(), "root", nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(specs) != 1 || specs[0].AgentType != agent.GenericType {
		t.Fatalf("expected rewrite to generic agent type, got %+v", specs)
	}
}

type stubAgent struct{}

func (s *stubAgent) Run(_ context.Context, _ agent.Task, _ []agent.Input, _ agent.LogSink) (agent.Result, error) {
	return agent.Result{}, nil
}
