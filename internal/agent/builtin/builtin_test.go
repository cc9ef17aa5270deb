package builtin

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/errkind"
	"github.com/flowforge/orchestrator/internal/planner"
)

type staticCompleter struct {
	response string
	err      error
	lastCall []planner.Message
}

func (c *staticCompleter) Complete(_ context.Context, messages []planner.Message) (string, error) {
	c.lastCall = messages
	return c.response, c.err
}

func discardLog(string, string, map[string]any) {}

func TestGenericAgentUsesCompleterOutput(t *testing.T) {
	a := &GenericAgent{Completer: &staticCompleter{response: "answer"}}
	result, err := a.Run(context.Background(), agent.Task{ID: "t1", Prompt: "do it"}, nil, agent.LogSinkFunc(discardLog))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OutputSummary != "answer" {
		t.Fatalf("expected %q, got %q", "answer", result.OutputSummary)
	}
}

func TestGenericAgentFoldsUpstreamInputsIntoPrompt(t *testing.T) {
	completer := &staticCompleter{response: "ok"}
	a := &GenericAgent{Completer: completer}
	inputs := []agent.Input{{TaskID: "up", OutputSummary: "upstream result"}}
	_, err := a.Run(context.Background(), agent.Task{ID: "t1", Prompt: "summarize"}, inputs, agent.LogSinkFunc(discardLog))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(completer.lastCall) == 0 || !strings.Contains(completer.lastCall[len(completer.lastCall)-1].Content, "upstream result") {
		t.Fatalf("expected the user message sent to the completer to include upstream output, got %+v", completer.lastCall)
	}
}

func TestGenericAgentTagsCompleterErrorsTransient(t *testing.T) {
	a := &GenericAgent{Completer: &staticCompleter{err: errors.New("boom")}}
	_, err := a.Run(context.Background(), agent.Task{ID: "t1", Prompt: "do it"}, nil, agent.LogSinkFunc(discardLog))
	if err == nil {
		t.Fatal("expected an error")
	}
	if errkind.Of(err) != errkind.Transient {
		t.Fatalf("expected Transient errkind, got %v", errkind.Of(err))
	}
}

func TestGenericAgentRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := &GenericAgent{Completer: &staticCompleter{response: "unused"}}
	_, err := a.Run(ctx, agent.Task{ID: "t1", Prompt: "do it"}, nil, agent.LogSinkFunc(discardLog))
	if !errors.Is(err, agent.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestDataRetrievalAgentIsDeterministic(t *testing.T) {
	a := &DataRetrievalAgent{}
	r1, err := a.Run(context.Background(), agent.Task{Prompt: "find x"}, nil, agent.LogSinkFunc(discardLog))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, _ := a.Run(context.Background(), agent.Task{Prompt: "find x"}, nil, agent.LogSinkFunc(discardLog))
	if r1.OutputSummary != r2.OutputSummary {
		t.Fatalf("expected deterministic output for the same prompt, got %q and %q", r1.OutputSummary, r2.OutputSummary)
	}
}

func TestReportWritingAgentConcatenatesUpstreamOutputs(t *testing.T) {
	a := &ReportWritingAgent{}
	inputs := []agent.Input{
		{TaskID: "a", OutputSummary: "section one"},
		{TaskID: "b", OutputSummary: "section two"},
	}
	result, err := a.Run(context.Background(), agent.Task{Prompt: "quarterly report"}, inputs, agent.LogSinkFunc(discardLog))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.OutputSummary, "section one") || !strings.Contains(result.OutputSummary, "section two") {
		t.Fatalf("expected report to include both sections, got %q", result.OutputSummary)
	}
}
