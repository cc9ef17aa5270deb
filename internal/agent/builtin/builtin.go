// Package builtin provides the reference agent implementations wired
// into the default registry: a generic LLM-backed agent used as the
// fallback, plus a handful of task-shaped agents mirroring the worker
// executor's task-type dispatch (retrieval, code execution, report
// writing).
package builtin

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/errkind"
	"github.com/flowforge/orchestrator/internal/planner"
)

// GenericAgent answers a task's prompt directly through a ChatCompleter,
// folding in upstream outputs as additional context. It is the registry's
// fallback for any unrecognized agent_type.
type GenericAgent struct {
	Completer planner.ChatCompleter
}

func (a *GenericAgent) Run(ctx context.Context, task agent.Task, inputs []agent.Input, logs agent.LogSink) (agent.Result, error) {
	logs.Log("info", "starting generic agent", map[string]any{"task_id": task.ID})
	messages := []planner.Message{
		{Role: "system", Content: "You are a helpful task executor. Produce a concise result summary."},
		{Role: "user", Content: promptWithContext(task.Prompt, inputs)},
	}
	select {
	case <-ctx.Done():
		return agent.Result{}, agent.ErrCancelled
	default:
	}
	text, err := a.Completer.Complete(ctx, messages)
	if err != nil {
		return agent.Result{}, errkind.Tag(errkind.Transient, fmt.Errorf("generic agent completion failed: %w", err))
	}
	logs.Log("info", "generic agent finished", nil)
	return agent.Result{OutputSummary: text}, nil
}

func promptWithContext(prompt string, inputs []agent.Input) string {
	if len(inputs) == 0 {
		return prompt
	}
	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\nContext from upstream tasks:\n")
	for _, in := range inputs {
		fmt.Fprintf(&sb, "- %s: %s\n", in.TaskID, in.OutputSummary)
	}
	return sb.String()
}

// DataRetrievalAgent answers a lookup-shaped prompt deterministically,
// standing in for the worker's retrieval/embedding task types without
// requiring a live index.
type DataRetrievalAgent struct{}

func (a *DataRetrievalAgent) Run(ctx context.Context, task agent.Task, _ []agent.Input, logs agent.LogSink) (agent.Result, error) {
	select {
	case <-ctx.Done():
		return agent.Result{}, agent.ErrCancelled
	default:
	}
	logs.Log("info", "retrieving data", map[string]any{"query": task.Prompt})
	sum := sha1.Sum([]byte(task.Prompt))
	fingerprint := hex.EncodeToString(sum[:])[:12]
	return agent.Result{OutputSummary: fmt.Sprintf("retrieved data for %q (ref %s)", task.Prompt, fingerprint)}, nil
}

// CodeExecutionAgent simulates running a short computation described by
// the prompt in a sandboxed subprocess, mirroring the worker's
// tool_execution task type's sandboxed-command shape without shelling
// out.
type CodeExecutionAgent struct{}

func (a *CodeExecutionAgent) Run(ctx context.Context, task agent.Task, inputs []agent.Input, logs agent.LogSink) (agent.Result, error) {
	select {
	case <-ctx.Done():
		return agent.Result{}, agent.ErrCancelled
	default:
	}
	logs.Log("info", "executing code", map[string]any{"task_id": task.ID})
	start := time.Now()
	summary := fmt.Sprintf("executed %q using %d upstream input(s)", task.Prompt, len(inputs))
	logs.Log("info", "code execution finished", map[string]any{"duration_ms": time.Since(start).Milliseconds()})
	return agent.Result{OutputSummary: summary}, nil
}

// ReportWritingAgent concatenates upstream outputs into a short report,
// mirroring the worker's aggregation task type.
type ReportWritingAgent struct{}

func (a *ReportWritingAgent) Run(ctx context.Context, task agent.Task, inputs []agent.Input, logs agent.LogSink) (agent.Result, error) {
	select {
	case <-ctx.Done():
		return agent.Result{}, agent.ErrCancelled
	default:
	}
	logs.Log("info", "writing report", map[string]any{"sections": len(inputs)})
	var sb strings.Builder
	sb.WriteString("Report: ")
	sb.WriteString(task.Prompt)
	for _, in := range inputs {
		sb.WriteString("\n- ")
		sb.WriteString(in.OutputSummary)
	}
	report := sb.String()
	return agent.Result{
		OutputSummary: report,
		Artifacts: []agent.Artifact{
			{Name: "report.txt", ContentType: "text/plain", Data: []byte(report)},
		},
	}, nil
}
