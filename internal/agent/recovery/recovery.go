// Package recovery implements the "recovery_plan" agent type: given the
// prompt and upstream context of a task that has failed, it asks the
// planner's chat model for a small set of replacement tasks that might
// succeed where the original didn't, typically by routing to a
// different agent type. It never applies the plan itself — the result
// is a proposal an operator reviews and submits with the ordinary
// POST /v1/actions/{id}/tasks call, keeping "an LLM proposes a fix" and
// "the graph is mutated" as two separately authorized steps.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/errkind"
	"github.com/flowforge/orchestrator/internal/observability"
	"github.com/flowforge/orchestrator/internal/planner"
)

const maxRecoveryTasks = 3

// Plan is the structured proposal a recovery run produces, marshaled
// into the task's OutputSummary as JSON.
type Plan struct {
	Reasoning string `json:"reasoning"`
	Tasks     []Task `json:"tasks"`
}

type Task struct {
	Prompt    string `json:"prompt"`
	AgentType string `json:"agent_type"`
	Model     string `json:"model,omitempty"`
}

const responseSchemaJSON = `{
  "type": "object",
  "required": ["reasoning", "tasks"],
  "properties": {
    "reasoning": {"type": "string"},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "maxItems": 3,
      "items": {
        "type": "object",
        "required": ["prompt", "agent_type"],
        "properties": {
          "prompt": {"type": "string", "minLength": 1},
          "agent_type": {"type": "string", "minLength": 1},
          "model": {"type": "string"}
        }
      }
    }
  }
}`

var responseSchema = mustCompileSchema(responseSchemaJSON)

func mustCompileSchema(doc string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	var raw any
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		panic(err)
	}
	if err := compiler.AddResource("recovery_plan.json", raw); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("recovery_plan.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// Agent asks a ChatCompleter to propose a recovery plan for a failed
// upstream task. It is meant to be added as a task whose sole
// dependency is the task that failed, so its Input carries the
// failure's context.
type Agent struct {
	completer planner.ChatCompleter
}

func New(completer planner.ChatCompleter) *Agent {
	return &Agent{completer: completer}
}

var _ agent.Agent = (*Agent)(nil)

func (a *Agent) Run(ctx context.Context, task agent.Task, inputs []agent.Input, logs agent.LogSink) (agent.Result, error) {
	select {
	case <-ctx.Done():
		return agent.Result{}, agent.ErrCancelled
	default:
	}

	messages := []planner.Message{
		{Role: "system", Content: "A workflow task failed. Propose up to " +
			fmt.Sprint(maxRecoveryTasks) + " replacement tasks, each trying a different approach or agent " +
			"type than the one that failed, that together might accomplish the original goal. " +
			"Respond with JSON matching the given schema only."},
		{Role: "user", Content: recoveryPrompt(task, inputs)},
	}

	text, err := a.completer.Complete(ctx, messages)
	if err != nil {
		return agent.Result{}, errkind.Tag(errkind.Transient, fmt.Errorf("recovery plan completion failed: %w", err))
	}

	var doc Plan
	if jsonErr := json.Unmarshal([]byte(text), &doc); jsonErr != nil {
		return agent.Result{}, errkind.Tag(errkind.AgentInternal, fmt.Errorf("recovery plan returned invalid JSON: %w", jsonErr))
	}
	var asAny any
	if err := json.Unmarshal([]byte(text), &asAny); err == nil {
		if err := responseSchema.Validate(asAny); err != nil {
			return agent.Result{}, errkind.Tag(errkind.AgentInternal, fmt.Errorf("recovery plan failed schema validation: %w", err))
		}
	}
	if len(doc.Tasks) > maxRecoveryTasks {
		doc.Tasks = doc.Tasks[:maxRecoveryTasks]
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return agent.Result{}, errkind.Tag(errkind.AgentInternal, err)
	}
	logs.Log("info", "recovery plan produced", map[string]any{"proposed_tasks": len(doc.Tasks)})
	observability.Default.IncCounter("recovery_plans_proposed_total", observability.ActionLabels(task.ActionID), 1)
	gaugeLabels := observability.ActionLabels(task.ActionID)
	gaugeLabels["task_id"] = task.ID
	observability.Default.SetGauge("recovery_plan_tasks_proposed", gaugeLabels, float64(len(doc.Tasks)))
	return agent.Result{OutputSummary: string(out)}, nil
}

func recoveryPrompt(task agent.Task, inputs []agent.Input) string {
	prompt := "Original goal: " + task.Prompt
	for _, in := range inputs {
		prompt += fmt.Sprintf("\n\nFailed task %s output/error: %s", in.TaskID, in.OutputSummary)
	}
	return prompt
}
