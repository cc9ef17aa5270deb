// Package planner converts an action's root prompt into a validated
// task DAG via a structured-output LLM call, retrying with a corrective
// prompt on invalid output and falling back to a single generic task
// when retries are exhausted.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/graph"
)

// ChatCompleter is the narrow interface the planner needs from an LLM
// client: send a conversation, get back the assistant's raw text. Both
// the real adapter and test doubles implement only this.
type ChatCompleter interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// planTask is the wire shape the LLM is asked to produce: one entry per
// task, with dependencies expressed as indices into the same list that
// must be strictly less than the task's own index.
type planTask struct {
	Prompt       string `json:"prompt"`
	AgentType    string `json:"agent_type"`
	Model        string `json:"model,omitempty"`
	Dependencies []int  `json:"dependencies"`
}

type planDocument struct {
	Tasks []planTask `json:"tasks"`
}

const responseSchemaJSON = `{
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["prompt", "agent_type", "dependencies"],
        "properties": {
          "prompt": {"type": "string", "minLength": 1},
          "agent_type": {"type": "string", "minLength": 1},
          "model": {"type": "string"},
          "dependencies": {"type": "array", "items": {"type": "integer", "minimum": 0}}
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
	if err := compiler.AddResource("plan.json", raw); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("plan.json")
	if err != nil {
		panic(err)
	}
	return schema
}

const genericAgentType = agent.GenericType

// Config is the tunable subset of a Planner's behavior an operator can
// inspect and change at runtime, without restarting orchestratord.
type Config struct {
	MaxTasks   int `json:"max_tasks"`
	MaxRetries int `json:"max_retries"`
}

// Planner compiles root prompts into task DAGs. MaxTasks/MaxRetries are
// guarded by mu since GetConfig/UpdateConfig can race a concurrent
// Compile call from a task in flight.
type Planner struct {
	completer ChatCompleter
	registry  *agent.Registry

	mu         sync.RWMutex
	maxTasks   int
	maxRetries int
}

func New(completer ChatCompleter, registry *agent.Registry, maxTasks, maxRetries int) *Planner {
	if maxTasks <= 0 {
		maxTasks = 8
	}
	if maxRetries < 0 {
		maxRetries = 2
	}
	return &Planner{completer: completer, registry: registry, maxTasks: maxTasks, maxRetries: maxRetries}
}

// GetConfig returns the planner's current live configuration.
func (p *Planner) GetConfig() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Config{MaxTasks: p.maxTasks, MaxRetries: p.maxRetries}
}

// UpdateConfig replaces the planner's live configuration, taking effect
// on the next Compile call. It does not touch any plan already in
// flight.
func (p *Planner) UpdateConfig(cfg Config) error {
	if cfg.MaxTasks <= 0 {
		return fmt.Errorf("max_tasks must be positive")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxTasks = cfg.MaxTasks
	p.maxRetries = cfg.MaxRetries
	return nil
}

// Compile converts rootPrompt into an ordered list of graph.TaskSpec with
// dependencies already resolved to the specs' own pre-assigned IDs, so
// the caller can pass the result straight to store.CreateTasks. On
// invalid output or provider error it retries with a corrective prompt
// up to maxRetries times, then falls back to a single generic task.
func (p *Planner) Compile(ctx context.Context, rootPrompt string, existing []graph.Task) ([]graph.TaskSpec, error) {
	return p.compile(ctx, rootPrompt, existing, p.GetConfig())
}

// Preview runs Compile against a candidate configuration without
// mutating the planner's live config, so an operator can see what a
// max_tasks/max_retries change would produce before committing to it
// with UpdateConfig. A non-positive MaxTasks or negative MaxRetries in
// cfg falls back to the planner's current live value for that field.
func (p *Planner) Preview(ctx context.Context, rootPrompt string, existing []graph.Task, cfg Config) ([]graph.TaskSpec, error) {
	live := p.GetConfig()
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = live.MaxTasks
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = live.MaxRetries
	}
	return p.compile(ctx, rootPrompt, existing, cfg)
}

func (p *Planner) compile(ctx context.Context, rootPrompt string, existing []graph.Task, cfg Config) ([]graph.TaskSpec, error) {
	messages := p.initialMessages(rootPrompt, existing)

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		raw, err := p.completer.Complete(ctx, messages)
		if err != nil {
			lastErr = fmt.Errorf("planner provider call failed: %w", err)
			messages = append(messages, Message{Role: "user", Content: correctivePrompt(lastErr)})
			continue
		}
		specs, err := p.parseAndValidate(raw, cfg.MaxTasks)
		if err != nil {
			lastErr = err
			messages = append(messages, Message{Role: "assistant", Content: raw})
			messages = append(messages, Message{Role: "user", Content: correctivePrompt(lastErr)})
			continue
		}
		return specs, nil
	}
	return p.fallback(rootPrompt), nil
}

func (p *Planner) initialMessages(rootPrompt string, existing []graph.Task) []Message {
	var sb strings.Builder
	sb.WriteString("Decompose the following request into an acyclic list of tasks. ")
	sb.WriteString("Respond with JSON matching the given schema: each task has a prompt, an agent_type, ")
	sb.WriteString("and a list of dependency indices that must each be strictly less than the task's own position in the list.\n\n")
	sb.WriteString("Request: ")
	sb.WriteString(rootPrompt)
	if len(existing) > 0 {
		sb.WriteString("\n\nExisting tasks to take into account when re-planning:\n")
		for i, t := range existing {
			fmt.Fprintf(&sb, "%d. [%s] %s\n", i, t.Status, t.Prompt)
		}
	}
	return []Message{
		{Role: "system", Content: "You are a task decomposition planner. Always respond with a single JSON object, no prose."},
		{Role: "user", Content: sb.String()},
	}
}

func correctivePrompt(cause error) string {
	return fmt.Sprintf("That was invalid: %s. Output a valid acyclic DAG as JSON matching the schema, with no additional commentary.", cause)
}

// parseAndValidate applies validation rules 1-3: the task-count ceiling
// first, then per task a non-empty prompt, a known (or generic-fallback)
// agent type and strictly backward dependency indices. IDs are
// pre-assigned here so index-based dependencies can be resolved to real
// task IDs before anything is persisted.
func (p *Planner) parseAndValidate(raw string, maxTasks int) ([]graph.TaskSpec, error) {
	raw = extractJSONObject(raw)

	var untyped any
	if err := json.Unmarshal([]byte(raw), &untyped); err != nil {
		return nil, fmt.Errorf("planner output is not valid JSON: %w", err)
	}
	if err := responseSchema.Validate(untyped); err != nil {
		return nil, fmt.Errorf("planner output failed schema validation: %w", err)
	}
	var doc planDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("planner output is not valid JSON: %w", err)
	}

	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("planner output has no tasks")
	}
	if len(doc.Tasks) > maxTasks {
		return nil, fmt.Errorf("planner output has %d tasks, exceeding max_tasks=%d", len(doc.Tasks), maxTasks)
	}

	ids := make([]string, len(doc.Tasks))
	for i := range doc.Tasks {
		ids[i] = uuid.NewString()
	}

	specs := make([]graph.TaskSpec, len(doc.Tasks))
	for i, t := range doc.Tasks {
		if strings.TrimSpace(t.Prompt) == "" {
			return nil, fmt.Errorf("task %d has an empty prompt", i)
		}
		agentType := t.AgentType
		if p.registry != nil && !p.registry.Has(agentType) {
			agentType = genericAgentType
		}
		deps := make([]string, 0, len(t.Dependencies))
		for _, d := range t.Dependencies {
			if d < 0 || d >= i {
				return nil, fmt.Errorf("task %d has forward or self dependency index %d", i, d)
			}
			deps = append(deps, ids[d])
		}
		specs[i] = graph.TaskSpec{
			ID:           ids[i],
			Prompt:       t.Prompt,
			AgentType:    agentType,
			Model:        t.Model,
			Dependencies: deps,
		}
	}
	return specs, nil
}

func (p *Planner) fallback(rootPrompt string) []graph.TaskSpec {
	return []graph.TaskSpec{{
		ID:        uuid.NewString(),
		Prompt:    rootPrompt,
		AgentType: genericAgentType,
	}}
}

// OfflineCompleter is a ChatCompleter that never calls out to a
// provider: it decomposes the root prompt into a single generic task,
// the same shape Planner.fallback produces when a real completer's
// retries are exhausted. It exists so orchestratord still produces a
// runnable action when no provider credentials are configured, rather
// than refusing to start.
type OfflineCompleter struct{}

func NewOfflineCompleter() *OfflineCompleter { return &OfflineCompleter{} }

func (c *OfflineCompleter) Complete(_ context.Context, messages []Message) (string, error) {
	prompt := "the requested work"
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}
	doc := planDocument{Tasks: []planTask{{
		Prompt:       prompt,
		AgentType:    genericAgentType,
		Dependencies: []int{},
	}}}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// extractJSONObject trims leading/trailing prose some models add despite
// instructions, keeping only the outermost JSON object.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
