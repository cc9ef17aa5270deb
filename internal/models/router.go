// Package models resolves which model identifier an agent invocation
// should use when a task was created without an explicit model: a small
// YAML-configured rule table, checked in order, with a default
// fall-through. This lets an operator pin slow or sensitive agent types
// to a particular model without touching planner or agent code.
//
// Routing is agent-registry-aware in two ways a plain rule table isn't:
// meta-agents that reason about the graph itself (sub_action,
// recovery_plan) are floored at a reasoning-capable model even with no
// matching rule, since a weak model reliably producing a valid task DAG
// or recovery plan is not a safe assumption; and ValidateAgentTypes lets
// the caller catch a routing file that pins a model to an agent type
// nothing in the running registry implements.
package models

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flowforge/orchestrator/internal/observability"
)

// reasoningAgentTypes are agent types whose job is to reason about the
// task graph rather than execute a leaf task: sub_action decomposes a
// prompt into a child DAG, recovery_plan proposes replacement tasks for
// a failure. Both need a model capable of structured, multi-step
// reasoning regardless of what the routing file says about other types.
var reasoningAgentTypes = map[string]bool{
	"sub_action":    true,
	"recovery_plan": true,
}

// RouteInput describes the task characteristics a rule may match on.
type RouteInput struct {
	AgentType          string
	RequiresReasoning  bool
	DataClassification string
	RequestedModel     string
}

// Decision is the resolved model for a task, plus which rule (if any)
// produced it, recorded on the task's audit trail for traceability.
type Decision struct {
	Model string
	Rule  string
}

// Rule matches on a subset of RouteInput fields; unset match fields are
// wildcards. Rules are evaluated in file order and the first match wins.
type Rule struct {
	Name               string `yaml:"name"`
	WhenAgentType      string `yaml:"agent_type"`
	WhenReasoning      *bool  `yaml:"reasoning_required"`
	WhenClassification string `yaml:"data_classification"`
	UseModel           string `yaml:"use_model"`
}

// Config is the routing file's top-level shape.
type Config struct {
	DefaultModel   string `yaml:"default_model"`
	ReasoningModel string `yaml:"reasoning_model"`
	Rules          []Rule `yaml:"rules"`
}

// Router applies Config against a RouteInput.
type Router struct {
	cfg Config
}

func NewDefaultRouter() *Router {
	return &Router{cfg: Config{DefaultModel: "gpt-4o-mini", ReasoningModel: "gpt-4o"}}
}

// LoadFromEnv reads the routing file named by ORCHESTRATOR_MODEL_ROUTING_FILE,
// or returns NewDefaultRouter if unset.
func LoadFromEnv() (*Router, error) {
	path := strings.TrimSpace(os.Getenv("ORCHESTRATOR_MODEL_ROUTING_FILE"))
	if path == "" {
		return NewDefaultRouter(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model routing file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse model routing file: %w", err)
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if strings.TrimSpace(cfg.ReasoningModel) == "" {
		cfg.ReasoningModel = "gpt-4o"
	}
	return &Router{cfg: cfg}, nil
}

// ValidateAgentTypes reports every rule whose agent_type filter names a
// type not present in known, so a routing file with a typo (or one that
// still references a retired agent type) is caught at startup instead of
// silently never matching. known is expected to come from a live
// agent.Registry's RegisteredTypes.
func (r *Router) ValidateAgentTypes(known []string) []string {
	knownSet := make(map[string]bool, len(known))
	for _, t := range known {
		knownSet[t] = true
	}
	var problems []string
	for _, rule := range r.cfg.Rules {
		if rule.WhenAgentType == "" || knownSet[rule.WhenAgentType] {
			continue
		}
		name := rule.Name
		if name == "" {
			name = "(unnamed)"
		}
		problems = append(problems, fmt.Sprintf("rule %q references unregistered agent type %q", name, rule.WhenAgentType))
	}
	return problems
}

// Route resolves in to a Decision. An explicit RequestedModel (a model
// already set on the task by the planner or an edit) always wins over
// both the reasoning-type floor and the rule table.
func (r *Router) Route(in RouteInput) Decision {
	decision := Decision{Model: r.cfg.DefaultModel, Rule: "default"}
	if reasoningAgentTypes[in.AgentType] {
		decision.Model = r.cfg.ReasoningModel
		decision.Rule = "reasoning_agent_type"
	}

	if in.RequestedModel != "" {
		decision.Model = in.RequestedModel
		decision.Rule = "explicit"
		observability.Default.IncCounter("model_routing_decisions_total", map[string]string{"agent_type": in.AgentType, "rule": decision.Rule}, 1)
		return decision
	}

	for _, rule := range r.cfg.Rules {
		if rule.WhenAgentType != "" && rule.WhenAgentType != in.AgentType {
			continue
		}
		if rule.WhenReasoning != nil && *rule.WhenReasoning != in.RequiresReasoning {
			continue
		}
		if rule.WhenClassification != "" && rule.WhenClassification != in.DataClassification {
			continue
		}
		if strings.TrimSpace(rule.UseModel) != "" {
			decision.Model = strings.TrimSpace(rule.UseModel)
		}
		if strings.TrimSpace(rule.Name) != "" {
			decision.Rule = strings.TrimSpace(rule.Name)
		} else {
			decision.Rule = "rule"
		}
		break
	}
	observability.Default.IncCounter("model_routing_decisions_total", map[string]string{"agent_type": in.AgentType, "rule": decision.Rule}, 1)
	return decision
}
