// Package policy evaluates an operator-configured allow/deny rule table
// against action submissions and task edits, before they reach the
// store. A denied request never creates or mutates graph state; it
// surfaces to the caller as a validation error.
package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OwnerQuota sets, per owner, the ceilings EvaluateSubmit and
// EvaluateTask compare the caller-supplied RunningActions/RunningTasks
// counts against, independent of the rule table below. The API supplies
// the number of running actions across all owners and the number of
// running tasks in the target action; neither count is narrowed to the
// owner.
type OwnerQuota struct {
	MaxRunningActions int `yaml:"max_running_actions"`
	MaxRunningTasks   int `yaml:"max_running_tasks"`
}

// RuleMatch is the set of fields a Rule may filter on; an empty field
// matches anything.
type RuleMatch struct {
	Owner              string `yaml:"owner"`
	AgentType          string `yaml:"agent_type"`
	Model              string `yaml:"model"`
	DataClassification string `yaml:"data_classification"`
}

type Rule struct {
	Name   string    `yaml:"name"`
	Effect string    `yaml:"effect"` // allow|deny
	Reason string    `yaml:"reason"`
	Match  RuleMatch `yaml:"match"`
}

type Config struct {
	DefaultAction string                `yaml:"default_action"` // allow|deny
	Rules         []Rule                `yaml:"rules"`
	OwnerQuotas   map[string]OwnerQuota `yaml:"owner_quotas"`
}

type Decision struct {
	Allowed    bool
	ReasonCode string
	Rule       string
	Message    string
}

// SubmitInput describes a new action submission (create action) being
// checked for admission.
type SubmitInput struct {
	Owner              string
	Model              string
	DataClassification string
	RunningActions     int
}

// TaskInput describes an add/edit of a single task being checked for
// admission, independent of the action-level submit check.
type TaskInput struct {
	Owner              string
	AgentType          string
	Model              string
	DataClassification string
	RunningTasks       int
}

// Engine evaluates Config against SubmitInput/TaskInput.
type Engine struct {
	defaultAction string
	rules         []Rule
	quotas        map[string]OwnerQuota
	noop          bool
}

// NewAllowAll returns an Engine that admits everything, the default
// when no policy file is configured.
func NewAllowAll() *Engine {
	return &Engine{defaultAction: "allow", quotas: map[string]OwnerQuota{}, noop: true}
}

// LoadFromEnv reads the policy file named by ORCHESTRATOR_POLICY_FILE,
// or returns NewAllowAll if unset.
func LoadFromEnv() (*Engine, error) {
	path := strings.TrimSpace(os.Getenv("ORCHESTRATOR_POLICY_FILE"))
	if path == "" {
		return NewAllowAll(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return NewFromConfig(cfg), nil
}

func NewFromConfig(cfg Config) *Engine {
	e := &Engine{
		defaultAction: normalizeAction(cfg.DefaultAction),
		rules:         make([]Rule, 0, len(cfg.Rules)),
		quotas:        map[string]OwnerQuota{},
	}
	for _, r := range cfg.Rules {
		r.Effect = normalizeAction(r.Effect)
		if r.Effect == "" {
			r.Effect = "deny"
		}
		e.rules = append(e.rules, r)
	}
	for k, v := range cfg.OwnerQuotas {
		e.quotas[strings.TrimSpace(k)] = v
	}
	if e.defaultAction == "" {
		e.defaultAction = "allow"
	}
	if e.defaultAction == "allow" && len(e.rules) == 0 && len(e.quotas) == 0 {
		e.noop = true
	}
	return e
}

// IsNoop reports whether this Engine denies nothing and can be skipped
// for telemetry/audit purposes.
func (e *Engine) IsNoop() bool { return e != nil && e.noop }

func (e *Engine) EvaluateSubmit(in SubmitInput) Decision {
	owner := ownerOrDefault(in.Owner)
	if q, ok := e.quotas[owner]; ok && q.MaxRunningActions > 0 && in.RunningActions >= q.MaxRunningActions {
		return Decision{
			Allowed:    false,
			ReasonCode: "quota_running_actions_exceeded",
			Rule:       "owner_quotas." + owner,
			Message:    fmt.Sprintf("running actions %d reached max_running_actions %d", in.RunningActions, q.MaxRunningActions),
		}
	}
	return e.evaluateRules(RuleMatch{Owner: owner, Model: in.Model, DataClassification: in.DataClassification})
}

func (e *Engine) EvaluateTask(in TaskInput) Decision {
	owner := ownerOrDefault(in.Owner)
	if q, ok := e.quotas[owner]; ok && q.MaxRunningTasks > 0 && in.RunningTasks >= q.MaxRunningTasks {
		return Decision{
			Allowed:    false,
			ReasonCode: "quota_running_tasks_exceeded",
			Rule:       "owner_quotas." + owner,
			Message:    fmt.Sprintf("running tasks %d reached max_running_tasks %d", in.RunningTasks, q.MaxRunningTasks),
		}
	}
	return e.evaluateRules(RuleMatch{Owner: owner, AgentType: in.AgentType, Model: in.Model, DataClassification: in.DataClassification})
}

func (e *Engine) evaluateRules(input RuleMatch) Decision {
	for _, r := range e.rules {
		if !matches(r.Match, input) {
			continue
		}
		allowed := r.Effect == "allow"
		reason := "policy_rule_" + r.Effect
		if r.Reason != "" {
			reason = strings.TrimSpace(r.Reason)
		}
		msg := reason
		if r.Name != "" {
			msg = r.Name + ": " + reason
		}
		return Decision{Allowed: allowed, ReasonCode: reason, Rule: r.Name, Message: msg}
	}
	if e.defaultAction == "deny" {
		return Decision{Allowed: false, ReasonCode: "default_deny", Rule: "default_action", Message: "request denied by default_action=deny"}
	}
	return Decision{Allowed: true, ReasonCode: "default_allow", Rule: "default_action", Message: "request allowed by default_action=allow"}
}

func matches(rule RuleMatch, in RuleMatch) bool {
	if rule.Owner != "" && rule.Owner != in.Owner {
		return false
	}
	if rule.AgentType != "" && rule.AgentType != in.AgentType {
		return false
	}
	if rule.Model != "" && rule.Model != in.Model {
		return false
	}
	if rule.DataClassification != "" && rule.DataClassification != in.DataClassification {
		return false
	}
	return true
}

func normalizeAction(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "allow":
		return "allow"
	case "deny":
		return "deny"
	default:
		return ""
	}
}

func ownerOrDefault(owner string) string {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "default"
	}
	return owner
}
