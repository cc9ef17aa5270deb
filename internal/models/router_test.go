package models

import "testing"

func TestRouteSelectsReasoningRule(t *testing.T) {
	r := &Router{cfg: Config{
		DefaultModel: "gpt-4o-mini",
		Rules: []Rule{
			{
				Name:          "reasoning-heavy",
				WhenReasoning: boolPtr(true),
				WhenAgentType: "synthesizer",
				UseModel:      "gpt-4o",
			},
		},
	}}
	d := r.Route(RouteInput{AgentType: "synthesizer", RequiresReasoning: true})
	if d.Model != "gpt-4o" || d.Rule != "reasoning-heavy" {
		t.Fatalf("unexpected route decision: %#v", d)
	}
}

func TestRouteFallsBackToDefault(t *testing.T) {
	r := NewDefaultRouter()
	d := r.Route(RouteInput{AgentType: "generic"})
	if d.Rule != "default" || d.Model != r.cfg.DefaultModel {
		t.Fatalf("unexpected route decision: %#v", d)
	}
}

func TestRouteHonorsExplicitRequestedModel(t *testing.T) {
	r := NewDefaultRouter()
	d := r.Route(RouteInput{AgentType: "generic", RequestedModel: "claude-haiku"})
	if d.Model != "claude-haiku" || d.Rule != "explicit" {
		t.Fatalf("unexpected route decision: %#v", d)
	}
}

func boolPtr(v bool) *bool { return &v }
