package policy

import "testing"

func TestEvaluateSubmitQuotaAndDenyRule(t *testing.T) {
	engine := NewFromConfig(Config{
		DefaultAction: "allow",
		OwnerQuotas: map[string]OwnerQuota{
			"owner-a": {MaxRunningActions: 1},
		},
		Rules: []Rule{
			{
				Name:   "deny-confidential-external",
				Effect: "deny",
				Reason: "confidential_external_forbidden",
				Match: RuleMatch{
					DataClassification: "confidential",
					Model:              "external_api",
				},
			},
		},
	})

	d := engine.EvaluateSubmit(SubmitInput{
		Owner:              "owner-a",
		Model:              "external_api",
		DataClassification: "confidential",
		RunningActions:     0,
	})
	if d.Allowed {
		t.Fatalf("expected deny decision")
	}
	if d.ReasonCode != "confidential_external_forbidden" {
		t.Fatalf("unexpected reason code: %s", d.ReasonCode)
	}

	d = engine.EvaluateSubmit(SubmitInput{
		Owner:          "owner-a",
		RunningActions: 1,
	})
	if d.Allowed {
		t.Fatalf("expected quota deny decision")
	}
	if d.ReasonCode != "quota_running_actions_exceeded" {
		t.Fatalf("unexpected quota reason code: %s", d.ReasonCode)
	}
}

func TestEvaluateTaskQuota(t *testing.T) {
	engine := NewFromConfig(Config{
		DefaultAction: "allow",
		OwnerQuotas: map[string]OwnerQuota{
			"owner-a": {MaxRunningTasks: 2},
		},
	})
	d := engine.EvaluateTask(TaskInput{
		Owner:        "owner-a",
		AgentType:    "generic",
		RunningTasks: 2,
	})
	if d.Allowed {
		t.Fatalf("expected running task quota deny")
	}
	if d.ReasonCode != "quota_running_tasks_exceeded" {
		t.Fatalf("unexpected reason code: %s", d.ReasonCode)
	}
}

func TestEvaluateSubmitDefaultAllow(t *testing.T) {
	engine := NewAllowAll()
	if !engine.IsNoop() {
		t.Fatal("expected NewAllowAll to be a noop engine")
	}
	d := engine.EvaluateSubmit(SubmitInput{Owner: "anyone"})
	if !d.Allowed || d.ReasonCode != "default_allow" {
		t.Fatalf("expected default allow decision, got %+v", d)
	}
}
