package wasmagent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/errkind"
)

type failingSource struct{}

func (failingSource) ModuleBytes(context.Context, string) ([]byte, error) {
	return nil, errors.New("module not found in artifact store")
}

func TestRunTagsMissingModuleAsPermanent(t *testing.T) {
	runtime := NewRuntime(context.Background())
	defer runtime.Close(context.Background())
	a := New(runtime, failingSource{}, "mod-1", nil)
	defer a.Close(context.Background())

	_, err := a.Run(context.Background(), agent.Task{ID: "t1", Prompt: "p"}, nil, agent.LogSinkFunc(func(string, string, map[string]any) {}))
	if err == nil {
		t.Fatal("expected an error when the module cannot be fetched")
	}
	if errkind.Of(err) != errkind.Permanent {
		t.Fatalf("expected Permanent errkind, got %v", errkind.Of(err))
	}
}

type staticConfigs struct{ cfg string }

func (s staticConfigs) ModuleConfig(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(s.cfg), nil
}

func TestLoaderCachesResolvedAgent(t *testing.T) {
	runtime := NewRuntime(context.Background())
	defer runtime.Close(context.Background())
	loader := NewLoader(runtime, failingSource{}, staticConfigs{cfg: "{}"})
	defer loader.Close(context.Background())

	first, err := loader.Resolve(context.Background(), "mod-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := loader.Resolve(context.Background(), "mod-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatal("expected Resolve to return the cached agent on the second call")
	}
}

func TestClassifyFaultMapsDeadlineToTimeout(t *testing.T) {
	fault := classifyFault("mod-1", context.DeadlineExceeded)
	var fe *FaultError
	if !errors.As(fault, &fe) {
		t.Fatalf("expected a *FaultError, got %T", fault)
	}
	if fe.Reason != FaultTimeout {
		t.Fatalf("expected FaultTimeout, got %s", fe.Reason)
	}
}
