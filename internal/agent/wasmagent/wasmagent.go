// Package wasmagent runs user-defined agents as sandboxed WASM modules
// via wazero. This replaces the unsafe dynamic-code-loading path the
// agent contract used to allow: the store records only a module's
// content-addressed ID and a JSON config blob, never source, and every
// invocation is time- and memory-bounded.
package wasmagent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/errkind"
)

const (
	defaultMemoryLimitPages = 160 // 160 * 64KB = 10MB per module
	defaultInvokeTimeout    = 30 * time.Second
)

// ModuleSource resolves a content-addressed module ID to its compiled
// bytes, decoupling the registry from wherever modules are actually
// stored (artifact store, local cache, registry mirror).
type ModuleSource interface {
	ModuleBytes(ctx context.Context, moduleID string) ([]byte, error)
}

// Agent runs one WASM module (identified by content-addressed ID) as an
// agent.Agent. Config is opaque JSON passed to the module's "configure"
// export, if present.
type Agent struct {
	runtime       wazero.Runtime
	source        ModuleSource
	moduleID      string
	config        json.RawMessage
	invokeTimeout time.Duration
	memoryLimit   uint32

	mu     sync.Mutex
	loaded api.Module
}

// New builds an Agent bound to one compiled module, sharing runtime
// across every module a Loader hands out so that compilation caches and
// the sandbox's memory accounting apply process-wide rather than per
// invocation.
func New(runtime wazero.Runtime, source ModuleSource, moduleID string, config json.RawMessage) *Agent {
	return &Agent{
		runtime:       runtime,
		source:        source,
		moduleID:      moduleID,
		config:        config,
		invokeTimeout: defaultInvokeTimeout,
		memoryLimit:   defaultMemoryLimitPages,
	}
}

// NewRuntime builds the shared wazero runtime a Loader hands to every
// Agent it constructs. Callers must Close it during process shutdown.
func NewRuntime(ctx context.Context) wazero.Runtime {
	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(defaultMemoryLimitPages).
		WithCloseOnContextDone(true)
	return wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
}

func (a *Agent) Close(ctx context.Context) error {
	if a.loaded == nil {
		return nil
	}
	return a.loaded.Close(ctx)
}

var _ agent.Agent = (*Agent)(nil)

// Loader implements agent.DynamicResolver over a shared wazero runtime,
// caching one Agent per module ID so a busy module isn't recompiled on
// every task claim.
type Loader struct {
	runtime wazero.Runtime
	source  ModuleSource
	configs ConfigSource

	mu     sync.Mutex
	cached map[string]*Agent
}

// ConfigSource resolves a module ID to its configure-time JSON blob, set
// once when the module is registered as an agent definition.
type ConfigSource interface {
	ModuleConfig(ctx context.Context, moduleID string) (json.RawMessage, error)
}

// NewLoader builds a Loader over a shared runtime. source fetches
// compiled module bytes; configs fetches the per-module config blob
// recorded when the module was registered.
func NewLoader(runtime wazero.Runtime, source ModuleSource, configs ConfigSource) *Loader {
	return &Loader{runtime: runtime, source: source, configs: configs, cached: make(map[string]*Agent)}
}

// Resolve implements agent.DynamicResolver.
func (l *Loader) Resolve(ctx context.Context, moduleID string) (agent.Agent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.cached[moduleID]; ok {
		return a, nil
	}
	cfg, err := l.configs.ModuleConfig(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("load config for wasm module %s: %w", moduleID, err)
	}
	a := New(l.runtime, l.source, moduleID, cfg)
	l.cached[moduleID] = a
	return a, nil
}

// Close releases every module this loader instantiated. It does not
// close the shared runtime; the caller that built it with NewRuntime
// owns that lifecycle.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, a := range l.cached {
		if err := a.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// wasmInvocation is the JSON payload written to the guest's input buffer
// and the shape its "run" export must write back to its output buffer.
type wasmInvocation struct {
	Prompt string            `json:"prompt"`
	Inputs []wasmInputRecord `json:"inputs"`
	Config json.RawMessage   `json:"config,omitempty"`
}

type wasmInputRecord struct {
	TaskID        string   `json:"task_id"`
	OutputSummary string   `json:"output_summary"`
	ArtifactIDs   []string `json:"artifact_ids,omitempty"`
}

// wasmArtifact is a blob a module produces, carried inline as base64
// since a guest module has no way to reach the host artifact store
// directly.
type wasmArtifact struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	DataBase64  string `json:"data_base64"`
}

type wasmOutput struct {
	OutputSummary string         `json:"output_summary"`
	Artifacts     []wasmArtifact `json:"artifacts,omitempty"`
	Error         string         `json:"error,omitempty"`
	Transient     bool           `json:"transient,omitempty"`
}

func (a *Agent) Run(ctx context.Context, task agent.Task, inputs []agent.Input, logs agent.LogSink) (agent.Result, error) {
	module, err := a.ensureLoaded(ctx)
	if err != nil {
		return agent.Result{}, errkind.Tag(errkind.Permanent, err)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, a.invokeTimeout)
	defer cancel()

	payload := wasmInvocation{Prompt: task.Prompt, Config: a.config}
	for _, in := range inputs {
		payload.Inputs = append(payload.Inputs, wasmInputRecord{
			TaskID:        in.TaskID,
			OutputSummary: in.OutputSummary,
			ArtifactIDs:   in.ArtifactIDs,
		})
	}
	inputBytes, err := json.Marshal(payload)
	if err != nil {
		return agent.Result{}, errkind.Tag(errkind.Validation, err)
	}

	outBytes, err := a.invokeRun(invokeCtx, module, inputBytes, logs)
	if err != nil {
		if errors.Is(invokeCtx.Err(), context.DeadlineExceeded) {
			return agent.Result{}, errkind.Tag(errkind.Transient, fmt.Errorf("wasm agent %s timed out: %w", a.moduleID, err))
		}
		return agent.Result{}, errkind.Tag(errkind.AgentInternal, fmt.Errorf("wasm agent %s failed: %w", a.moduleID, err))
	}

	var out wasmOutput
	if err := json.Unmarshal(outBytes, &out); err != nil {
		return agent.Result{}, errkind.Tag(errkind.AgentInternal, fmt.Errorf("wasm agent %s returned invalid output: %w", a.moduleID, err))
	}
	if out.Error != "" {
		kind := errkind.Permanent
		if out.Transient {
			kind = errkind.Transient
		}
		return agent.Result{}, errkind.Tag(kind, errors.New(out.Error))
	}
	artifacts := make([]agent.Artifact, 0, len(out.Artifacts))
	for _, wa := range out.Artifacts {
		data, err := base64.StdEncoding.DecodeString(wa.DataBase64)
		if err != nil {
			return agent.Result{}, errkind.Tag(errkind.AgentInternal, fmt.Errorf("wasm agent %s returned invalid artifact data: %w", a.moduleID, err))
		}
		artifacts = append(artifacts, agent.Artifact{Name: wa.Name, ContentType: wa.ContentType, Data: data})
	}
	return agent.Result{OutputSummary: out.OutputSummary, Artifacts: artifacts}, nil
}

func (a *Agent) ensureLoaded(ctx context.Context) (api.Module, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded != nil {
		return a.loaded, nil
	}
	wasmBytes, err := a.source.ModuleBytes(ctx, a.moduleID)
	if err != nil {
		return nil, fmt.Errorf("fetch wasm module %s: %w", a.moduleID, err)
	}
	compiled, err := a.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module %s: %w", a.moduleID, err)
	}
	module, err := a.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(a.moduleID))
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm module %s: %w", a.moduleID, err)
	}
	a.loaded = module
	return module, nil
}

// invokeRun writes inputBytes into the module's linear memory via its
// exported "alloc" function, calls "run" with the pointer and length,
// and reads the result back from the pointer/length pair "run" returns.
func (a *Agent) invokeRun(ctx context.Context, module api.Module, inputBytes []byte, logs agent.LogSink) ([]byte, error) {
	alloc := module.ExportedFunction("alloc")
	run := module.ExportedFunction("run")
	if alloc == nil || run == nil {
		return nil, &FaultError{Reason: FaultNoExport, Module: a.moduleID, Detail: "module must export alloc and run"}
	}

	allocResults, err := alloc.Call(ctx, uint64(len(inputBytes)))
	if err != nil {
		return nil, classifyFault(a.moduleID, err)
	}
	inPtr := uint32(allocResults[0])
	if !module.Memory().Write(inPtr, inputBytes) {
		return nil, &FaultError{Reason: FaultExecError, Module: a.moduleID, Detail: "failed writing input to guest memory"}
	}

	results, err := run.Call(ctx, uint64(inPtr), uint64(len(inputBytes)))
	if err != nil {
		return nil, classifyFault(a.moduleID, err)
	}
	if len(results) < 2 {
		return nil, &FaultError{Reason: FaultNoExport, Module: a.moduleID, Detail: "run must return (ptr, len)"}
	}
	outPtr, outLen := uint32(results[0]), uint32(results[1])
	out, ok := module.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, &FaultError{Reason: FaultExecError, Module: a.moduleID, Detail: "failed reading output from guest memory"}
	}
	if logs != nil {
		logs.Log("info", "wasm agent returned output", map[string]any{"module": a.moduleID, "bytes": outLen})
	}
	return append([]byte(nil), out...), nil
}

// Fault reason codes for sandboxed invocation failures.
const (
	FaultTimeout   = "WASM_TIMEOUT"
	FaultNoExport  = "WASM_NO_EXPORT"
	FaultExecError = "WASM_FAULT"
)

type FaultError struct {
	Reason, Module, Detail string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", e.Reason, e.Module, e.Detail)
}

func classifyFault(moduleID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &FaultError{Reason: FaultTimeout, Module: moduleID, Detail: err.Error()}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &FaultError{Reason: FaultTimeout, Module: moduleID, Detail: err.Error()}
	}
	return &FaultError{Reason: FaultExecError, Module: moduleID, Detail: err.Error()}
}
