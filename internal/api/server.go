// Package api implements the HTTP+SSE transport over net/http.ServeMux
// described in the external interfaces section: action/task CRUD, run
// triggers, a live event stream per action, log retrieval and artifact
// download. Every handler except the health check enforces the
// scope-based authorizer before touching the store; the create-action,
// add-task and run handlers also pass the submission rate limiter.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/flowforge/orchestrator/internal/agentdef"
	"github.com/flowforge/orchestrator/internal/artifact"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/executor"
	"github.com/flowforge/orchestrator/internal/mutation"
	"github.com/flowforge/orchestrator/internal/observability"
	"github.com/flowforge/orchestrator/internal/planner"
	"github.com/flowforge/orchestrator/internal/policy"
	"github.com/flowforge/orchestrator/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

// Server wires the graph store, event bus, executor, mutation engine
// and planner into the HTTP surface. One Server is shared by the whole
// process; per-request state lives only for the request's lifetime.
type Server struct {
	store     store.Store
	bus       *eventbus.Bus
	runner    *executor.Runner
	mutations *mutation.Engine
	planner   *planner.Planner
	artifacts artifact.Store
	policy    *policy.Engine
	auth      *authorizer
	limiter   *submitLimiter

	agentModules agentdef.ModuleStore
	agentDefs    agentdef.Store

	taskRetryMaxAttempts int
	logRetentionPerTask  int

	running       runRegistry
	retryAttempts attemptCounter
}

// Deps bundles the collaborators NewServer wires together, mirroring the
// component design's "executor mutates state only through the store,
// the mutation engine coordinates with the executor" ownership rules.
type Deps struct {
	Store                store.Store
	Bus                  *eventbus.Bus
	Runner               *executor.Runner
	Mutations            *mutation.Engine
	Planner              *planner.Planner
	Artifacts            artifact.Store
	Policy               *policy.Engine
	AgentModules         agentdef.ModuleStore
	AgentDefs            agentdef.Store
	TaskRetryMaxAttempts int
	LogRetentionPerTask  int
}

func NewServer(deps Deps) *Server {
	pol := deps.Policy
	if pol == nil {
		pol = policy.NewAllowAll()
	}
	retention := deps.LogRetentionPerTask
	if retention <= 0 {
		retention = 1000
	}
	maxAttempts := deps.TaskRetryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Server{
		store:                deps.Store,
		bus:                  deps.Bus,
		runner:               deps.Runner,
		mutations:            deps.Mutations,
		planner:              deps.Planner,
		artifacts:            deps.Artifacts,
		policy:               pol,
		agentModules:         deps.AgentModules,
		agentDefs:            deps.AgentDefs,
		auth:                 newAuthorizerFromEnv(),
		limiter:              newSubmitLimiterFromEnv(),
		taskRetryMaxAttempts: maxAttempts,
		logRetentionPerTask:  retention,
		running:              newRunRegistry(),
		retryAttempts:        attemptCounter{counts: make(map[string]int)},
	}
}

// attemptCounter tracks how many operator-initiated retries an action
// has had, used only for the action.retrying event's attempt number;
// it is process-local and resets if the server restarts.
type attemptCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *attemptCounter) next(actionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[actionID]++
	return c.counts[actionID]
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) { mux.HandleFunc(pattern, withTracing(pattern, h)) }

	route("GET /healthz", s.handleHealth)
	route("GET /v1/metrics", s.handleMetrics)
	route("GET /v1/metrics/prometheus", s.handleMetricsPrometheus)

	route("POST /v1/actions", s.handleCreateAction)
	route("GET /v1/actions", s.handleListActions)
	route("GET /v1/actions/{id}", s.handleGetAction)
	route("PATCH /v1/actions/{id}", s.handlePatchAction)
	route("DELETE /v1/actions/{id}", s.handleDeleteAction)
	route("POST /v1/actions/{id}/run", s.handleRunAction)
	route("GET /v1/actions/{id}/events", s.handleSubscribe)

	route("POST /v1/actions/{id}/tasks", s.handleAddTask)
	route("PATCH /v1/actions/{id}/tasks/{taskID}", s.handleEditTask)
	route("GET /v1/actions/{id}/tasks/{taskID}/logs", s.handleGetLogs)

	route("GET /v1/artifacts/{artifactID}", s.handleGetArtifact)

	route("POST /v1/agent-definitions", s.handleRegisterAgentDefinition)
	route("GET /v1/agent-definitions", s.handleListAgentDefinitions)
	route("DELETE /v1/agent-definitions/{id}", s.handleDeleteAgentDefinition)

	route("GET /v1/planner/config", s.handleGetPlannerConfig)
	route("PATCH /v1/planner/config", s.handleUpdatePlannerConfig)
	route("POST /v1/planner/preview", s.handlePreviewPlan)

	return withLogging(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if _, code, msg := s.auth.authorize(r, "", ""); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if _, code, msg := s.auth.authorize(r, "", ""); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

// withTracing wraps a single route's handler, naming its span after the
// registered pattern (so /v1/actions/{id} groups under one span name
// instead of fragmenting the trace backend's index by id) while still
// attaching the concrete action/task ids the mux resolved as attributes.
func withTracing(pattern string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		attrs := []attribute.KeyValue{attribute.String("http.method", r.Method)}
		if id := r.PathValue("id"); id != "" {
			attrs = append(attrs, attribute.String(observability.AttrActionID, id))
		}
		if taskID := r.PathValue("taskID"); taskID != "" {
			attrs = append(attrs, attribute.String(observability.AttrTaskID, taskID))
		}
		ctx, span := observability.StartSpan(r.Context(), "http."+pattern, attrs...)
		defer span.End()
		next(w, r.WithContext(ctx))
	}
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("http method=%s path=%s status=%d duration_ms=%d", r.Method, r.URL.Path, rec.status, time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush makes statusRecorder satisfy http.Flusher when the wrapped
// ResponseWriter does, so SSE handlers downstream of withLogging can
// still stream.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// runRegistry tracks which actions have a run loop in flight so
// Run(action_id) can be idempotent: a second call while one is already
// running returns immediately instead of starting a competing Runner.Run
// that would supersede the first's claim token generation.
type runRegistry struct {
	mu     sync.Mutex
	active map[string]bool
}

func newRunRegistry() runRegistry { return runRegistry{active: make(map[string]bool)} }

// start reports whether actionID was not already running and marks it
// as running; the caller must call finish once Runner.Run returns.
func (r *runRegistry) start(actionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[actionID] {
		return false
	}
	r.active[actionID] = true
	return true
}

func (r *runRegistry) finish(actionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, actionID)
}
