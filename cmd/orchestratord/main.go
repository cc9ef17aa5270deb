// Command orchestratord is the long-lived server process: it wires the
// store, artifact backend, event bus, agent registry, planner, executor
// and mutation engine together and serves the HTTP+SSE surface.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/agent/builtin"
	"github.com/flowforge/orchestrator/internal/agent/recovery"
	"github.com/flowforge/orchestrator/internal/agent/subaction"
	"github.com/flowforge/orchestrator/internal/agent/wasmagent"
	"github.com/flowforge/orchestrator/internal/agentdef"
	"github.com/flowforge/orchestrator/internal/api"
	"github.com/flowforge/orchestrator/internal/artifact"
	"github.com/flowforge/orchestrator/internal/artifact/fsstore"
	"github.com/flowforge/orchestrator/internal/artifact/miniostore"
	"github.com/flowforge/orchestrator/internal/config"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/executor"
	"github.com/flowforge/orchestrator/internal/models"
	"github.com/flowforge/orchestrator/internal/mutation"
	"github.com/flowforge/orchestrator/internal/observability"
	"github.com/flowforge/orchestrator/internal/planner"
	"github.com/flowforge/orchestrator/internal/planner/openaiclient"
	"github.com/flowforge/orchestrator/internal/policy"
	"github.com/flowforge/orchestrator/internal/store"
	"github.com/flowforge/orchestrator/internal/store/memstore"
	"github.com/flowforge/orchestrator/internal/store/pgstore"
)

func main() {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	shutdownTracing, err := observability.InitTracingFromEnv("orchestratord")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	st, err := newStore(cfg)
	if err != nil {
		log.Fatalf("init store: %v", err)
	}

	artifacts, err := newArtifactStore(cfg)
	if err != nil {
		log.Fatalf("init artifact store: %v", err)
	}

	bus := eventbus.New().WithQueueCapacity(cfg.EventQueueCapacity)

	agentModules, agentDefs := newAgentDefStores(st, cfg)

	wasmRuntime := wasmagent.NewRuntime(context.Background())
	wasmLoader := wasmagent.NewLoader(wasmRuntime, agentModules, agentDefs)

	completer := newChatCompleter(cfg)
	registry := agent.NewRegistry(&builtin.GenericAgent{Completer: completer})
	registry.Register("data_retrieval", &builtin.DataRetrievalAgent{})
	registry.Register("code_execution", &builtin.CodeExecutionAgent{})
	registry.Register("report_writing", &builtin.ReportWritingAgent{})
	registry.WithDynamicResolver(wasmLoader)

	router, err := models.LoadFromEnv()
	if err != nil {
		log.Fatalf("load model routing: %v", err)
	}

	runner := executor.New(st, bus, registry, executor.Options{
		MaxConcurrentTasksPerAction: cfg.MaxConcurrentTasksPerAction,
		TaskRetryMaxAttempts:        cfg.TaskRetryMaxAttempts,
		TaskRetryBaseBackoff:        cfg.TaskRetryBaseBackoff,
		TaskTimeout:                 cfg.TaskTimeoutSeconds,
	}).WithModelRouter(router).WithArtifactStore(artifacts)

	mutations := mutation.New(st, bus, runner)

	pl := planner.New(completer, registry, cfg.PlannerMaxTasks, cfg.PlannerMaxRetries)

	registry.Register("sub_action", subaction.New(st, bus, pl, runner))
	registry.Register("recovery_plan", recovery.New(completer))

	for _, problem := range router.ValidateAgentTypes(registry.RegisteredTypes()) {
		log.Printf("model routing config warning: %s", problem)
	}

	pol, err := policy.LoadFromEnv()
	if err != nil {
		log.Fatalf("load policy: %v", err)
	}

	server := api.NewServer(api.Deps{
		Store:                st,
		Bus:                  bus,
		Runner:               runner,
		Mutations:            mutations,
		Planner:              pl,
		Artifacts:            artifacts,
		Policy:               pol,
		AgentModules:         agentModules,
		AgentDefs:            agentDefs,
		TaskRetryMaxAttempts: cfg.TaskRetryMaxAttempts,
		LogRetentionPerTask:  cfg.LogRetentionPerTask,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("orchestratord listening on %s (store=%s artifacts=%s)", cfg.HTTPAddr, cfg.StoreBackend, cfg.ArtifactBackend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("orchestratord failed: %v", err)
	}
	log.Println("orchestratord shutting down")
	bus.Close()
	_ = wasmLoader.Close(context.Background())
	_ = wasmRuntime.Close(context.Background())
}

func newStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		return pgstore.New(cfg.PostgresDSN)
	default:
		return memstore.New(), nil
	}
}

// agentModuleStore is agentdef.ModuleStore plus the wasmagent.ModuleSource
// adapter method that the concrete stores implement.
type agentModuleStore interface {
	agentdef.ModuleStore
	wasmagent.ModuleSource
}

// agentDefStore is agentdef.Store plus the wasmagent.ConfigSource adapter
// method that the concrete stores implement.
type agentDefStore interface {
	agentdef.Store
	wasmagent.ConfigSource
}

// newAgentDefStores wires the WASM module blob store and agent
// definition metadata store to the same backend as the graph store:
// Postgres tables alongside actions/tasks in production, in-process
// maps for the default local-development path.
func newAgentDefStores(st store.Store, cfg config.Config) (agentModuleStore, agentDefStore) {
	if pg, ok := st.(*pgstore.Store); ok && cfg.StoreBackend == "postgres" {
		return agentdef.NewPGModuleStore(pg.DB()), agentdef.NewPGStore(pg.DB())
	}
	return agentdef.NewMemModuleStore(), agentdef.NewMemStore()
}

func newArtifactStore(cfg config.Config) (artifact.Store, error) {
	switch cfg.ArtifactBackend {
	case "minio":
		return miniostore.New(context.Background(), miniostore.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
	default:
		return fsstore.New(cfg.ArtifactRoot), nil
	}
}

// newChatCompleter returns the real OpenAI-backed completer when an API
// key is configured, otherwise a deterministic offline stand-in so the
// planner still produces a usable task graph in local development.
func newChatCompleter(cfg config.Config) planner.ChatCompleter {
	if cfg.OpenAIAPIKey == "" {
		log.Printf("ORCHESTRATOR_OPENAI_API_KEY not set, planner running with offline fallback completer")
		return planner.NewOfflineCompleter()
	}
	return openaiclient.New(cfg.OpenAIAPIKey, cfg.PlannerModel)
}
