// Package config loads the control plane's tunables from the process
// environment, following the same small getenv-with-fallback idiom used
// throughout this codebase rather than a config file or flags library.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every option in the configuration table: admission and
// retry bounds for the executor, planner limits, and the event bus and
// log retention sizes.
type Config struct {
	HTTPAddr string

	StoreBackend string
	PostgresDSN  string

	ArtifactBackend string
	ArtifactRoot    string
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucket     string
	MinIOUseSSL     bool

	MaxConcurrentTasksPerAction int64
	TaskRetryMaxAttempts        int
	TaskRetryBaseBackoff        time.Duration
	TaskTimeoutSeconds          time.Duration

	PlannerMaxTasks   int
	PlannerMaxRetries int
	PlannerModel      string
	OpenAIAPIKey      string

	EventQueueCapacity  int
	LogRetentionPerTask int
}

// FromEnv populates a Config from ORCHESTRATOR_* environment variables,
// falling back to the defaults from the configuration option table for
// anything unset or unparsable.
func FromEnv() Config {
	return Config{
		HTTPAddr: getenv("ORCHESTRATOR_HTTP_ADDR", ":8080"),

		StoreBackend: getenv("ORCHESTRATOR_STORE", "memory"),
		PostgresDSN:  os.Getenv("ORCHESTRATOR_POSTGRES_DSN"),

		ArtifactBackend: getenv("ORCHESTRATOR_ARTIFACT_BACKEND", "local"),
		ArtifactRoot:    getenv("ORCHESTRATOR_ARTIFACT_ROOT", "/tmp/orchestrator-artifacts"),
		MinIOEndpoint:   os.Getenv("ORCHESTRATOR_MINIO_ENDPOINT"),
		MinIOAccessKey:  os.Getenv("ORCHESTRATOR_MINIO_ACCESS_KEY"),
		MinIOSecretKey:  os.Getenv("ORCHESTRATOR_MINIO_SECRET_KEY"),
		MinIOBucket:     getenv("ORCHESTRATOR_MINIO_BUCKET", "orchestrator-artifacts"),
		MinIOUseSSL:     getenvBool("ORCHESTRATOR_MINIO_USE_SSL", false),

		MaxConcurrentTasksPerAction: int64(getenvInt("ORCHESTRATOR_MAX_CONCURRENT_TASKS_PER_ACTION", 8)),
		TaskRetryMaxAttempts:        getenvInt("ORCHESTRATOR_TASK_RETRY_MAX_ATTEMPTS", 3),
		TaskRetryBaseBackoff:        time.Duration(getenvInt("ORCHESTRATOR_TASK_RETRY_BASE_BACKOFF_MS", 500)) * time.Millisecond,
		TaskTimeoutSeconds:          time.Duration(getenvInt("ORCHESTRATOR_TASK_TIMEOUT_SECONDS", 300)) * time.Second,

		PlannerMaxTasks:   getenvInt("ORCHESTRATOR_PLANNER_MAX_TASKS", 8),
		PlannerMaxRetries: getenvInt("ORCHESTRATOR_PLANNER_MAX_RETRIES", 2),
		PlannerModel:      getenv("ORCHESTRATOR_PLANNER_MODEL", "gpt-4o-mini"),
		OpenAIAPIKey:      os.Getenv("ORCHESTRATOR_OPENAI_API_KEY"),

		EventQueueCapacity:  getenvInt("ORCHESTRATOR_EVENT_QUEUE_CAPACITY", 256),
		LogRetentionPerTask: getenvInt("ORCHESTRATOR_LOG_RETENTION_PER_TASK", 1000),
	}
}

// Validate checks the cross-field requirements FromEnv cannot express
// through defaults alone, such as requiring a DSN when a postgres
// backend is selected.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unsupported ORCHESTRATOR_STORE value %q", c.StoreBackend)
	}
	if c.StoreBackend == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("ORCHESTRATOR_POSTGRES_DSN is required when ORCHESTRATOR_STORE=postgres")
	}
	switch c.ArtifactBackend {
	case "local", "minio":
	default:
		return fmt.Errorf("unsupported ORCHESTRATOR_ARTIFACT_BACKEND value %q", c.ArtifactBackend)
	}
	if c.ArtifactBackend == "minio" && c.MinIOEndpoint == "" {
		return fmt.Errorf("ORCHESTRATOR_MINIO_ENDPOINT is required when ORCHESTRATOR_ARTIFACT_BACKEND=minio")
	}
	if c.MaxConcurrentTasksPerAction <= 0 {
		return fmt.Errorf("ORCHESTRATOR_MAX_CONCURRENT_TASKS_PER_ACTION must be positive")
	}
	if c.TaskRetryMaxAttempts <= 0 {
		return fmt.Errorf("ORCHESTRATOR_TASK_RETRY_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
