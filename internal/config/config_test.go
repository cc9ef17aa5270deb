package config

import "testing"

func TestFromEnvAppliesDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.MaxConcurrentTasksPerAction != 8 {
		t.Fatalf("expected default max concurrent tasks 8, got %d", cfg.MaxConcurrentTasksPerAction)
	}
	if cfg.TaskRetryMaxAttempts != 3 {
		t.Fatalf("expected default retry attempts 3, got %d", cfg.TaskRetryMaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestFromEnvReadsOverrides(t *testing.T) {
	t.Setenv("ORCHESTRATOR_MAX_CONCURRENT_TASKS_PER_ACTION", "16")
	t.Setenv("ORCHESTRATOR_TASK_RETRY_BASE_BACKOFF_MS", "1000")
	t.Setenv("ORCHESTRATOR_STORE", "postgres")
	t.Setenv("ORCHESTRATOR_POSTGRES_DSN", "postgres://localhost/orchestrator")

	cfg := FromEnv()
	if cfg.MaxConcurrentTasksPerAction != 16 {
		t.Fatalf("expected overridden max concurrent tasks 16, got %d", cfg.MaxConcurrentTasksPerAction)
	}
	if cfg.TaskRetryBaseBackoff.Milliseconds() != 1000 {
		t.Fatalf("expected overridden backoff 1000ms, got %s", cfg.TaskRetryBaseBackoff)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("postgres config with dsn should validate, got %v", err)
	}
}

func TestValidateRejectsPostgresWithoutDSN(t *testing.T) {
	cfg := FromEnv()
	cfg.StoreBackend = "postgres"
	cfg.PostgresDSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for postgres backend without a DSN")
	}
}

func TestValidateRejectsUnknownStoreBackend(t *testing.T) {
	cfg := FromEnv()
	cfg.StoreBackend = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for an unsupported store backend")
	}
}
