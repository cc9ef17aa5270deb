// Package graph defines the core data model shared by every layer of the
// orchestrator: actions, tasks, artifacts and log entries.
package graph

import "time"

// Action status values, per the lifecycle in the data model.
const (
	ActionDraft     = "draft"
	ActionRunning   = "running"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
)

// Task status values.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Log levels for LogEntry.
const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// MaxActionDepth bounds how many sub-action generations may nest below a
// root action: a depth-3 root->child->grandchild->great-grandchild chain
// is allowed, a fifth generation is rejected.
const MaxActionDepth = 3

// Action is a user-initiated workflow rooted in a natural-language prompt.
// A sub-action task spawns a child Action that links back to its parent
// through ParentActionID/ParentTaskID; Depth counts generations from the
// root (0 for a top-level action).
type Action struct {
	ID             string
	Title          string
	RootPrompt     string
	Status         string
	ParentActionID string
	ParentTaskID   string
	Depth          int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Task is a node in an action's DAG. ModuleID names a content-addressed
// WASM agent module (see agent/wasmagent) to run this task with instead
// of a statically registered AgentType implementation; empty for every
// built-in agent type. SubActionID is set once a "sub_action" task has
// spawned its child Action. ArtifactIDs is populated once the task
// completes, referencing rows in the artifact store the agent's run
// produced blobs for.
type Task struct {
	ID            string
	ActionID      string
	Prompt        string
	AgentType     string
	Model         string
	ModuleID      string
	Status        string
	Dependencies  []string
	OutputSummary string
	ArtifactIDs   []string
	SubActionID   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Artifact is a binary/textual blob produced by a task, stored out-of-band.
type Artifact struct {
	ID        string
	TaskID    string
	MimeType  string
	StorePath string
	SizeBytes int64
	CreatedAt time.Time
}

// LogEntry is one append-only log line for a task.
type LogEntry struct {
	ID        int64
	TaskID    string
	Level     string
	Message   string
	Payload   map[string]any
	CreatedAt time.Time
}

// TaskSpec is the planner's description of a task before it is persisted.
// ID is optional: callers that must resolve dependency references before
// a task is ever inserted (the planner, which only knows dependencies as
// positional indices) pre-assign it; the store honors a non-empty ID
// instead of generating its own.
type TaskSpec struct {
	ID           string
	Prompt       string
	AgentType    string
	Model        string
	ModuleID     string
	Dependencies []string
}
