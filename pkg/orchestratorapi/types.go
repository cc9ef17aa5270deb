// Package orchestratorapi defines the JSON wire types for the HTTP
// surface: one request/response pair per operation in the external
// interface table. SSE event bodies are not defined here; the event
// bus's own event.Payload is marshaled as-is, keyed by event name.
package orchestratorapi

import (
	"encoding/json"
	"time"
)

type CreateActionRequest struct {
	RootPrompt string `json:"root_prompt"`
	Title      string `json:"title,omitempty"`
}

type PatchActionRequest struct {
	Title      *string `json:"title,omitempty"`
	RootPrompt *string `json:"root_prompt,omitempty"`
}

type AddTaskRequest struct {
	Prompt       string   `json:"prompt"`
	AgentType    string   `json:"agent_type,omitempty"`
	Model        string   `json:"model,omitempty"`
	ModuleID     string   `json:"module_id,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type EditTaskRequest struct {
	Prompt       *string   `json:"prompt,omitempty"`
	AgentType    *string   `json:"agent_type,omitempty"`
	Model        *string   `json:"model,omitempty"`
	ModuleID     *string   `json:"module_id,omitempty"`
	Dependencies *[]string `json:"dependencies,omitempty"`
}

type TaskResponse struct {
	ID            string    `json:"id"`
	ActionID      string    `json:"action_id"`
	Prompt        string    `json:"prompt"`
	AgentType     string    `json:"agent_type"`
	Model         string    `json:"model,omitempty"`
	ModuleID      string    `json:"module_id,omitempty"`
	Status        string    `json:"status"`
	Dependencies  []string  `json:"dependencies"`
	OutputSummary string    `json:"output_summary,omitempty"`
	ArtifactIDs   []string  `json:"artifact_ids,omitempty"`
	SubActionID   string    `json:"sub_action_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ActionResponse struct {
	ID             string         `json:"id"`
	Title          string         `json:"title,omitempty"`
	RootPrompt     string         `json:"root_prompt"`
	Status         string         `json:"status"`
	ParentActionID string         `json:"parent_action_id,omitempty"`
	ParentTaskID   string         `json:"parent_task_id,omitempty"`
	Depth          int            `json:"depth"`
	Tasks          []TaskResponse `json:"tasks"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AgentDefinitionResponse describes a registered WASM agent module.
type AgentDefinitionResponse struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	ModuleDigest string          `json:"module_digest"`
	Config       json.RawMessage `json:"config,omitempty"`
	CreatedBy    string          `json:"created_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// RegisterAgentDefinitionRequest registers a compiled WASM module under
// a name. WASMModuleBase64 is the module's raw bytes, base64-encoded
// the way an HTTP JSON body carries binary payloads; there is
// deliberately no source/code field, since a definition never carries
// anything the server would compile or exec itself.
type RegisterAgentDefinitionRequest struct {
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	WASMModuleBase64 string          `json:"wasm_module_base64"`
	Config           json.RawMessage `json:"config,omitempty"`
}

// PlannerConfigResponse reports the planner's current live tunables.
type PlannerConfigResponse struct {
	MaxTasks   int `json:"max_tasks"`
	MaxRetries int `json:"max_retries"`
}

// UpdatePlannerConfigRequest changes the planner's live tunables; unset
// fields leave the current value in place.
type UpdatePlannerConfigRequest struct {
	MaxTasks   *int `json:"max_tasks,omitempty"`
	MaxRetries *int `json:"max_retries,omitempty"`
}

// PreviewPlanRequest compiles a root prompt against either the
// planner's current config or the candidate MaxTasks/MaxRetries given
// here, without persisting either the plan or the candidate config.
type PreviewPlanRequest struct {
	RootPrompt string `json:"root_prompt"`
	MaxTasks   *int   `json:"max_tasks,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

// PreviewPlanResponse is the task DAG Preview would produce, in the
// same shape AddTaskRequest.Dependencies uses (index-resolved IDs), so
// a client can render it the same way it renders a real action's tasks.
type PreviewPlanResponse struct {
	Tasks []PlanTaskResponse `json:"tasks"`
}

type PlanTaskResponse struct {
	ID           string   `json:"id"`
	Prompt       string   `json:"prompt"`
	AgentType    string   `json:"agent_type"`
	Model        string   `json:"model,omitempty"`
	Dependencies []string `json:"dependencies"`
}

type ListActionsResponse struct {
	Actions []ActionResponse `json:"actions"`
}

type RunActionResponse struct {
	Accepted bool   `json:"accepted"`
	ActionID string `json:"action_id"`
}

type LogEntryResponse struct {
	ID        int64          `json:"id"`
	TaskID    string         `json:"task_id"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type LogsResponse struct {
	TaskID string             `json:"task_id"`
	Logs   []LogEntryResponse `json:"logs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
