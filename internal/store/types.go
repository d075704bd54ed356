package store

import (
	"encoding/json"
	"time"

	"github.com/avelara/machina/pkg/schema"
)

// Workflow is the persisted workflow definition.
type Workflow struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Spec        schema.WorkflowSpec `json:"spec"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Execution is the persisted representation of a workflow run.
type Execution struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Context     json.RawMessage        `json:"context,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// StepState is the materialized view of a step's current execution state.
type StepState struct {
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Instance is the engine-side record of a provisioned machine.
type Instance struct {
	ID          string                `json:"id"`
	ExecutionID string                `json:"execution_id"`
	StepID      string                `json:"step_id,omitempty"`
	ProviderID  string                `json:"provider_id"`
	Provider    string                `json:"provider"`
	Name        string                `json:"name,omitempty"`
	Region      string                `json:"region,omitempty"`
	Image       string                `json:"image,omitempty"`
	Size        string                `json:"size,omitempty"`
	MemoryMB    int                   `json:"memory_mb,omitempty"`
	Address     string                `json:"address,omitempty"`
	Status      schema.InstanceStatus `json:"status"`
	Error       json.RawMessage       `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	ReadyAt     *time.Time            `json:"ready_at,omitempty"`
	DestroyedAt *time.Time            `json:"destroyed_at,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// CommandExecution records a single command run on an instance.
type CommandExecution struct {
	ID          string               `json:"id"`
	ExecutionID string               `json:"execution_id"`
	StepID      string               `json:"step_id,omitempty"`
	InstanceID  string               `json:"instance_id"`
	Command     string               `json:"command"`
	Args        []string             `json:"args,omitempty"`
	Status      schema.CommandStatus `json:"status"`
	ExitCode    int                  `json:"exit_code"`
	Stdout      string               `json:"stdout,omitempty"`
	Stderr      string               `json:"stderr,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	DurationMs  int64                `json:"duration_ms,omitempty"`
}

// Event is an immutable entry in the event log. Sequence is monotonically
// increasing per execution.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ScheduledRun is a cron-triggered workflow execution.
type ScheduledRun struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	CronExpression string          `json:"cron_expression"`
	Context        json.RawMessage `json:"context,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Name   string `json:"name,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Context     json.RawMessage         `json:"context,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	ExecutionID string                 `json:"execution_id,omitempty"`
	Status      *schema.InstanceStatus `json:"status,omitempty"`
	Limit       int                    `json:"limit,omitempty"`
}

// InstanceUpdate specifies mutable fields of an instance.
type InstanceUpdate struct {
	Status      *schema.InstanceStatus `json:"status,omitempty"`
	ProviderID  *string                `json:"provider_id,omitempty"`
	Address     *string                `json:"address,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	ReadyAt     *time.Time             `json:"ready_at,omitempty"`
	DestroyedAt *time.Time             `json:"destroyed_at,omitempty"`
}

// CommandUpdate specifies mutable fields of a command execution.
type CommandUpdate struct {
	Status      *schema.CommandStatus `json:"status,omitempty"`
	ExitCode    *int                  `json:"exit_code,omitempty"`
	Stdout      *string               `json:"stdout,omitempty"`
	Stderr      *string               `json:"stderr,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	DurationMs  *int64                `json:"duration_ms,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	StepID      string     `json:"step_id,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// ScheduledRunUpdate specifies mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledRunFilter specifies criteria for listing scheduled runs.
type ScheduledRunFilter struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
