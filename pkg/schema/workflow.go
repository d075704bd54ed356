package schema

import "encoding/json"

// WorkflowSpec is the JSON-serializable workflow creation payload.
type WorkflowSpec struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Steps       []StepDefinition `json:"steps"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single step in a workflow.
// Config carries the kind-specific payload and is validated against the
// matching config type at workflow-creation time.
type StepDefinition struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Kind      StepKind        `json:"kind"`
	Config    json.RawMessage `json:"config,omitempty"`
	DependsOn []string        `json:"depends_on,omitempty"`
}

// StepKind enumerates the kinds of steps in a workflow.
type StepKind string

const (
	StepKindCreateInstance  StepKind = "create_instance"
	StepKindExecuteCommand  StepKind = "execute_command"
	StepKindWait            StepKind = "wait"
	StepKindDestroyInstance StepKind = "destroy_instance"
	StepKindConditional     StepKind = "conditional"
)

// DefaultInstanceKey is the context key instance IDs are written to and
// read from when a step config does not name one.
const DefaultInstanceKey = "instanceId"

// CreateInstanceConfig is the config block for create_instance steps.
type CreateInstanceConfig struct {
	Name       string            `json:"name,omitempty"`
	Region     string            `json:"region,omitempty"`
	Image      string            `json:"image,omitempty"`
	Size       string            `json:"size,omitempty"`
	MemoryMB   int               `json:"memory_mb,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ContextKey string            `json:"context_key,omitempty"` // default "instanceId"
	WaitReady  *WaitReadyConfig  `json:"wait_ready,omitempty"`
}

// WaitReadyConfig overrides the readiness-poll bounds for one step.
type WaitReadyConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Interval    string `json:"interval,omitempty"` // e.g. "2s"
}

// ExecuteCommandConfig is the config block for execute_command steps.
type ExecuteCommandConfig struct {
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	InstanceKey string   `json:"instance_key,omitempty"` // default "instanceId"
	Timeout     string   `json:"timeout,omitempty"`      // e.g. "30s"
	FailOnError bool     `json:"fail_on_error,omitempty"`
	OutputKey   string   `json:"output_key,omitempty"` // context key for {output, error, exit_code}
	Extract     string   `json:"extract,omitempty"`    // jq expression applied to stdout
}

// WaitConfig is the config block for wait steps.
type WaitConfig struct {
	Duration string `json:"duration"` // e.g. "500ms", "10s"
}

// DestroyInstanceConfig is the config block for destroy_instance steps.
type DestroyInstanceConfig struct {
	InstanceKey string `json:"instance_key,omitempty"` // default "instanceId"
}

// ConditionalConfig is the config block for conditional steps.
// Either Condition (operator form) or Expression (CEL/Expr form) must be
// set. A missing then/else branch is a no-op, not a failure.
type ConditionalConfig struct {
	Condition  *Condition      `json:"condition,omitempty"`
	Expression string          `json:"expression,omitempty"`
	Engine     string          `json:"engine,omitempty"` // cel (default) | expr
	ThenStep   *StepDefinition `json:"then_step,omitempty"`
	ElseStep   *StepDefinition `json:"else_step,omitempty"`
}

// Condition is the operator form of a conditional: a context key compared
// against a literal value.
type Condition struct {
	Key      string            `json:"key"`
	Operator ConditionOperator `json:"operator"`
	Value    string            `json:"value,omitempty"`
}

// ConditionOperator enumerates the operator-form comparisons.
type ConditionOperator string

const (
	OperatorEquals    ConditionOperator = "equals"
	OperatorNotEquals ConditionOperator = "not_equals"
	OperatorContains  ConditionOperator = "contains"
	OperatorExists    ConditionOperator = "exists"
)
