package schema

// Event type constants for the append-only event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventInstanceCreating   = "instance_creating"
	EventInstanceStarting   = "instance_starting"
	EventInstanceRunning    = "instance_running"
	EventInstanceStopping   = "instance_stopping"
	EventInstanceStopped    = "instance_stopped"
	EventInstanceDestroying = "instance_destroying"
	EventInstanceDestroyed  = "instance_destroyed"
	EventInstanceFailed     = "instance_failed"

	EventCommandStarted   = "command_started"
	EventCommandCompleted = "command_completed"
	EventCommandTimedOut  = "command_timed_out"

	EventConditionEvaluated = "condition_evaluated"
	EventWaitStarted        = "wait_started"
	EventWaitCompleted      = "wait_completed"
	EventCircuitBreakerOpen = "circuit_breaker_open"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus represents the lifecycle state of a step within an execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusScheduled StepStatus = "scheduled"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// InstanceStatus represents the lifecycle state of a compute instance.
// Derived from the provider's reported machine state, never assumed locally.
type InstanceStatus string

const (
	InstanceStatusCreating   InstanceStatus = "creating"
	InstanceStatusStarting   InstanceStatus = "starting"
	InstanceStatusRunning    InstanceStatus = "running"
	InstanceStatusStopping   InstanceStatus = "stopping"
	InstanceStatusStopped    InstanceStatus = "stopped"
	InstanceStatusDestroying InstanceStatus = "destroying"
	InstanceStatusDestroyed  InstanceStatus = "destroyed"
	InstanceStatusFailed     InstanceStatus = "failed"
)

// Terminal reports whether the instance can make no further progress.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusDestroyed || s == InstanceStatusFailed
}

// CommandStatus represents the lifecycle state of a remote command run.
type CommandStatus string

const (
	CommandStatusRunning   CommandStatus = "running"
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
	CommandStatusTimeout   CommandStatus = "timeout"
)
