package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
)

// EventAppender persists engine events.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidExecutionTransitions defines the allowed execution status moves.
// An execution reaches a terminal state exactly once.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// ValidStepTransitions defines the allowed step status moves.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {
		schema.StepStatusScheduled,
		schema.StepStatusSkipped,
	},
	schema.StepStatusScheduled: {
		schema.StepStatusRunning,
		schema.StepStatusSkipped,
	},
	schema.StepStatusRunning: {
		schema.StepStatusCompleted,
		schema.StepStatusFailed,
		schema.StepStatusSkipped,
	},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// ExecutionFSM validates execution status transitions and emits the
// corresponding events.
type ExecutionFSM struct {
	appender EventAppender
}

// NewExecutionFSM creates an execution state machine.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{appender: appender}
}

// Transition moves an execution between statuses, emitting the event for
// the target status. Invalid moves return ErrCodeInvalidTransition.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, payload json.RawMessage) error {
	if !containsStatus(ValidExecutionTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition %s -> %s", from, to).
			WithDetails(map[string]any{
				"execution_id": executionID,
				"from":         string(from),
				"to":           string(to),
			})
	}

	eventType := executionEventType(to)
	if eventType == "" {
		return nil
	}
	if err := f.appender.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		Type:        eventType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append execution event: %v", err).WithCause(err)
	}
	return nil
}

// StepFSM validates step status transitions and emits step events.
type StepFSM struct {
	appender EventAppender
}

// NewStepFSM creates a step state machine.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{appender: appender}
}

// Transition moves a step between statuses, emitting an event when the
// target status has one (scheduled does not).
func (f *StepFSM) Transition(ctx context.Context, executionID, stepID string, from, to schema.StepStatus, payload json.RawMessage) error {
	if !containsStatus(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{
				"execution_id": executionID,
				"from":         string(from),
				"to":           string(to),
			})
	}

	eventType := stepEventType(to)
	if eventType == "" {
		return nil
	}
	if err := f.appender.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append step event: %v", err).WithCause(err)
	}
	return nil
}

// canSkip reports whether a step in the given status may be skipped during
// a cancellation cascade.
func canSkip(status schema.StepStatus) bool {
	switch status {
	case schema.StepStatusPending, schema.StepStatusScheduled, schema.StepStatusRunning:
		return true
	default:
		return false
	}
}

func executionEventType(status schema.ExecutionStatus) string {
	switch status {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

func stepEventType(status schema.StepStatus) string {
	switch status {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	default:
		return ""
	}
}

func containsStatus[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
