// Package lifecycle manages compute instances from provisioning through
// destruction. It owns the instance state machine, the readiness polling
// loop, and the mapping between provider machine states and instance
// statuses.
package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
)

// ValidInstanceTransitions defines the allowed instance status transitions.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusCreating: {
		schema.InstanceStatusStarting,
		schema.InstanceStatusRunning,
		schema.InstanceStatusFailed,
	},
	schema.InstanceStatusStarting: {
		schema.InstanceStatusRunning,
		schema.InstanceStatusFailed,
	},
	schema.InstanceStatusRunning: {
		schema.InstanceStatusStopping,
		schema.InstanceStatusDestroying,
		schema.InstanceStatusFailed,
	},
	schema.InstanceStatusStopping: {
		schema.InstanceStatusStopped,
		schema.InstanceStatusFailed,
	},
	schema.InstanceStatusStopped: {
		schema.InstanceStatusStarting,
		schema.InstanceStatusDestroying,
	},
	schema.InstanceStatusDestroying: {
		schema.InstanceStatusDestroyed,
		schema.InstanceStatusFailed,
	},
	schema.InstanceStatusDestroyed: {},
	// Failed instances may still be cleaned up.
	schema.InstanceStatusFailed: {
		schema.InstanceStatusDestroying,
	},
}

// EventAppender persists lifecycle events.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// InstanceFSM validates and records instance status transitions. Every
// successful transition emits an event so the instance history can be
// reconstructed from the event log.
type InstanceFSM struct {
	appender EventAppender
}

// NewInstanceFSM creates an instance state machine backed by the given
// event appender.
func NewInstanceFSM(appender EventAppender) *InstanceFSM {
	return &InstanceFSM{appender: appender}
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to schema.InstanceStatus) bool {
	for _, allowed := range ValidInstanceTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves an instance from one status to another, emitting the
// corresponding lifecycle event. Invalid transitions return
// ErrCodeInvalidTransition.
func (f *InstanceFSM) Transition(ctx context.Context, inst *store.Instance, to schema.InstanceStatus, payload json.RawMessage) error {
	from := inst.Status
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition %s -> %s", from, to).
			WithDetails(map[string]any{
				"instance_id": inst.ID,
				"from":        string(from),
				"to":          string(to),
			})
	}

	event := &store.Event{
		ExecutionID: inst.ExecutionID,
		StepID:      inst.StepID,
		Type:        instanceEventType(to),
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"append instance event: %v", err).WithCause(err)
	}

	inst.Status = to
	return nil
}

func instanceEventType(status schema.InstanceStatus) string {
	switch status {
	case schema.InstanceStatusCreating:
		return schema.EventInstanceCreating
	case schema.InstanceStatusStarting:
		return schema.EventInstanceStarting
	case schema.InstanceStatusRunning:
		return schema.EventInstanceRunning
	case schema.InstanceStatusStopping:
		return schema.EventInstanceStopping
	case schema.InstanceStatusStopped:
		return schema.EventInstanceStopped
	case schema.InstanceStatusDestroying:
		return schema.EventInstanceDestroying
	case schema.InstanceStatusDestroyed:
		return schema.EventInstanceDestroyed
	case schema.InstanceStatusFailed:
		return schema.EventInstanceFailed
	default:
		return "instance_" + string(status)
	}
}
