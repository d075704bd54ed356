package steps

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avelara/machina/internal/lifecycle"
	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
)

// WaitExecutor pauses an execution for a fixed duration. The pause is
// cancellable through the step's context.
type WaitExecutor struct {
	clock  lifecycle.Clock
	events *store.EventLog
}

// NewWaitExecutor creates a wait executor. A nil clock defaults to the
// wall clock.
func NewWaitExecutor(clock lifecycle.Clock, events *store.EventLog) *WaitExecutor {
	if clock == nil {
		clock = lifecycle.NewClock()
	}
	return &WaitExecutor{clock: clock, events: events}
}

func (e *WaitExecutor) Kind() schema.StepKind {
	return schema.StepKindWait
}

func (e *WaitExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg, err := decodeConfig[schema.WaitConfig](req.Config, req.Step.ID)
	if err != nil {
		return nil, err
	}
	if cfg.Duration == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"wait requires a duration").WithStep(req.Step.ID)
	}
	d, err := time.ParseDuration(cfg.Duration)
	if err != nil || d <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid wait duration %q", cfg.Duration).WithStep(req.Step.ID)
	}

	e.emit(ctx, req, schema.EventWaitStarted, map[string]any{"duration": d.String()})

	if err := e.clock.Sleep(ctx, d); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCancelled,
			"wait interrupted after cancellation").WithStep(req.Step.ID).WithCause(err)
	}

	e.emit(ctx, req, schema.EventWaitCompleted, map[string]any{"duration": d.String()})

	return &Result{Output: map[string]any{"waited_ms": d.Milliseconds()}}, nil
}

func (e *WaitExecutor) emit(ctx context.Context, req *Request, eventType string, payload map[string]any) {
	if e.events == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	// Event append failures never fail a wait.
	_ = e.events.AppendEvent(ctx, &store.Event{
		ExecutionID: req.ExecutionID,
		StepID:      req.Step.ID,
		Type:        eventType,
		Payload:     raw,
	})
}
