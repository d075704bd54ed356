package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
)

// Validator checks a workflow spec before it is accepted.
type Validator interface {
	ValidateSpec(spec *schema.WorkflowSpec) error
}

// Service is the application-facing API over workflows, executions, and
// instances. It validates specs on the way in and delegates runs to the
// scheduler.
type Service struct {
	store     store.Store
	events    *store.EventLog
	scheduler *Scheduler
	validator Validator
	logger    *slog.Logger
}

// NewService wires the service over its collaborators.
func NewService(s store.Store, events *store.EventLog, scheduler *Scheduler, validator Validator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     s,
		events:    events,
		scheduler: scheduler,
		validator: validator,
		logger:    logger,
	}
}

// ExecutionDetail is an execution with its materialized step states.
type ExecutionDetail struct {
	Execution *store.Execution   `json:"execution"`
	Steps     []*store.StepState `json:"steps,omitempty"`
}

// CreateWorkflow validates and persists a workflow definition.
func (s *Service) CreateWorkflow(ctx context.Context, spec *schema.WorkflowSpec) (*store.Workflow, error) {
	if s.validator != nil {
		if err := s.validator.ValidateSpec(spec); err != nil {
			return nil, err
		}
	}

	wf := &store.Workflow{
		ID:          uuid.New().String(),
		Name:        spec.Name,
		Description: spec.Description,
		Spec:        *spec,
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create workflow: %v", err).WithCause(err)
	}

	s.logger.InfoContext(ctx, "workflow created",
		"workflow_id", wf.ID, "name", wf.Name, "steps", len(spec.Steps))
	return wf, nil
}

// GetWorkflow returns one workflow by ID.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// ListWorkflows returns workflows matching the filter.
func (s *Service) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	return s.store.ListWorkflows(ctx, filter)
}

// DeleteWorkflow removes a workflow definition. Workflows with an in-flight
// execution are protected.
func (s *Service) DeleteWorkflow(ctx context.Context, id string) error {
	running := schema.ExecutionStatusRunning
	execs, err := s.store.ListExecutions(ctx, store.ExecutionFilter{
		WorkflowID: id,
		Status:     &running,
		Limit:      1,
	})
	if err != nil {
		return err
	}
	if len(execs) > 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s has a running execution (%s)", id, execs[0].ID)
	}
	return s.store.DeleteWorkflow(ctx, id)
}

// ExecuteWorkflow starts a run of the given workflow and returns the
// execution record immediately. The run proceeds in the background; callers
// poll GetExecution or subscribe to events for progress.
func (s *Service) ExecuteWorkflow(ctx context.Context, workflowID string, initialContext map[string]any) (*store.Execution, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	_, exec, err := s.scheduler.Execute(ctx, wf, initialContext)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "execution started",
		"execution_id", exec.ID, "workflow_id", workflowID)
	return exec, nil
}

// GetExecution returns one execution with its step states.
func (s *Service) GetExecution(ctx context.Context, id string) (*ExecutionDetail, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	stepStates, err := s.store.ListStepStates(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ExecutionDetail{Execution: exec, Steps: stepStates}, nil
}

// ListExecutions returns executions matching the filter.
func (s *Service) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return s.store.ListExecutions(ctx, filter)
}

// CancelExecution requests cancellation of an execution.
func (s *Service) CancelExecution(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "cancelled by request"
	}
	return s.scheduler.Cancel(ctx, id, reason)
}

// WaitForExecution blocks until the execution finishes or the deadline
// passes. Used by tests and synchronous callers; MCP clients poll instead.
func (s *Service) WaitForExecution(ctx context.Context, id string, timeout time.Duration) (*ExecutionDetail, error) {
	deadline := time.Now().Add(timeout)
	for {
		detail, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if detail.Execution.Status.Terminal() {
			return detail, nil
		}
		if time.Now().After(deadline) {
			return detail, schema.NewErrorf(schema.ErrCodeTimeout,
				"execution %s still %s after %s", id, detail.Execution.Status, timeout)
		}
		select {
		case <-ctx.Done():
			return detail, schema.NewError(schema.ErrCodeCancelled, "wait cancelled").WithCause(ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// RecoverInterrupted reconciles executions a previous process left in the
// running state. Step states are rebuilt from the event log and the
// execution is marked failed, since the goroutines that were driving it are
// gone. Returns the number of executions reconciled.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	running := schema.ExecutionStatusRunning
	execs, err := s.store.ListExecutions(ctx, store.ExecutionFilter{Status: &running})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, exec := range execs {
		if s.scheduler.Running(exec.ID) {
			continue
		}

		states, err := s.events.ReplayEvents(ctx, exec.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "cannot replay interrupted execution",
				"execution_id", exec.ID, "error", err)
			continue
		}
		for _, ss := range states {
			if err := s.store.UpsertStepState(ctx, ss); err != nil {
				s.logger.WarnContext(ctx, "failed to persist replayed step state",
					"execution_id", exec.ID, "step_id", ss.StepID, "error", err)
			}
		}

		mErr := schema.NewErrorf(schema.ErrCodeExecution,
			"execution %s interrupted by engine restart", exec.ID)
		errPayload, _ := json.Marshal(mErr)
		if err := s.events.AppendEvent(ctx, &store.Event{
			ExecutionID: exec.ID,
			Type:        schema.EventExecutionFailed,
			Payload:     errPayload,
		}); err != nil {
			s.logger.WarnContext(ctx, "failed to record interruption event",
				"execution_id", exec.ID, "error", err)
		}

		now := time.Now().UTC()
		failed := schema.ExecutionStatusFailed
		if err := s.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
			Status:      &failed,
			Error:       errPayload,
			CompletedAt: &now,
		}); err != nil {
			s.logger.WarnContext(ctx, "failed to mark interrupted execution",
				"execution_id", exec.ID, "error", err)
			continue
		}

		recovered++
		s.logger.InfoContext(ctx, "recovered interrupted execution",
			"execution_id", exec.ID, "steps", len(states))
	}
	return recovered, nil
}

// GetEvents returns the event log for an execution from a sequence number.
func (s *Service) GetEvents(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	return s.store.GetEvents(ctx, executionID, since)
}

// GetInstance returns one instance record by ID.
func (s *Service) GetInstance(ctx context.Context, id string) (*store.Instance, error) {
	return s.store.GetInstance(ctx, id)
}

// ListInstances returns instance records matching the filter.
func (s *Service) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error) {
	return s.store.ListInstances(ctx, filter)
}

// ListCommands returns the commands recorded for an execution.
func (s *Service) ListCommands(ctx context.Context, executionID string) ([]*store.CommandExecution, error) {
	return s.store.ListCommands(ctx, executionID)
}

// Shutdown stops the scheduler's worker pool.
func (s *Service) Shutdown() {
	s.scheduler.Shutdown()
}
