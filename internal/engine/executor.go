package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avelara/machina/internal/expressions"
	"github.com/avelara/machina/internal/logging"
	"github.com/avelara/machina/internal/steps"
	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
)

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// SchedulerConfig holds scheduler tunables.
type SchedulerConfig struct {
	PoolSize int
}

// ExecutionResult is the final outcome of one workflow execution.
type ExecutionResult struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Context     map[string]any         `json:"context,omitempty"`
	Error       *schema.MachinaError   `json:"error,omitempty"`
	Steps       map[string]*StepResult `json:"steps,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// StepResult summarizes the outcome of a single step.
type StepResult struct {
	StepID     string               `json:"step_id"`
	Status     schema.StepStatus    `json:"status"`
	Output     json.RawMessage      `json:"output,omitempty"`
	Error      *schema.MachinaError `json:"error,omitempty"`
	DurationMs int64                `json:"duration_ms,omitempty"`
}

// Run is the handle to an in-flight execution. Callers await Done, poll
// Result, or Cancel.
type Run struct {
	ExecutionID string

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result *ExecutionResult
}

// Done is closed when the execution reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result returns the final result, or nil while the run is in flight.
func (r *Run) Result() *ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (*ExecutionResult, error) {
	select {
	case <-r.done:
		return r.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cooperative cancellation of the run.
func (r *Run) Cancel() { r.cancel() }

func (r *Run) finish(result *ExecutionResult) {
	r.mu.Lock()
	r.result = result
	r.mu.Unlock()
	close(r.done)
}

// Scheduler drives workflow executions over their DAGs: it computes ready
// sets, dispatches ready steps to the worker pool, and fails fast on the
// first step error.
type Scheduler struct {
	store    store.Store
	events   *store.EventLog
	execFSM  *ExecutionFSM
	stepFSM  *StepFSM
	registry *steps.Registry
	pool     *WorkerPool
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]*Run
}

// NewScheduler creates a scheduler over the given store and step registry.
func NewScheduler(s store.Store, events *store.EventLog, registry *steps.Registry, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		events:   events,
		execFSM:  NewExecutionFSM(events),
		stepFSM:  NewStepFSM(events),
		registry: registry,
		pool:     NewWorkerPool(cfg.PoolSize),
		logger:   logger,
		running:  make(map[string]*Run),
	}
}

// Execute starts a workflow run. It creates the execution record, moves it
// to running, and returns a handle immediately; the DAG executes in the
// background on the worker pool.
func (s *Scheduler) Execute(ctx context.Context, wf *store.Workflow, initialContext map[string]any) (*Run, *store.Execution, error) {
	if wf == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	dag, err := ParseDAG(&wf.Spec)
	if err != nil {
		return nil, nil, err
	}

	ctxPayload, err := json.Marshal(orEmptyMap(initialContext))
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal initial context: %v", err)
	}

	exec := &store.Execution{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Status:     schema.ExecutionStatusPending,
		Context:    ctxPayload,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %v", err).WithCause(err)
	}

	if err := s.execFSM.Transition(ctx, exec.ID, schema.ExecutionStatusPending, schema.ExecutionStatusRunning, nil); err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	running := schema.ExecutionStatusRunning
	if err := s.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "update execution: %v", err).WithCause(err)
	}
	exec.Status = running
	exec.StartedAt = &now

	for id := range dag.Steps {
		ss := &store.StepState{
			ExecutionID: exec.ID,
			StepID:      id,
			Status:      schema.StepStatusPending,
		}
		if err := s.store.UpsertStepState(ctx, ss); err != nil {
			return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "init step state %s: %v", id, err).WithCause(err)
		}
	}

	// The run outlives the caller's request context.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &Run{
		ExecutionID: exec.ID,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	s.running[exec.ID] = run
	s.mu.Unlock()

	go func() {
		result := s.executeDAG(runCtx, dag, exec.ID, wf.ID, initialContext, now)

		// Deregister before closing done so callers woken by the handle
		// never observe the run as still in flight.
		cancel()
		s.mu.Lock()
		delete(s.running, exec.ID)
		s.mu.Unlock()

		run.finish(result)
	}()

	return run, exec, nil
}

// Cancel requests cancellation of an execution by ID. In-flight runs stop
// cooperatively; pending executions are cancelled directly.
func (s *Scheduler) Cancel(ctx context.Context, executionID, reason string) error {
	s.mu.Lock()
	run, inFlight := s.running[executionID]
	s.mu.Unlock()

	if inFlight {
		run.Cancel()
		return nil
	}

	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s already %s", executionID, exec.Status)
	}

	payload, _ := json.Marshal(map[string]string{"reason": reason})
	if err := s.execFSM.Transition(ctx, executionID, exec.Status, schema.ExecutionStatusCancelled, payload); err != nil {
		return err
	}
	now := time.Now().UTC()
	cancelled := schema.ExecutionStatusCancelled
	return s.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &cancelled,
		Error:       payload,
		CompletedAt: &now,
	})
}

// Running reports whether an execution is currently in flight.
func (s *Scheduler) Running(executionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[executionID]
	return ok
}

// Shutdown stops the worker pool after in-flight steps finish.
func (s *Scheduler) Shutdown() {
	s.pool.Shutdown()
}

// executeDAG walks the graph by ready sets. Ready steps dispatch together
// and all settle before the next set is computed. The first failure cancels
// the batch so running siblings stop cooperatively, and everything
// downstream is skipped.
func (s *Scheduler) executeDAG(ctx context.Context, dag *DAG, executionID, workflowID string, initialContext map[string]any, startedAt time.Time) *ExecutionResult {
	ctx = logging.WithExecutionID(ctx, executionID)

	result := &ExecutionResult{
		ExecutionID: executionID,
		Status:      schema.ExecutionStatusRunning,
		Steps:       make(map[string]*StepResult, len(dag.Steps)),
		StartedAt:   startedAt,
	}

	execCtx := steps.NewExecutionContext(initialContext)
	dispatched := make(map[string]bool, len(dag.Steps))
	completed := make(map[string]bool, len(dag.Steps))
	stepOutputs := make(map[string]any, len(dag.Steps))

	var resultMu sync.Mutex
	var firstErr *schema.MachinaError

	for ctx.Err() == nil {
		ready := dag.Ready(dispatched, completed)
		if len(ready) == 0 {
			if len(dispatched) == len(dag.Steps) {
				break
			}
			// Unreachable after ParseDAG, kept as a guard against graph
			// corruption.
			firstErr = schema.NewError(schema.ErrCodeCycleDetected,
				"no runnable steps remain with steps still pending")
			break
		}

		batchCtx, batchCancel := context.WithCancel(ctx)
		var wg sync.WaitGroup

		for _, stepID := range ready {
			dispatched[stepID] = true
			step := dag.Steps[stepID]

			wg.Add(1)
			submitErr := s.pool.Submit(batchCtx, func(stepCtx context.Context) error {
				defer wg.Done()

				sr := s.executeStep(stepCtx, executionID, workflowID, step, execCtx, initialContext, stepOutputs, &resultMu)

				resultMu.Lock()
				result.Steps[step.ID] = sr
				if sr.Status == schema.StepStatusCompleted {
					completed[step.ID] = true
					var out any
					if len(sr.Output) > 0 {
						_ = json.Unmarshal(sr.Output, &out)
					}
					stepOutputs[step.ID] = map[string]any{"output": out}
				} else if sr.Error != nil && firstErr == nil {
					firstErr = sr.Error
					batchCancel()
				}
				resultMu.Unlock()
				return nil
			})
			if submitErr != nil {
				wg.Done()
				resultMu.Lock()
				if firstErr == nil {
					firstErr = schema.NewErrorf(schema.ErrCodeExecution,
						"dispatch step %s: %v", stepID, submitErr).WithStep(stepID).WithCause(submitErr)
				}
				resultMu.Unlock()
			}
		}

		wg.Wait()
		batchCancel()

		resultMu.Lock()
		failed := firstErr != nil
		resultMu.Unlock()
		if failed {
			break
		}
	}

	// Cancellation of the run context takes precedence over step errors
	// caused by it.
	if ctx.Err() != nil {
		firstErr = schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(ctx.Err())
		result.Status = schema.ExecutionStatusCancelled
	} else if firstErr != nil {
		result.Status = schema.ExecutionStatusFailed
		if firstErr.StepID != "" {
			if downstream := dag.Dependents(firstErr.StepID); len(downstream) > 0 {
				details := firstErr.Details
				if details == nil {
					details = map[string]any{}
				}
				details["skipped_dependents"] = downstream
				firstErr.Details = details
			}
		}
	} else {
		result.Status = schema.ExecutionStatusCompleted
	}
	result.Error = nil
	if result.Status != schema.ExecutionStatusCompleted {
		result.Error = firstErr
	}

	s.skipRemaining(executionID, dag, result)

	now := time.Now().UTC()
	result.CompletedAt = &now
	result.Context = execCtx.Snapshot()

	s.persistEnd(executionID, result)
	return result
}

// executeStep drives one step through its state machine and executor.
func (s *Scheduler) executeStep(ctx context.Context, executionID, workflowID string, step *schema.StepDefinition, execCtx *steps.ExecutionContext, inputs map[string]any, stepOutputs map[string]any, outputsMu *sync.Mutex) *StepResult {
	ctx = logging.WithStepID(logging.WithExecutionID(ctx, executionID), step.ID)
	sr := &StepResult{StepID: step.ID, Status: schema.StepStatusPending}

	fail := func(err error) *StepResult {
		sr.Status = schema.StepStatusFailed
		sr.Error = asMachinaError(err, step.ID)
		payload, _ := json.Marshal(sr.Error)
		_ = s.stepFSM.Transition(ctx, executionID, step.ID, schema.StepStatusRunning, schema.StepStatusFailed, payload)
		s.persistStep(ctx, executionID, step.ID, sr, payload)
		s.logger.ErrorContext(ctx, "step failed", "kind", step.Kind, "error", sr.Error)
		return sr
	}

	if err := s.stepFSM.Transition(ctx, executionID, step.ID, schema.StepStatusPending, schema.StepStatusScheduled, nil); err != nil {
		sr.Status = schema.StepStatusFailed
		sr.Error = asMachinaError(err, step.ID)
		return sr
	}
	sr.Status = schema.StepStatusScheduled

	if err := s.stepFSM.Transition(ctx, executionID, step.ID, schema.StepStatusScheduled, schema.StepStatusRunning, nil); err != nil {
		sr.Status = schema.StepStatusFailed
		sr.Error = asMachinaError(err, step.ID)
		return sr
	}
	sr.Status = schema.StepStatusRunning
	started := time.Now().UTC()
	s.persistStep(ctx, executionID, step.ID, sr, nil)

	s.logger.InfoContext(ctx, "step started", "kind", step.Kind)

	outputsMu.Lock()
	outputsCopy := make(map[string]any, len(stepOutputs))
	for k, v := range stepOutputs {
		outputsCopy[k] = v
	}
	outputsMu.Unlock()

	scope := &expressions.EvalScope{
		Context: execCtx.Snapshot(),
		Steps:   outputsCopy,
		Inputs:  inputs,
		Execution: map[string]any{
			"id":          executionID,
			"workflow_id": workflowID,
		},
	}

	config := step.Config
	if expressions.HasInterpolation(config) {
		resolved, err := expressions.Interpolate(config, scope)
		if err != nil {
			return fail(err)
		}
		config = resolved
	}

	executor, err := s.registry.Get(step.Kind)
	if err != nil {
		return fail(err)
	}

	stepResult, err := executor.Execute(ctx, &steps.Request{
		ExecutionID: executionID,
		Step:        *step,
		Config:      config,
		Context:     execCtx,
		Scope:       scope,
	})
	if err != nil {
		if stepResult != nil && stepResult.Output != nil {
			sr.Output, _ = json.Marshal(stepResult.Output)
		}
		sr.DurationMs = time.Since(started).Milliseconds()
		return fail(err)
	}

	if stepResult != nil && stepResult.Output != nil {
		sr.Output, _ = json.Marshal(stepResult.Output)
	}
	sr.DurationMs = time.Since(started).Milliseconds()
	sr.Status = schema.StepStatusCompleted

	if err := s.stepFSM.Transition(ctx, executionID, step.ID, schema.StepStatusRunning, schema.StepStatusCompleted, sr.Output); err != nil {
		sr.Status = schema.StepStatusFailed
		sr.Error = asMachinaError(err, step.ID)
		return sr
	}
	s.persistStep(ctx, executionID, step.ID, sr, nil)

	s.logger.InfoContext(ctx, "step completed", "kind", step.Kind, "duration_ms", sr.DurationMs)
	return sr
}

// skipRemaining marks every step that never reached a terminal state as
// skipped after a failure or cancellation, so no dependent of a failed step
// ever runs. Skippability is decided by the step's recorded status, not by
// dispatch bookkeeping, so a step that was dispatched but pre-empted by the
// batch cancel is skipped too.
func (s *Scheduler) skipRemaining(executionID string, dag *DAG, result *ExecutionResult) {
	if result.Status == schema.ExecutionStatusCompleted {
		return
	}
	ctx := context.Background()
	for _, id := range dag.Sorted {
		if sr, ok := result.Steps[id]; ok && !canSkip(sr.Status) {
			continue
		}
		_ = s.stepFSM.Transition(ctx, executionID, id, schema.StepStatusPending, schema.StepStatusSkipped, nil)
		sr := &StepResult{StepID: id, Status: schema.StepStatusSkipped}
		result.Steps[id] = sr
		s.persistStep(ctx, executionID, id, sr, nil)
	}
}

// persistStep writes the materialized step state. Persistence failures are
// logged; the in-memory result is authoritative for the run handle.
func (s *Scheduler) persistStep(ctx context.Context, executionID, stepID string, sr *StepResult, errPayload json.RawMessage) {
	ss := &store.StepState{
		ExecutionID: executionID,
		StepID:      stepID,
		Status:      sr.Status,
		Output:      sr.Output,
		Error:       errPayload,
		DurationMs:  sr.DurationMs,
	}
	if sr.Status == schema.StepStatusRunning {
		now := time.Now().UTC()
		ss.StartedAt = &now
		ss.Attempts = 1
	}
	if sr.Status == schema.StepStatusCompleted || sr.Status == schema.StepStatusFailed {
		now := time.Now().UTC()
		ss.CompletedAt = &now
		ss.Attempts = 1
	}
	if err := s.store.UpsertStepState(ctx, ss); err != nil {
		s.logger.WarnContext(ctx, "failed to persist step state",
			"step_id", stepID, "status", sr.Status, "error", err)
	}
}

// persistEnd records the terminal execution status, error, and final
// context snapshot.
func (s *Scheduler) persistEnd(executionID string, result *ExecutionResult) {
	ctx := context.Background()

	var errPayload json.RawMessage
	if result.Error != nil {
		errPayload, _ = json.Marshal(result.Error)
	}
	if err := s.execFSM.Transition(ctx, executionID, schema.ExecutionStatusRunning, result.Status, errPayload); err != nil {
		s.logger.Warn("failed to record execution end event",
			"execution_id", executionID, "error", err)
	}

	ctxPayload, _ := json.Marshal(orEmptyMap(result.Context))
	update := store.ExecutionUpdate{
		Status:      &result.Status,
		Context:     ctxPayload,
		CompletedAt: result.CompletedAt,
	}
	if errPayload != nil {
		update.Error = errPayload
	}
	if err := s.store.UpdateExecution(ctx, executionID, update); err != nil {
		s.logger.Warn("failed to persist execution end",
			"execution_id", executionID, "error", err)
	}
}

func asMachinaError(err error, stepID string) *schema.MachinaError {
	if mErr, ok := err.(*schema.MachinaError); ok {
		if mErr.StepID == "" {
			mErr.StepID = stepID
		}
		return mErr
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "step %s: %v", stepID, err).
		WithStep(stepID).WithCause(err)
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
