// Package schedule runs workflows on cron expressions. A background loop
// polls the store for due scheduled runs and hands them to the engine.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
)

// DefaultTickInterval is how often the loop checks for due runs.
const DefaultTickInterval = 60 * time.Second

// WorkflowRunner starts workflow executions. Satisfied by engine.Service
// (an interface here avoids the import cycle).
type WorkflowRunner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, initialContext map[string]any) (*store.Execution, error)
}

// Scheduler polls the store for due scheduled runs and executes them.
type Scheduler struct {
	store  store.Store
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger
	tick   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // scheduled run IDs currently executing (dedup)
}

// NewScheduler creates a scheduler over the store and runner.
func NewScheduler(s store.Store, runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		tick:     DefaultTickInterval,
		inflight: make(map[string]struct{}),
	}
}

// CreateSchedule validates the cron expression, computes the first run
// time, and persists the schedule.
func (s *Scheduler) CreateSchedule(ctx context.Context, workflowID, cronExpr string, initialContext map[string]any) (*store.ScheduledRun, error) {
	next, err := s.CalculateNextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %v", cronExpr, err)
	}

	// The workflow must exist before anything schedules against it.
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}

	var ctxPayload json.RawMessage
	if len(initialContext) > 0 {
		ctxPayload, err = json.Marshal(initialContext)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal schedule context: %v", err)
		}
	}

	run := &store.ScheduledRun{
		ID:             uuid.New().String(),
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		Context:        ctxPayload,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := s.store.CreateScheduledRun(ctx, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create scheduled run: %v", err).WithCause(err)
	}

	s.logger.InfoContext(ctx, "schedule created",
		"schedule_id", run.ID, "workflow_id", workflowID, "cron", cronExpr, "next_run_at", next)
	return run, nil
}

// ListSchedules returns schedules matching the filter.
func (s *Scheduler) ListSchedules(ctx context.Context, filter store.ScheduledRunFilter) ([]*store.ScheduledRun, error) {
	return s.store.ListScheduledRuns(ctx, filter)
}

// SetEnabled toggles a schedule, recomputing its next run on enable.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	update := store.ScheduledRunUpdate{Enabled: &enabled}
	if enabled {
		run, err := s.store.GetScheduledRun(ctx, id)
		if err != nil {
			return err
		}
		next, err := s.CalculateNextRun(run.CronExpression, time.Now().UTC())
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"invalid cron expression %q: %v", run.CronExpression, err)
		}
		update.NextRunAt = &next
	}
	return s.store.UpdateScheduledRun(ctx, id, update)
}

// DeleteSchedule removes a schedule.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id string) error {
	return s.store.DeleteScheduledRun(ctx, id)
}

// Start launches the background loop. It returns an error if already
// started.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("schedule loop started", "tick", s.tick)
	return nil
}

// Stop shuts the loop down and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("schedule loop stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every enabled schedule that is due. Exported so the loop
// interval can be bypassed in tests and maintenance commands.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	runs, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled runs", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, run := range runs {
		if run.NextRunAt != nil && run.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(run.ID) {
			continue // previous trigger still executing
		}
		if err := s.fire(ctx, run, now); err != nil {
			s.logger.Error("failed to run schedule",
				"schedule_id", run.ID, "workflow_id", run.WorkflowID, "error", err)
		}
		s.release(run.ID)
	}
}

// fire triggers one scheduled run and updates its bookkeeping.
func (s *Scheduler) fire(ctx context.Context, run *store.ScheduledRun, now time.Time) error {
	s.logger.Info("running schedule",
		"schedule_id", run.ID, "workflow_id", run.WorkflowID)

	var initialContext map[string]any
	if len(run.Context) > 0 {
		if err := json.Unmarshal(run.Context, &initialContext); err != nil {
			return s.recordResult(ctx, run, now, "error")
		}
	}

	_, err := s.runner.ExecuteWorkflow(ctx, run.WorkflowID, initialContext)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled execution failed",
			"schedule_id", run.ID, "workflow_id", run.WorkflowID, "error", err)
	}

	return s.recordResult(ctx, run, now, status)
}

func (s *Scheduler) recordResult(ctx context.Context, run *store.ScheduledRun, now time.Time, status string) error {
	next, err := s.CalculateNextRun(run.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", run.ID, err)
	}
	return s.store.UpdateScheduledRun(ctx, run.ID, store.ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

// RecoverMissed fires schedules whose next run passed while the process
// was down, once each, then reschedules them.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	runs, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list scheduled runs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, run := range runs {
		if run.NextRunAt == nil || !run.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(run.ID) {
			continue
		}
		if err := s.fire(ctx, run, now); err != nil {
			s.logger.Error("failed to recover missed schedule",
				"schedule_id", run.ID, "error", err)
			s.release(run.ID)
			continue
		}
		s.release(run.ID)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", "count", recovered)
	}
	return nil
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
