// Package command runs commands on instances and records the outcome. The
// runner persists a command execution record for every run, streams output
// to optional callbacks, and converts timeouts into typed errors while
// keeping whatever output arrived before the deadline.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avelara/machina/internal/logging"
	"github.com/avelara/machina/internal/provider"
	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
)

// Request describes one command run against an instance.
type Request struct {
	ExecutionID string
	StepID      string
	Instance    *store.Instance
	Command     string
	Args        []string
	Env         map[string]string
	Stdin       string

	// Timeout bounds the run. Zero means no bound beyond ctx.
	Timeout time.Duration

	// OnStdout and OnStderr receive output chunks as they are produced.
	// Either may be nil.
	OnStdout func([]byte)
	OnStderr func([]byte)
}

// Result is the outcome of a command run. On timeout it carries the partial
// output captured before the deadline and ExitCode -1.
type Result struct {
	CommandID  string `json:"command_id"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

// Runner executes commands through a provider and records each run.
type Runner struct {
	provider provider.Provider
	store    store.Store
	events   *store.EventLog
	logger   *slog.Logger
}

// NewRunner creates a command runner.
func NewRunner(p provider.Provider, s store.Store, events *store.EventLog, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{provider: p, store: s, events: events, logger: logger}
}

// Run executes a command on the request's instance and blocks until it
// exits, the timeout elapses, or ctx is cancelled. A non-zero exit code is
// not an error; callers decide whether it fails their step. A timeout
// returns the partial Result together with an ErrCodeTimeout error.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	inst := req.Instance
	if inst == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "command request has no instance")
	}
	if inst.Status != schema.InstanceStatusRunning {
		return nil, schema.NewErrorf(schema.ErrCodeInstanceState,
			"instance %s is %s, commands require a running instance", inst.ID, inst.Status).
			WithStep(req.StepID)
	}

	ctx = logging.WithInstanceID(ctx, inst.ID)

	rec := &store.CommandExecution{
		ID:          uuid.New().String(),
		ExecutionID: req.ExecutionID,
		StepID:      req.StepID,
		InstanceID:  inst.ID,
		Command:     req.Command,
		Args:        req.Args,
		Status:      schema.CommandStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	if err := r.store.CreateCommand(ctx, rec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "record command: %v", err).WithCause(err)
	}
	r.emit(ctx, req, schema.EventCommandStarted, map[string]any{
		"command_id": rec.ID,
		"command":    req.Command,
	})

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	execReq := provider.ExecRequest{
		Command: req.Command,
		Args:    req.Args,
		Env:     req.Env,
		Stdin:   req.Stdin,
		Stdout:  teeWriter(&stdout, req.OnStdout),
		Stderr:  teeWriter(&stderr, req.OnStderr),
	}

	execResult, execErr := r.provider.ExecCommand(runCtx, inst.ProviderID, execReq)

	result := &Result{
		CommandID: rec.ID,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
	}
	if execResult != nil {
		result.ExitCode = execResult.ExitCode
		result.DurationMs = execResult.DurationMs
	}

	switch {
	case execErr == nil:
		status := schema.CommandStatusCompleted
		if result.ExitCode != 0 {
			status = schema.CommandStatusFailed
		}
		r.finish(ctx, rec.ID, status, result)
		r.emit(ctx, req, schema.EventCommandCompleted, map[string]any{
			"command_id": rec.ID,
			"exit_code":  result.ExitCode,
		})
		return result, nil

	case runCtx.Err() != nil && ctx.Err() == nil:
		// The per-command deadline fired, not the caller's context.
		result.ExitCode = -1
		result.TimedOut = true
		if result.Stderr != "" {
			result.Stderr += "\n"
		}
		result.Stderr += fmt.Sprintf("command timed out after %s", req.Timeout)
		r.finish(ctx, rec.ID, schema.CommandStatusTimeout, result)
		r.emit(ctx, req, schema.EventCommandTimedOut, map[string]any{
			"command_id": rec.ID,
			"timeout":    req.Timeout.String(),
		})
		return result, schema.NewErrorf(schema.ErrCodeTimeout,
			"command %q timed out after %s", req.Command, req.Timeout).
			WithStep(req.StepID).
			WithDetails(map[string]any{"command_id": rec.ID})

	case ctx.Err() != nil:
		result.ExitCode = -1
		r.finish(ctx, rec.ID, schema.CommandStatusFailed, result)
		return result, schema.NewErrorf(schema.ErrCodeCancelled,
			"command %q cancelled", req.Command).WithStep(req.StepID).WithCause(ctx.Err())

	default:
		r.finish(ctx, rec.ID, schema.CommandStatusFailed, result)
		if mErr, ok := execErr.(*schema.MachinaError); ok {
			return result, mErr.WithStep(req.StepID)
		}
		return result, schema.NewErrorf(schema.ErrCodeExecution,
			"exec %q: %v", req.Command, execErr).WithStep(req.StepID).WithCause(execErr)
	}
}

// finish persists the terminal state of a command record. Bookkeeping
// failures are logged, never returned, so they cannot mask the run outcome.
func (r *Runner) finish(ctx context.Context, id string, status schema.CommandStatus, result *Result) {
	now := time.Now().UTC()
	update := store.CommandUpdate{
		Status:      &status,
		ExitCode:    &result.ExitCode,
		Stdout:      &result.Stdout,
		Stderr:      &result.Stderr,
		CompletedAt: &now,
		DurationMs:  &result.DurationMs,
	}
	if err := r.store.UpdateCommand(ctx, id, update); err != nil {
		r.logger.WarnContext(ctx, "failed to persist command outcome",
			"command_id", id, "error", err)
	}
}

func (r *Runner) emit(ctx context.Context, req Request, eventType string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	err := r.events.AppendEvent(ctx, &store.Event{
		ExecutionID: req.ExecutionID,
		StepID:      req.StepID,
		Type:        eventType,
		Payload:     raw,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "failed to append command event",
			"event_type", eventType, "error", err)
	}
}

// teeWriter duplicates writes into buf and the optional callback.
func teeWriter(buf *bytes.Buffer, cb func([]byte)) io.Writer {
	if cb == nil {
		return buf
	}
	return &callbackWriter{buf: buf, cb: cb}
}

type callbackWriter struct {
	buf *bytes.Buffer
	cb  func([]byte)
}

func (w *callbackWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		w.cb(chunk)
	}
	return n, err
}
