package steps

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/avelara/machina/internal/command"
	"github.com/avelara/machina/internal/expressions"
	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
)

// ExecuteCommandExecutor runs a command on an instance bound in the
// execution context. Output can be post-processed with a jq expression and
// published back to the context for later steps.
type ExecuteCommandExecutor struct {
	runner *command.Runner
	store  store.Store
	jq     *expressions.GoJQEngine
}

// NewExecuteCommandExecutor creates an execute_command executor.
func NewExecuteCommandExecutor(runner *command.Runner, s store.Store, jq *expressions.GoJQEngine) *ExecuteCommandExecutor {
	return &ExecuteCommandExecutor{runner: runner, store: s, jq: jq}
}

func (e *ExecuteCommandExecutor) Kind() schema.StepKind {
	return schema.StepKindExecuteCommand
}

func (e *ExecuteCommandExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg, err := decodeConfig[schema.ExecuteCommandConfig](req.Config, req.Step.ID)
	if err != nil {
		return nil, err
	}
	if cfg.Command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"execute_command requires a command").WithStep(req.Step.ID)
	}

	inst, err := e.resolveInstance(ctx, req, cfg.InstanceKey)
	if err != nil {
		return nil, err
	}

	var timeout time.Duration
	if cfg.Timeout != "" {
		timeout, err = time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid timeout %q: %v", cfg.Timeout, err).WithStep(req.Step.ID)
		}
	}

	cmdResult, runErr := e.runner.Run(ctx, command.Request{
		ExecutionID: req.ExecutionID,
		StepID:      req.Step.ID,
		Instance:    inst,
		Command:     cfg.Command,
		Args:        cfg.Args,
		Timeout:     timeout,
	})

	output := map[string]any{}
	if cmdResult != nil {
		output["exit_code"] = cmdResult.ExitCode
		output["stdout"] = cmdResult.Stdout
		output["stderr"] = cmdResult.Stderr
		output["duration_ms"] = cmdResult.DurationMs
		if cmdResult.TimedOut {
			output["timed_out"] = true
		}
	}

	if runErr != nil {
		// Partial output travels with the error so the step record keeps
		// whatever arrived before the timeout or cancellation.
		return &Result{Output: output}, runErr
	}

	outVal := any(strings.TrimRight(cmdResult.Stdout, "\n"))
	if cfg.Extract != "" {
		extracted, err := e.extract(ctx, cfg.Extract, cmdResult.Stdout)
		if err != nil {
			return &Result{Output: output}, schema.NewErrorf(schema.ErrCodeExecution,
				"extract %q: %v", cfg.Extract, err).WithStep(req.Step.ID).WithCause(err)
		}
		outVal = extracted
		output["extracted"] = extracted
	}

	if cfg.OutputKey != "" {
		req.Context.Set(cfg.OutputKey, map[string]any{
			"output":    outVal,
			"error":     cmdResult.Stderr,
			"exit_code": cmdResult.ExitCode,
		})
	}

	if cfg.FailOnError && cmdResult.ExitCode != 0 {
		return &Result{Output: output}, schema.NewErrorf(schema.ErrCodeStepFailed,
			"command %q exited with code %d", cfg.Command, cmdResult.ExitCode).
			WithStep(req.Step.ID).
			WithDetails(map[string]any{"exit_code": cmdResult.ExitCode})
	}

	return &Result{Output: output}, nil
}

func (e *ExecuteCommandExecutor) resolveInstance(ctx context.Context, req *Request, key string) (*store.Instance, error) {
	if key == "" {
		key = schema.DefaultInstanceKey
	}
	id, ok := req.Context.GetString(key)
	if !ok || id == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"no instance bound under context key %q", key).WithStep(req.Step.ID)
	}
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"instance %s: %v", id, err).WithStep(req.Step.ID).WithCause(err)
	}
	return inst, nil
}

// extract applies a jq expression to command stdout. JSON stdout is fed to
// jq structurally; anything else is fed as a string.
func (e *ExecuteCommandExecutor) extract(ctx context.Context, expression, stdout string) (any, error) {
	var input any
	trimmed := strings.TrimSpace(stdout)
	if err := json.Unmarshal([]byte(trimmed), &input); err != nil {
		input = trimmed
	}
	return e.jq.EvaluateValue(ctx, expression, input)
}
