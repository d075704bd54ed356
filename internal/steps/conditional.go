package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/avelara/machina/internal/expressions"
	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
)

// ConditionalExecutor evaluates a condition and runs the matching branch
// step, if any. Conditions come in two forms: an operator comparison
// against a context key, or a boolean expression evaluated by a configured
// engine.
type ConditionalExecutor struct {
	engines  map[string]expressions.Engine
	registry *Registry
	events   *store.EventLog
}

// NewConditionalExecutor creates a conditional executor. The registry is
// consulted at run time so branch steps can be of any registered
// non-conditional kind; validation rejects a conditional nested inside
// another.
func NewConditionalExecutor(engines map[string]expressions.Engine, registry *Registry, events *store.EventLog) *ConditionalExecutor {
	return &ConditionalExecutor{engines: engines, registry: registry, events: events}
}

func (e *ConditionalExecutor) Kind() schema.StepKind {
	return schema.StepKindConditional
}

func (e *ConditionalExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg, err := decodeConfig[schema.ConditionalConfig](req.Config, req.Step.ID)
	if err != nil {
		return nil, err
	}
	if cfg.Condition == nil && cfg.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"conditional requires a condition or an expression").WithStep(req.Step.ID)
	}

	matched, err := e.evaluate(ctx, req, cfg)
	if err != nil {
		return nil, err
	}

	e.emitEvaluated(ctx, req, cfg, matched)

	branch := cfg.ElseStep
	if matched {
		branch = cfg.ThenStep
	}
	if branch == nil {
		// A missing branch is a no-op, not a failure.
		return &Result{Output: map[string]any{"matched": matched}}, nil
	}

	executor, err := e.registry.Get(branch.Kind)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"branch step %q: %v", branch.ID, err).WithStep(req.Step.ID).WithCause(err)
	}

	branchResult, err := executor.Execute(ctx, &Request{
		ExecutionID: req.ExecutionID,
		Step:        *branch,
		Config:      branch.Config,
		Context:     req.Context,
		Scope:       req.Scope,
	})
	if err != nil {
		return nil, err
	}

	output := map[string]any{
		"matched":  matched,
		"executed": branch.ID,
	}
	if branchResult != nil && branchResult.Output != nil {
		output["output"] = branchResult.Output
	}
	return &Result{Output: output}, nil
}

func (e *ConditionalExecutor) evaluate(ctx context.Context, req *Request, cfg *schema.ConditionalConfig) (bool, error) {
	if cfg.Condition != nil {
		return e.evaluateOperator(req, cfg.Condition)
	}
	return e.evaluateExpression(ctx, req, cfg)
}

func (e *ConditionalExecutor) evaluateOperator(req *Request, cond *schema.Condition) (bool, error) {
	if cond.Key == "" {
		return false, schema.NewError(schema.ErrCodeValidation,
			"condition requires a key").WithStep(req.Step.ID)
	}

	val, exists := req.Context.Get(cond.Key)

	switch cond.Operator {
	case schema.OperatorExists:
		return exists, nil
	case schema.OperatorEquals:
		return exists && stringify(val) == cond.Value, nil
	case schema.OperatorNotEquals:
		return !exists || stringify(val) != cond.Value, nil
	case schema.OperatorContains:
		return exists && strings.Contains(stringify(val), cond.Value), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition operator %q", cond.Operator).WithStep(req.Step.ID)
	}
}

func (e *ConditionalExecutor) evaluateExpression(ctx context.Context, req *Request, cfg *schema.ConditionalConfig) (bool, error) {
	name := cfg.Engine
	if name == "" {
		name = "cel"
	}
	engine, ok := e.engines[name]
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown expression engine %q", name).WithStep(req.Step.ID)
	}

	scope := req.Scope
	if scope == nil {
		scope = &expressions.EvalScope{}
	}
	data := scope.Map()
	// The live context wins over the interpolation-time snapshot.
	data["context"] = req.Context.Snapshot()

	result, err := engine.Evaluate(ctx, cfg.Expression, data)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"evaluate condition: %v", err).WithStep(req.Step.ID).WithCause(err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition must evaluate to a boolean, got %T", result).WithStep(req.Step.ID)
	}
	return b, nil
}

func (e *ConditionalExecutor) emitEvaluated(ctx context.Context, req *Request, cfg *schema.ConditionalConfig, matched bool) {
	if e.events == nil {
		return
	}
	payload := map[string]any{"matched": matched}
	if cfg.Expression != "" {
		payload["expression"] = cfg.Expression
	} else if cfg.Condition != nil {
		payload["key"] = cfg.Condition.Key
		payload["operator"] = string(cfg.Condition.Operator)
	}
	raw, _ := json.Marshal(payload)
	_ = e.events.AppendEvent(ctx, &store.Event{
		ExecutionID: req.ExecutionID,
		StepID:      req.Step.ID,
		Type:        schema.EventConditionEvaluated,
		Payload:     raw,
	})
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
