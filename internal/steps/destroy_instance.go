package steps

import (
	"context"

	"github.com/avelara/machina/internal/lifecycle"
	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
)

// DestroyInstanceExecutor tears down an instance bound in the execution
// context. Destroying an already-destroyed instance succeeds so cleanup
// steps can run unconditionally.
type DestroyInstanceExecutor struct {
	manager *lifecycle.Manager
	store   store.Store
}

// NewDestroyInstanceExecutor creates a destroy_instance executor.
func NewDestroyInstanceExecutor(manager *lifecycle.Manager, s store.Store) *DestroyInstanceExecutor {
	return &DestroyInstanceExecutor{manager: manager, store: s}
}

func (e *DestroyInstanceExecutor) Kind() schema.StepKind {
	return schema.StepKindDestroyInstance
}

func (e *DestroyInstanceExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg, err := decodeConfig[schema.DestroyInstanceConfig](req.Config, req.Step.ID)
	if err != nil {
		return nil, err
	}

	key := cfg.InstanceKey
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

	if err := e.manager.Destroy(ctx, inst); err != nil {
		return nil, err
	}

	// The binding is gone with the instance; later steps must not
	// resolve a destroyed machine through it.
	req.Context.Delete(key)

	return &Result{Output: map[string]any{
		"instance_id": inst.ID,
		"destroyed":   true,
	}}, nil
}
