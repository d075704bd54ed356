package steps

import (
	"context"

	"github.com/avelara/machina/internal/lifecycle"
	"github.com/avelara/machina/pkg/schema"
)

// CreateInstanceExecutor provisions an instance and waits for it to become
// ready. The instance ID is published to the execution context so later
// steps can target it.
type CreateInstanceExecutor struct {
	manager *lifecycle.Manager
}

// NewCreateInstanceExecutor creates a create_instance executor.
func NewCreateInstanceExecutor(manager *lifecycle.Manager) *CreateInstanceExecutor {
	return &CreateInstanceExecutor{manager: manager}
}

func (e *CreateInstanceExecutor) Kind() schema.StepKind {
	return schema.StepKindCreateInstance
}

func (e *CreateInstanceExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg, err := decodeConfig[schema.CreateInstanceConfig](req.Config, req.Step.ID)
	if err != nil {
		return nil, err
	}

	inst, err := e.manager.Provision(ctx, req.ExecutionID, req.Step.ID, *cfg)
	if err != nil {
		return nil, err
	}

	if err := e.manager.WaitForReady(ctx, inst, cfg.WaitReady); err != nil {
		return nil, err
	}

	key := cfg.ContextKey
	if key == "" {
		key = schema.DefaultInstanceKey
	}
	req.Context.Set(key, inst.ID)

	return &Result{Output: map[string]any{
		"instance_id": inst.ID,
		"provider_id": inst.ProviderID,
		"address":     inst.Address,
		"name":        inst.Name,
	}}, nil
}
