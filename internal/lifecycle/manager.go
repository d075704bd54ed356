package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avelara/machina/internal/logging"
	"github.com/avelara/machina/internal/provider"
	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
)

const (
	// DefaultReadyMaxAttempts bounds the readiness poll loop.
	DefaultReadyMaxAttempts = 30
	// DefaultReadyInterval is the pause between readiness polls.
	DefaultReadyInterval = 2 * time.Second
)

// Manager drives instances through their lifecycle against a provider,
// keeping the instance record and the event log in sync with provider state.
type Manager struct {
	provider provider.Provider
	store    store.Store
	fsm      *InstanceFSM
	clock    Clock
	logger   *slog.Logger
}

// NewManager creates a lifecycle manager. A nil clock defaults to the wall
// clock.
func NewManager(p provider.Provider, s store.Store, events EventAppender, clock Clock, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = NewClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider: p,
		store:    s,
		fsm:      NewInstanceFSM(events),
		clock:    clock,
		logger:   logger,
	}
}

// Provision creates an instance record and asks the provider for a machine.
// The returned instance is in status creating; callers follow up with
// WaitForReady to drive it to running.
func (m *Manager) Provision(ctx context.Context, executionID, stepID string, cfg schema.CreateInstanceConfig) (*store.Instance, error) {
	now := m.clock.Now().UTC()
	inst := &store.Instance{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		StepID:      stepID,
		Provider:    m.provider.Name(),
		Name:        cfg.Name,
		Region:      cfg.Region,
		Image:       cfg.Image,
		Size:        cfg.Size,
		MemoryMB:    cfg.MemoryMB,
		Status:      schema.InstanceStatusCreating,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if inst.Name == "" {
		inst.Name = fmt.Sprintf("machina-%s", inst.ID[:8])
	}

	if err := m.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("create instance record: %w", err)
	}

	ctx = logging.WithInstanceID(ctx, inst.ID)
	m.logger.InfoContext(ctx, "provisioning instance",
		"provider", m.provider.Name(), "name", inst.Name)

	machine, err := m.provider.CreateMachine(ctx, provider.CreateMachineRequest{
		Name:     inst.Name,
		Region:   cfg.Region,
		Image:    cfg.Image,
		Size:     cfg.Size,
		MemoryMB: cfg.MemoryMB,
		Metadata: cfg.Metadata,
	})
	if err != nil {
		m.markFailed(ctx, inst, err)
		return nil, schema.NewErrorf(schema.ErrCodeInfrastructure,
			"provision machine: %v", err).WithCause(err).WithStep(stepID)
	}

	inst.ProviderID = machine.ID
	inst.Address = machine.Address
	if err := m.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		ProviderID: &machine.ID,
		Address:    &machine.Address,
	}); err != nil {
		return nil, fmt.Errorf("record provider machine: %w", err)
	}
	return inst, nil
}

// WaitForReady polls the provider until the machine reports running, the
// attempt budget is exhausted, or ctx is cancelled. Transient provider
// errors consume an attempt; permanent errors fail immediately.
func (m *Manager) WaitForReady(ctx context.Context, inst *store.Instance, cfg *schema.WaitReadyConfig) error {
	maxAttempts := DefaultReadyMaxAttempts
	interval := DefaultReadyInterval
	if cfg != nil {
		if cfg.MaxAttempts > 0 {
			maxAttempts = cfg.MaxAttempts
		}
		if cfg.Interval != "" {
			d, err := time.ParseDuration(cfg.Interval)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"invalid wait_ready interval %q: %v", cfg.Interval, err)
			}
			interval = d
		}
	}

	ctx = logging.WithInstanceID(ctx, inst.ID)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		machine, err := m.provider.GetMachine(ctx, inst.ProviderID)
		switch {
		case err == nil:
			done, err := m.observe(ctx, inst, machine)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case ctx.Err() != nil:
			return schema.NewErrorf(schema.ErrCodeCancelled,
				"readiness wait cancelled for instance %s", inst.ID).WithCause(ctx.Err())
		case provider.IsRetryableError(err):
			m.logger.WarnContext(ctx, "readiness poll failed, retrying",
				"attempt", attempt, "error", err)
		default:
			m.markFailed(ctx, inst, err)
			return schema.NewErrorf(schema.ErrCodeInfrastructure,
				"readiness poll for instance %s: %v", inst.ID, err).WithCause(err)
		}

		if attempt == maxAttempts {
			break
		}
		if err := m.clock.Sleep(ctx, interval); err != nil {
			return schema.NewErrorf(schema.ErrCodeCancelled,
				"readiness wait cancelled for instance %s", inst.ID).WithCause(err)
		}
	}

	timeoutErr := schema.NewErrorf(schema.ErrCodeTimeout,
		"instance %s not ready after %d attempts", inst.ID, maxAttempts).
		WithDetails(map[string]any{
			"max_attempts": maxAttempts,
			"interval":     interval.String(),
		})
	m.markFailed(ctx, inst, timeoutErr)
	return timeoutErr
}

// observe folds one provider poll into the instance record. It returns
// done=true once the machine is running.
func (m *Manager) observe(ctx context.Context, inst *store.Instance, machine *provider.Machine) (bool, error) {
	switch machine.State {
	case provider.MachineStateProvisioning:
		return false, nil

	case provider.MachineStateBooting:
		if inst.Status == schema.InstanceStatusCreating {
			if err := m.transition(ctx, inst, schema.InstanceStatusStarting, nil); err != nil {
				return false, err
			}
		}
		return false, nil

	case provider.MachineStateRunning:
		if err := m.transition(ctx, inst, schema.InstanceStatusRunning, nil); err != nil {
			return false, err
		}
		now := m.clock.Now().UTC()
		inst.ReadyAt = &now
		inst.Address = machine.Address
		if err := m.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
			ReadyAt: &now,
			Address: &machine.Address,
		}); err != nil {
			return false, fmt.Errorf("record instance ready: %w", err)
		}
		m.logger.InfoContext(ctx, "instance ready", "address", machine.Address)
		return true, nil

	case provider.MachineStateStopping, provider.MachineStateStopped:
		// A freshly started machine can report stopped for a poll or two.
		// Only failed and destroyed states end the wait early.
		return false, nil

	case provider.MachineStateFailed:
		err := schema.NewErrorf(schema.ErrCodeInstanceState,
			"machine %s failed during boot", machine.ID)
		m.markFailed(ctx, inst, err)
		return false, err

	default:
		// destroying, destroyed, or a state this engine does not know.
		err := schema.NewErrorf(schema.ErrCodeInstanceState,
			"machine %s is %s while waiting for instance %s", machine.ID, machine.State, inst.ID)
		m.markFailed(ctx, inst, err)
		return false, err
	}
}

// Start boots a stopped instance and waits for it to report running.
func (m *Manager) Start(ctx context.Context, inst *store.Instance) error {
	if inst.Status != schema.InstanceStatusStopped {
		return schema.NewErrorf(schema.ErrCodeInstanceState,
			"cannot start instance %s in status %s", inst.ID, inst.Status)
	}
	ctx = logging.WithInstanceID(ctx, inst.ID)
	if err := m.provider.StartMachine(ctx, inst.ProviderID); err != nil {
		return schema.NewErrorf(schema.ErrCodeInfrastructure,
			"start machine: %v", err).WithCause(err)
	}
	if err := m.transition(ctx, inst, schema.InstanceStatusStarting, nil); err != nil {
		return err
	}
	return m.WaitForReady(ctx, inst, nil)
}

// Stop halts a running instance.
func (m *Manager) Stop(ctx context.Context, inst *store.Instance) error {
	if inst.Status != schema.InstanceStatusRunning {
		return schema.NewErrorf(schema.ErrCodeInstanceState,
			"cannot stop instance %s in status %s", inst.ID, inst.Status)
	}
	ctx = logging.WithInstanceID(ctx, inst.ID)
	if err := m.transition(ctx, inst, schema.InstanceStatusStopping, nil); err != nil {
		return err
	}
	if err := m.provider.StopMachine(ctx, inst.ProviderID); err != nil {
		m.markFailed(ctx, inst, err)
		return schema.NewErrorf(schema.ErrCodeInfrastructure,
			"stop machine: %v", err).WithCause(err)
	}
	return m.transition(ctx, inst, schema.InstanceStatusStopped, nil)
}

// Destroy tears an instance down. Destroying an already-destroyed instance
// is a no-op so cleanup steps stay idempotent.
func (m *Manager) Destroy(ctx context.Context, inst *store.Instance) error {
	if inst.Status == schema.InstanceStatusDestroyed {
		return nil
	}
	ctx = logging.WithInstanceID(ctx, inst.ID)
	if err := m.transition(ctx, inst, schema.InstanceStatusDestroying, nil); err != nil {
		return err
	}
	if err := m.provider.DestroyMachine(ctx, inst.ProviderID); err != nil {
		m.markFailed(ctx, inst, err)
		return schema.NewErrorf(schema.ErrCodeInfrastructure,
			"destroy machine: %v", err).WithCause(err)
	}
	if err := m.transition(ctx, inst, schema.InstanceStatusDestroyed, nil); err != nil {
		return err
	}
	now := m.clock.Now().UTC()
	inst.DestroyedAt = &now
	if err := m.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		DestroyedAt: &now,
	}); err != nil {
		return fmt.Errorf("record instance destroyed: %w", err)
	}
	m.logger.InfoContext(ctx, "instance destroyed")
	return nil
}

// transition runs the FSM transition and persists the new status.
func (m *Manager) transition(ctx context.Context, inst *store.Instance, to schema.InstanceStatus, payload json.RawMessage) error {
	if err := m.fsm.Transition(ctx, inst, to, payload); err != nil {
		return err
	}
	if err := m.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status: &to,
	}); err != nil {
		return fmt.Errorf("persist instance status %s: %w", to, err)
	}
	return nil
}

// markFailed best-effort moves an instance to failed and records the cause.
// The original error always wins over bookkeeping errors, which are logged.
func (m *Manager) markFailed(ctx context.Context, inst *store.Instance, cause error) {
	payload, _ := json.Marshal(map[string]string{"error": cause.Error()})
	if CanTransition(inst.Status, schema.InstanceStatusFailed) {
		if err := m.fsm.Transition(ctx, inst, schema.InstanceStatusFailed, payload); err != nil {
			m.logger.WarnContext(ctx, "failed to record instance failure event", "error", err)
		}
	} else {
		inst.Status = schema.InstanceStatusFailed
	}
	failed := schema.InstanceStatusFailed
	if err := m.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status: &failed,
		Error:  payload,
	}); err != nil {
		m.logger.WarnContext(ctx, "failed to persist instance failure", "error", err)
	}
}
