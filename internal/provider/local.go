package provider

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avelara/machina/pkg/schema"
)

const (
	defaultBootPolls     = 2 // get_machine calls before a booting machine reports running
	defaultMaxOutputSize = 10 * 1024 * 1024
)

// LocalProvider simulates a compute backend on the local host. Machines are
// in-memory records whose state advances as the lifecycle manager polls
// them, and commands run in a local /bin/sh so execute_command steps behave
// like they would against a real instance.
type LocalProvider struct {
	mu       sync.Mutex
	machines map[string]*localMachine

	// BootPolls is how many GetMachine calls a machine spends booting
	// before it reports running. Zero means machines are running on the
	// first poll.
	BootPolls int

	// MaxOutputSize caps bytes forwarded to ExecRequest writers per stream.
	MaxOutputSize int64
}

type localMachine struct {
	machine   Machine
	pollsLeft int
}

// NewLocalProvider creates a local provider with boot simulation enabled.
func NewLocalProvider() *LocalProvider {
	return &LocalProvider{
		machines:      make(map[string]*localMachine),
		BootPolls:     defaultBootPolls,
		MaxOutputSize: defaultMaxOutputSize,
	}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) CreateMachine(ctx context.Context, req CreateMachineRequest) (*Machine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	m := Machine{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Region:    req.Region,
		Image:     req.Image,
		Size:      req.Size,
		MemoryMB:  req.MemoryMB,
		State:     MachineStateBooting,
		Address:   "127.0.0.1",
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	p.machines[m.ID] = &localMachine{machine: m, pollsLeft: p.BootPolls}

	out := m
	return &out, nil
}

func (p *LocalProvider) GetMachine(ctx context.Context, id string) (*Machine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	lm, ok := p.machines[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "machine %s not found", id)
	}

	// Booting machines advance toward running as they are polled.
	if lm.machine.State == MachineStateBooting {
		if lm.pollsLeft > 0 {
			lm.pollsLeft--
		} else {
			lm.machine.State = MachineStateRunning
		}
	}

	out := lm.machine
	return &out, nil
}

func (p *LocalProvider) ListMachines(ctx context.Context) ([]*Machine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Machine, 0, len(p.machines))
	for _, lm := range p.machines {
		m := lm.machine
		out = append(out, &m)
	}
	return out, nil
}

func (p *LocalProvider) StartMachine(ctx context.Context, id string) error {
	return p.transition(ctx, id, func(m *Machine) error {
		switch m.State {
		case MachineStateStopped:
			m.State = MachineStateRunning
			return nil
		case MachineStateRunning, MachineStateBooting:
			return nil
		default:
			return schema.NewErrorf(schema.ErrCodeInstanceState,
				"machine %s cannot start from state %s", id, m.State)
		}
	})
}

func (p *LocalProvider) StopMachine(ctx context.Context, id string) error {
	return p.transition(ctx, id, func(m *Machine) error {
		switch m.State {
		case MachineStateRunning, MachineStateBooting:
			m.State = MachineStateStopped
			return nil
		case MachineStateStopped:
			return nil
		default:
			return schema.NewErrorf(schema.ErrCodeInstanceState,
				"machine %s cannot stop from state %s", id, m.State)
		}
	})
}

func (p *LocalProvider) DestroyMachine(ctx context.Context, id string) error {
	return p.transition(ctx, id, func(m *Machine) error {
		if m.State == MachineStateDestroyed {
			return nil
		}
		m.State = MachineStateDestroyed
		return nil
	})
}

func (p *LocalProvider) transition(ctx context.Context, id string, fn func(*Machine) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	lm, ok := p.machines[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "machine %s not found", id)
	}
	return fn(&lm.machine)
}

// ExecCommand runs the command in a local shell. It honors ctx timeouts:
// on expiry the process group is killed and the partial result (with exit
// code -1) is returned together with ctx's error.
func (p *LocalProvider) ExecCommand(ctx context.Context, machineID string, req ExecRequest) (*ExecResult, error) {
	p.mu.Lock()
	lm, ok := p.machines[machineID]
	var state MachineState
	if ok {
		state = lm.machine.State
	}
	p.mu.Unlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "machine %s not found", machineID)
	}
	if state != MachineStateRunning {
		return nil, schema.NewErrorf(schema.ErrCodeInstanceState,
			"machine %s is %s, commands require a running machine", machineID, state)
	}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)

	// exec.CommandContext only kills the direct child; a shell's own
	// children would keep the output pipes open and stall Run past the
	// deadline. Run the command in its own process group, kill the whole
	// group on cancellation, and stop waiting for pipe writers shortly
	// after the kill.
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 100 * time.Millisecond

	if req.Env != nil {
		cmd.Env = os.Environ()
		for k, v := range req.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	maxOutput := p.MaxOutputSize
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputSize
	}
	if req.Stdout != nil {
		cmd.Stdout = &limitedWriter{w: req.Stdout, limit: maxOutput}
	}
	if req.Stderr != nil {
		cmd.Stderr = &limitedWriter{w: req.Stderr, limit: maxOutput}
	}

	start := time.Now()
	runErr := cmd.Run()
	result := &ExecResult{
		ExitCode:   0,
		DurationMs: time.Since(start).Milliseconds(),
	}

	if runErr == nil {
		return result, nil
	}

	// ctx expiry kills the process; report the partial result with the
	// sentinel exit code so callers can keep whatever output arrived.
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}

	// Non-exit error (e.g. command not found).
	return nil, schema.NewErrorf(schema.ErrCodeExecution, "exec %s: %v", req.Command, runErr).WithCause(runErr)
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess
// from blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p) // Capture original length before any truncation.
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
