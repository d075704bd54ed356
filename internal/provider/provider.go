// Package provider abstracts the compute backend that workflows provision
// instances on. The engine only sees this interface; the local provider is
// the default backend and cloud backends plug in behind it.
package provider

import (
	"context"
	"io"
	"time"
)

// MachineState is the provider-side state of a machine. It is coarser than
// the engine's instance status: the lifecycle manager maps provider states
// onto instance statuses as it polls.
type MachineState string

const (
	MachineStateProvisioning MachineState = "provisioning"
	MachineStateBooting      MachineState = "booting"
	MachineStateRunning      MachineState = "running"
	MachineStateStopping     MachineState = "stopping"
	MachineStateStopped      MachineState = "stopped"
	MachineStateDestroying   MachineState = "destroying"
	MachineStateDestroyed    MachineState = "destroyed"
	MachineStateFailed       MachineState = "failed"
)

// Machine is a provider-side compute instance.
type Machine struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Region    string            `json:"region,omitempty"`
	Image     string            `json:"image,omitempty"`
	Size      string            `json:"size,omitempty"`
	MemoryMB  int               `json:"memory_mb,omitempty"`
	State     MachineState      `json:"state"`
	Address   string            `json:"address,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// CreateMachineRequest describes a machine to provision.
type CreateMachineRequest struct {
	Name     string
	Region   string
	Image    string
	Size     string
	MemoryMB int
	Metadata map[string]string
}

// ExecRequest describes a command to run on a machine. Stdout and Stderr
// receive output as it is produced; either may be nil.
type ExecRequest struct {
	Command string
	Args    []string
	Env     map[string]string
	Stdin   string
	Stdout  io.Writer
	Stderr  io.Writer
}

// ExecResult is the outcome of a completed command.
type ExecResult struct {
	ExitCode   int
	DurationMs int64
}

// Provider is the compute backend contract. All calls take a context and
// return typed errors; callers decide retry and circuit-breaking policy.
type Provider interface {
	Name() string

	CreateMachine(ctx context.Context, req CreateMachineRequest) (*Machine, error)
	GetMachine(ctx context.Context, id string) (*Machine, error)
	ListMachines(ctx context.Context) ([]*Machine, error)

	StartMachine(ctx context.Context, id string) error
	StopMachine(ctx context.Context, id string) error
	DestroyMachine(ctx context.Context, id string) error

	// ExecCommand runs a command on a running machine and blocks until it
	// exits or ctx is done. On ctx expiry the process is killed and the
	// partial result is returned alongside ctx's error.
	ExecCommand(ctx context.Context, machineID string, req ExecRequest) (*ExecResult, error)
}
