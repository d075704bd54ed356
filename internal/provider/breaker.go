package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avelara/machina/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-operation circuit breaking.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for a single provider operation.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerProvider wraps a Provider with per-operation circuit breakers.
// Mutating calls (create, start, stop, destroy, exec) share the provider's
// fate per operation name, so a backend that cannot create machines stops
// being hammered while reads keep flowing.
type BreakerProvider struct {
	inner    Provider
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   BreakerConfig
}

// WithBreaker wraps a provider with circuit breaking.
func WithBreaker(inner Provider, config BreakerConfig) *BreakerProvider {
	return &BreakerProvider{
		inner:    inner,
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

func (b *BreakerProvider) Name() string { return b.inner.Name() }

func (b *BreakerProvider) CreateMachine(ctx context.Context, req CreateMachineRequest) (*Machine, error) {
	if err := b.allow("create_machine"); err != nil {
		return nil, err
	}
	m, err := b.inner.CreateMachine(ctx, req)
	b.record("create_machine", err)
	return m, err
}

func (b *BreakerProvider) GetMachine(ctx context.Context, id string) (*Machine, error) {
	if err := b.allow("get_machine"); err != nil {
		return nil, err
	}
	m, err := b.inner.GetMachine(ctx, id)
	b.record("get_machine", err)
	return m, err
}

func (b *BreakerProvider) ListMachines(ctx context.Context) ([]*Machine, error) {
	if err := b.allow("list_machines"); err != nil {
		return nil, err
	}
	ms, err := b.inner.ListMachines(ctx)
	b.record("list_machines", err)
	return ms, err
}

func (b *BreakerProvider) StartMachine(ctx context.Context, id string) error {
	if err := b.allow("start_machine"); err != nil {
		return err
	}
	err := b.inner.StartMachine(ctx, id)
	b.record("start_machine", err)
	return err
}

func (b *BreakerProvider) StopMachine(ctx context.Context, id string) error {
	if err := b.allow("stop_machine"); err != nil {
		return err
	}
	err := b.inner.StopMachine(ctx, id)
	b.record("stop_machine", err)
	return err
}

func (b *BreakerProvider) DestroyMachine(ctx context.Context, id string) error {
	if err := b.allow("destroy_machine"); err != nil {
		return err
	}
	err := b.inner.DestroyMachine(ctx, id)
	b.record("destroy_machine", err)
	return err
}

func (b *BreakerProvider) ExecCommand(ctx context.Context, machineID string, req ExecRequest) (*ExecResult, error) {
	if err := b.allow("exec_command"); err != nil {
		return nil, err
	}
	res, err := b.inner.ExecCommand(ctx, machineID, req)
	b.record("exec_command", err)
	return res, err
}

// State returns the current circuit state for an operation, applying the
// automatic open-to-half-open transition when the cooldown has elapsed.
func (b *BreakerProvider) State(op string) CircuitState {
	cb := b.getOrCreate(op)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// Stats returns diagnostic information about an operation's circuit.
func (b *BreakerProvider) Stats(op string) map[string]any {
	cb := b.getOrCreate(op)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"operation":            op,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (b *BreakerProvider) allow(op string) error {
	cb := b.getOrCreate(op)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for provider operation %q: %d consecutive failures, cooldown remaining",
			op, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"operation":            op,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for provider operation %q: max test requests reached", op)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// record updates the circuit after a call. Cancellation is not a backend
// failure and leaves the circuit untouched.
func (b *BreakerProvider) record(op string, err error) {
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}

	cb := b.getOrCreate(op)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.consecutiveFailures = 0
		cb.halfOpenAttempts = 0
		cb.state = CircuitClosed
		return
	}

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.state = CircuitOpen
		return
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
}

func (b *BreakerProvider) getOrCreate(op string) *circuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[op]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: b.config,
		}
		b.breakers[op] = cb
	}
	return cb
}
