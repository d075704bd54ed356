package steps

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/avelara/machina/internal/expressions"
	"github.com/avelara/machina/pkg/schema"
)

// Request carries everything an executor needs for one step run. Config is
// the step's config block with interpolation tokens already resolved.
type Request struct {
	ExecutionID string
	Step        schema.StepDefinition
	Config      json.RawMessage
	Context     *ExecutionContext

	// Scope is the evaluation scope the config was interpolated against.
	// Conditionals evaluate their expressions over the same scope.
	Scope *expressions.EvalScope
}

// Result is the output of a completed step, recorded as the step's output
// payload and exposed to dependents through interpolation.
type Result struct {
	Output map[string]any `json:"output,omitempty"`
}

// Executor runs one kind of step.
type Executor interface {
	Kind() schema.StepKind
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Registry is the thread-safe lookup of executors by step kind.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.StepKind]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[schema.StepKind]Executor)}
}

// Register adds an executor. Returns an error on duplicate kind.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	kind := e.Kind()
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for kind %q already registered", kind)
	}
	r.executors[kind] = e
	return nil
}

// Get retrieves the executor for a step kind.
func (r *Registry) Get(kind schema.StepKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no executor for step kind %q", kind)
	}
	return e, nil
}

// Has reports whether a kind is registered.
func (r *Registry) Has(kind schema.StepKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[kind]
	return ok
}

// Kinds returns the registered step kinds, sorted.
func (r *Registry) Kinds() []schema.StepKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]schema.StepKind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// decodeConfig unmarshals a step config block, tolerating an absent block.
func decodeConfig[T any](raw json.RawMessage, stepID string) (*T, error) {
	var cfg T
	if len(raw) == 0 {
		return &cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid step config: %v", err).WithStep(stepID).WithCause(err)
	}
	return &cfg, nil
}
