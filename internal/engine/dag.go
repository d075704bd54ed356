// Package engine schedules workflow executions over their dependency
// graphs. It owns DAG parsing, the execution and step state machines, the
// bounded worker pool, and the service surface the MCP layer calls.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/avelara/machina/pkg/schema"
)

// DAG is the in-memory dependency graph of a workflow. Built once from a
// WorkflowSpec, consulted by the scheduler to compute ready sets.
type DAG struct {
	Steps   map[string]*schema.StepDefinition // step ID -> definition
	Edges   map[string][]string               // step ID -> dependencies
	Reverse map[string][]string               // step ID -> dependents
	Sorted  []string                          // topological order
	Roots   []string                          // steps with no dependencies
}

var validStepKinds = map[schema.StepKind]bool{
	schema.StepKindCreateInstance:  true,
	schema.StepKindExecuteCommand:  true,
	schema.StepKindWait:            true,
	schema.StepKindDestroyInstance: true,
	schema.StepKindConditional:     true,
}

// ParseDAG builds the executable graph from a workflow spec. It validates
// step IDs and dependencies, checks per-kind config constraints, and runs
// Kahn's algorithm for topological order and cycle detection.
func ParseDAG(spec *schema.WorkflowSpec) (*DAG, error) {
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow spec is nil")
	}
	if len(spec.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	dag := &DAG{
		Steps:   make(map[string]*schema.StepDefinition, len(spec.Steps)),
		Edges:   make(map[string][]string, len(spec.Steps)),
		Reverse: make(map[string][]string, len(spec.Steps)),
	}

	// First pass: register steps, check duplicates and kinds.
	for i := range spec.Steps {
		step := &spec.Steps[i]

		if step.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("step at index %d has empty ID", i))
		}
		if _, exists := dag.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		if !validStepKinds[step.Kind] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown kind: %s", step.ID, step.Kind)
		}
		dag.Steps[step.ID] = step
	}

	// Second pass: kind-specific config constraints.
	for _, step := range dag.Steps {
		if err := validateStepConfig(step); err != nil {
			return nil, err
		}
	}

	// Third pass: adjacency lists and dependency validation.
	for id, step := range dag.Steps {
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := dag.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", id, dep)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", id, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Steps))
	for id := range dag.Steps {
		inDegree[id] = len(dag.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sortStrings(queue)
	dag.Roots = make([]string, len(queue))
	copy(dag.Roots, queue)

	sorted := make([]string, 0, len(dag.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(dag.Reverse[node]))
		copy(dependents, dag.Reverse[node])
		sortStrings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Steps) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle")
	}
	dag.Sorted = sorted

	return dag, nil
}

// Ready returns the steps whose dependencies have all completed and that
// have not been dispatched yet, in deterministic order.
func (d *DAG) Ready(dispatched, completed map[string]bool) []string {
	var ready []string
	for _, id := range d.Sorted {
		if dispatched[id] {
			continue
		}
		ok := true
		for _, dep := range d.Edges[id] {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Dependents returns the transitive closure of steps downstream of the
// given step, used to mark dependents skipped after a failure.
func (d *DAG) Dependents(stepID string) []string {
	seen := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for _, dep := range d.Reverse[id] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(stepID)

	out := make([]string, 0, len(seen))
	for _, id := range d.Sorted {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// validateStepConfig checks kind-specific constraints on a step definition
// so broken configs fail at workflow creation, not mid-execution.
func validateStepConfig(step *schema.StepDefinition) error {
	switch step.Kind {
	case schema.StepKindExecuteCommand:
		var cfg schema.ExecuteCommandConfig
		if err := decodeStepConfig(step, &cfg); err != nil {
			return err
		}
		if cfg.Command == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "execute_command step %s has no command", step.ID)
		}

	case schema.StepKindWait:
		var cfg schema.WaitConfig
		if err := decodeStepConfig(step, &cfg); err != nil {
			return err
		}
		if cfg.Duration == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "wait step %s has no duration", step.ID)
		}

	case schema.StepKindConditional:
		var cfg schema.ConditionalConfig
		if err := decodeStepConfig(step, &cfg); err != nil {
			return err
		}
		if cfg.Condition == nil && cfg.Expression == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "conditional step %s has no condition or expression", step.ID)
		}
		for _, branch := range []*schema.StepDefinition{cfg.ThenStep, cfg.ElseStep} {
			if branch == nil {
				continue
			}
			if branch.ID == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "conditional step %s has a branch with empty ID", step.ID)
			}
			if branch.Kind != "" && !validStepKinds[branch.Kind] {
				return schema.NewErrorf(schema.ErrCodeValidation, "conditional step %s branch %s has unknown kind: %s", step.ID, branch.ID, branch.Kind)
			}
		}

	case schema.StepKindCreateInstance, schema.StepKindDestroyInstance:
		// Empty configs fall back to defaults; nothing to require here
		// beyond the block being well-formed JSON.
		var cfg map[string]any
		if err := decodeStepConfig(step, &cfg); err != nil {
			return err
		}
	}

	return nil
}

func decodeStepConfig(step *schema.StepDefinition, out any) error {
	if len(step.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(step.Config, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"step %s has invalid config: %v", step.ID, err)
	}
	return nil
}

// sortStrings sorts a small slice in place with insertion sort.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
