package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/avelara/machina/pkg/schema"
)

// validateDAG detects cycles with Kahn's algorithm and warns about steps
// unreachable from the root set. It assumes dependency references already
// passed semantic validation.
func validateDAG(spec *schema.WorkflowSpec) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	inDegree := make(map[string]int, len(spec.Steps))
	dependents := make(map[string][]string, len(spec.Steps))
	for _, step := range spec.Steps {
		inDegree[step.ID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	queue := make([]string, 0, len(spec.Steps))
	for _, step := range spec.Steps {
		if inDegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}

	if len(queue) == 0 && len(spec.Steps) > 0 {
		result.AddError("steps", "CYCLE_DETECTED",
			"workflow has no root steps; every step is part of a cycle")
		return result
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++

		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited < len(spec.Steps) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		result.AddError("steps", "CYCLE_DETECTED",
			fmt.Sprintf("workflow contains a cycle involving steps: %s", strings.Join(cyclic, ", ")))
		return result
	}

	// Reachability from roots via BFS. With valid references every step is
	// reachable, but keep the check as a warning for future edge shapes.
	reachable := make(map[string]struct{}, len(spec.Steps))
	var frontier []string
	for _, step := range spec.Steps {
		if len(step.DependsOn) == 0 {
			reachable[step.ID] = struct{}{}
			frontier = append(frontier, step.ID)
		}
	}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, next := range dependents[id] {
			if _, ok := reachable[next]; ok {
				continue
			}
			reachable[next] = struct{}{}
			frontier = append(frontier, next)
		}
	}
	for _, step := range spec.Steps {
		if _, ok := reachable[step.ID]; !ok {
			result.AddWarning("steps", "UNREACHABLE_STEP",
				fmt.Sprintf("step %q is not reachable from any root step", step.ID))
		}
	}

	return result
}
