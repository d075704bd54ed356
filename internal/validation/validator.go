// Package validation checks workflow specs before they are persisted, so
// broken workflows fail at creation rather than mid-execution. Validation
// runs in three stages: structural (JSON Schema), semantic (references and
// per-kind config constraints), and graph (cycles, reachability).
package validation

import "github.com/avelara/machina/pkg/schema"

// Validator checks workflow specs for correctness before persistence.
type Validator interface {
	ValidateSpec(spec *schema.WorkflowSpec) error
}
