package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/avelara/machina/pkg/schema"
)

// validateSemantic checks constraints JSON Schema cannot express: dependency
// references, duration literals, and conditional branch shapes. Structural
// validation has already passed, so configs unmarshal cleanly.
func validateSemantic(spec *schema.WorkflowSpec) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]struct{}, len(spec.Steps))
	for _, step := range spec.Steps {
		stepIDs[step.ID] = struct{}{}
	}

	for i, step := range spec.Steps {
		path := fmt.Sprintf("steps[%d]", i)

		seen := make(map[string]struct{}, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				result.AddError(path+".depends_on", "SELF_DEPENDENCY",
					fmt.Sprintf("step %q depends on itself", step.ID))
				continue
			}
			if _, ok := stepIDs[dep]; !ok {
				result.AddError(path+".depends_on", "UNKNOWN_DEPENDENCY",
					fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep))
			}
			if _, dup := seen[dep]; dup {
				result.AddError(path+".depends_on", "DUPLICATE_DEPENDENCY",
					fmt.Sprintf("step %q lists dependency %q more than once", step.ID, dep))
			}
			seen[dep] = struct{}{}
		}

		validateStepSemantics(&step, path, result)
	}

	return result
}

func validateStepSemantics(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	switch step.Kind {
	case schema.StepKindCreateInstance:
		var cfg schema.CreateInstanceConfig
		if unmarshalConfig(step.Config, &cfg, path, result) && cfg.WaitReady != nil {
			checkDuration(cfg.WaitReady.Interval, path+".config.wait_ready.interval", result)
		}

	case schema.StepKindExecuteCommand:
		var cfg schema.ExecuteCommandConfig
		if !unmarshalConfig(step.Config, &cfg, path, result) {
			return
		}
		if strings.TrimSpace(cfg.Command) == "" {
			result.AddError(path+".config.command", "EMPTY_COMMAND", "command must not be blank")
		}
		checkDuration(cfg.Timeout, path+".config.timeout", result)

	case schema.StepKindWait:
		var cfg schema.WaitConfig
		if unmarshalConfig(step.Config, &cfg, path, result) {
			checkDuration(cfg.Duration, path+".config.duration", result)
		}

	case schema.StepKindConditional:
		var cfg schema.ConditionalConfig
		if !unmarshalConfig(step.Config, &cfg, path, result) {
			return
		}
		if cfg.Condition == nil && cfg.Expression == "" {
			result.AddError(path+".config", "MISSING_CONDITION",
				fmt.Sprintf("step %q requires either condition or expression", step.ID))
		}
		if cfg.Condition != nil && cfg.Expression != "" {
			result.AddWarning(path+".config", "AMBIGUOUS_CONDITION",
				fmt.Sprintf("step %q sets both condition and expression; condition takes precedence", step.ID))
		}
		for name, branch := range map[string]*schema.StepDefinition{
			"then_step": cfg.ThenStep,
			"else_step": cfg.ElseStep,
		} {
			if branch == nil {
				continue
			}
			branchPath := path + ".config." + name
			if branch.ID == "" {
				result.AddError(branchPath+".id", "MISSING_BRANCH_ID", "branch step requires an id")
			}
			if branch.Kind == schema.StepKindConditional {
				result.AddError(branchPath+".kind", "NESTED_CONDITIONAL",
					"conditional branches may not nest another conditional")
			}
			if len(branch.DependsOn) > 0 {
				result.AddWarning(branchPath+".depends_on", "BRANCH_DEPENDS_ON",
					"depends_on on a branch step is ignored")
			}
			validateStepSemantics(branch, branchPath, result)
		}
	}
}

func unmarshalConfig(raw json.RawMessage, dst any, path string, result *schema.ValidationResult) bool {
	if len(raw) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		result.AddError(path+".config", "MALFORMED_CONFIG", err.Error())
		return false
	}
	return true
}

// checkDuration verifies a duration literal parses. Values carrying
// interpolation tokens are resolved at execution time and skipped here.
func checkDuration(value, path string, result *schema.ValidationResult) {
	if value == "" || strings.Contains(value, "${{") {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		result.AddError(path, "INVALID_DURATION",
			fmt.Sprintf("%q is not a valid duration", value))
		return
	}
	if d <= 0 {
		result.AddError(path, "INVALID_DURATION",
			fmt.Sprintf("duration %q must be positive", value))
	}
}
