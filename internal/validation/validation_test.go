package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelara/machina/pkg/schema"
)

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	v, err := NewWorkflowValidator()
	require.NoError(t, err)
	return v
}

func validSpec() *schema.WorkflowSpec {
	return &schema.WorkflowSpec{
		Name: "provision-and-check",
		Steps: []schema.StepDefinition{
			{
				ID:     "provision",
				Kind:   schema.StepKindCreateInstance,
				Config: json.RawMessage(`{"name": "web-1", "wait_ready": {"max_attempts": 5, "interval": "1s"}}`),
			},
			{
				ID:        "check",
				Kind:      schema.StepKindExecuteCommand,
				Config:    json.RawMessage(`{"command": "uname", "args": ["-a"], "timeout": "30s"}`),
				DependsOn: []string{"provision"},
			},
			{
				ID:        "teardown",
				Kind:      schema.StepKindDestroyInstance,
				DependsOn: []string{"check"},
			},
		},
	}
}

func TestValidate_ValidSpec(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(validSpec())

	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
	assert.NoError(t, v.ValidateSpec(validSpec()))
}

func TestValidate_NilSpec(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(nil)

	require.False(t, result.Valid())
	assert.Equal(t, "SCHEMA_VIOLATION", result.Errors[0].Code)
}

func TestValidate_MissingName(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Name = ""

	result := v.Validate(spec)

	require.False(t, result.Valid())
	assert.Equal(t, "SCHEMA_VIOLATION", result.Errors[0].Code)
}

func TestValidate_EmptySteps(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(&schema.WorkflowSpec{Name: "empty"})

	assert.False(t, result.Valid())
}

func TestValidate_UnknownKind(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps[0].Kind = "teleport"

	result := v.Validate(spec)

	assert.False(t, result.Valid())
}

func TestValidate_DuplicateStepIDs(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps[1].ID = "provision"
	spec.Steps[2].DependsOn = []string{"provision"}

	result := v.Validate(spec)

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate step id")
}

func TestValidate_MissingCommand(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps[1].Config = json.RawMessage(`{"args": ["-a"]}`)

	result := v.Validate(spec)

	assert.False(t, result.Valid())
}

func TestValidate_BlankCommand(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps[1].Config = json.RawMessage(`{"command": "   "}`)

	result := v.Validate(spec)

	require.False(t, result.Valid())
	assert.Equal(t, "EMPTY_COMMAND", result.Errors[0].Code)
}

func TestValidate_UnknownDependency(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps[1].DependsOn = []string{"nope"}

	result := v.Validate(spec)

	require.False(t, result.Valid())
	assert.Equal(t, "UNKNOWN_DEPENDENCY", result.Errors[0].Code)
}

func TestValidate_SelfDependency(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps[0].DependsOn = []string{"provision"}

	result := v.Validate(spec)

	require.False(t, result.Valid())
	assert.Equal(t, "SELF_DEPENDENCY", result.Errors[0].Code)
}

func TestValidate_DuplicateDependency(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps[1].DependsOn = []string{"provision", "provision"}

	result := v.Validate(spec)

	require.False(t, result.Valid())
	assert.Equal(t, "DUPLICATE_DEPENDENCY", result.Errors[0].Code)
}

func TestValidate_CycleDetected(t *testing.T) {
	v := newValidator(t)
	spec := &schema.WorkflowSpec{
		Name: "cyclic",
		Steps: []schema.StepDefinition{
			{ID: "a", Kind: schema.StepKindWait, Config: json.RawMessage(`{"duration": "1s"}`), DependsOn: []string{"b"}},
			{ID: "b", Kind: schema.StepKindWait, Config: json.RawMessage(`{"duration": "1s"}`), DependsOn: []string{"a"}},
		},
	}

	result := v.Validate(spec)

	require.False(t, result.Valid())
	assert.Equal(t, "CYCLE_DETECTED", result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "cycle")
}

func TestValidate_DAGSkippedOnSemanticErrors(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps[1].DependsOn = []string{"missing"}

	result := v.Validate(spec)

	require.False(t, result.Valid())
	for _, issue := range result.Errors {
		assert.NotEqual(t, "CYCLE_DETECTED", issue.Code)
	}
}

func TestValidate_InvalidDuration(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps = append(spec.Steps, schema.StepDefinition{
		ID:     "pause",
		Kind:   schema.StepKindWait,
		Config: json.RawMessage(`{"duration": "1 fortnight"}`),
	})

	result := v.Validate(spec)

	assert.False(t, result.Valid())
}

func TestValidate_InterpolatedDurationAccepted(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps = append(spec.Steps, schema.StepDefinition{
		ID:     "pause",
		Kind:   schema.StepKindWait,
		Config: json.RawMessage(`{"duration": "${{ context.pauseFor }}"}`),
	})

	result := v.Validate(spec)

	assert.True(t, result.Valid(), fmt.Sprintf("%+v", result.Errors))
}

func TestValidate_NegativeDuration(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps[1].Config = json.RawMessage(`{"command": "uname", "timeout": "-5s"}`)

	result := v.Validate(spec)

	require.False(t, result.Valid())
	assert.Equal(t, "INVALID_DURATION", result.Errors[0].Code)
}

func TestValidate_ConditionalRequiresConditionOrExpression(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps = append(spec.Steps, schema.StepDefinition{
		ID:     "gate",
		Kind:   schema.StepKindConditional,
		Config: json.RawMessage(`{"then_step": {"id": "t", "kind": "wait", "config": {"duration": "1s"}}}`),
	})

	result := v.Validate(spec)

	require.False(t, result.Valid())
	assert.Equal(t, "MISSING_CONDITION", result.Errors[0].Code)
}

func TestValidate_ConditionalBothFormsWarns(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps = append(spec.Steps, schema.StepDefinition{
		ID:   "gate",
		Kind: schema.StepKindConditional,
		Config: json.RawMessage(`{
			"condition": {"key": "env", "operator": "equals", "value": "prod"},
			"expression": "context.env == 'prod'"
		}`),
	})

	result := v.Validate(spec)

	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "AMBIGUOUS_CONDITION", result.Warnings[0].Code)
}

func TestValidate_ConditionalRejectsBadOperator(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps = append(spec.Steps, schema.StepDefinition{
		ID:     "gate",
		Kind:   schema.StepKindConditional,
		Config: json.RawMessage(`{"condition": {"key": "env", "operator": "approximately"}}`),
	})

	result := v.Validate(spec)

	assert.False(t, result.Valid())
}

func TestValidate_NestedConditionalRejected(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps = append(spec.Steps, schema.StepDefinition{
		ID:   "gate",
		Kind: schema.StepKindConditional,
		Config: json.RawMessage(`{
			"condition": {"key": "env", "operator": "exists"},
			"then_step": {"id": "inner", "kind": "conditional", "config": {"condition": {"key": "x", "operator": "exists"}}}
		}`),
	})

	result := v.Validate(spec)

	require.False(t, result.Valid())
	assert.Equal(t, "NESTED_CONDITIONAL", result.Errors[0].Code)
}

func TestValidate_BranchConfigValidated(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps = append(spec.Steps, schema.StepDefinition{
		ID:   "gate",
		Kind: schema.StepKindConditional,
		Config: json.RawMessage(`{
			"condition": {"key": "env", "operator": "exists"},
			"then_step": {"id": "t", "kind": "wait", "config": {"duration": "not-a-duration"}}
		}`),
	})

	result := v.Validate(spec)

	assert.False(t, result.Valid())
}

func TestValidateSpec_ErrorCarriesIssues(t *testing.T) {
	v := newValidator(t)
	spec := validSpec()
	spec.Steps[0].DependsOn = []string{"provision"}
	spec.Steps[1].DependsOn = []string{"missing"}

	err := v.ValidateSpec(spec)

	require.Error(t, err)
	var mErr *schema.MachinaError
	require.True(t, errors.As(err, &mErr))
	assert.Equal(t, schema.ErrCodeValidation, mErr.Code)
	assert.Equal(t, 2, mErr.Details["error_count"])
}

func TestJSONSchemaValidator_AdditionalPropertiesRejected(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	spec := validSpec()
	spec.Steps[1].Config = json.RawMessage(`{"command": "ls", "shell": "/bin/zsh"}`)

	err = v.ValidateSpec(spec)

	require.Error(t, err)
	var mErr *schema.MachinaError
	require.True(t, errors.As(err, &mErr))
	assert.Equal(t, "check", mErr.StepID)
}
