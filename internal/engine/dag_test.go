package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelara/machina/pkg/schema"
)

func waitStep(id string, deps ...string) schema.StepDefinition {
	return schema.StepDefinition{
		ID:        id,
		Kind:      schema.StepKindWait,
		Config:    json.RawMessage(`{"duration": "1ms"}`),
		DependsOn: deps,
	}
}

func diamondSpec() *schema.WorkflowSpec {
	return &schema.WorkflowSpec{
		Name: "diamond",
		Steps: []schema.StepDefinition{
			waitStep("a"),
			waitStep("b", "a"),
			waitStep("c", "a"),
			waitStep("d", "b", "c"),
		},
	}
}

func TestParseDAG_Diamond(t *testing.T) {
	dag, err := ParseDAG(diamondSpec())
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, dag.Roots)
	assert.Equal(t, []string{"a", "b", "c", "d"}, dag.Sorted)
	assert.ElementsMatch(t, []string{"b", "c"}, dag.Reverse["a"])
}

func TestParseDAG_NilAndEmpty(t *testing.T) {
	_, err := ParseDAG(nil)
	require.Error(t, err)

	_, err = ParseDAG(&schema.WorkflowSpec{Name: "empty"})
	require.Error(t, err)
	var mErr *schema.MachinaError
	require.True(t, errors.As(err, &mErr))
	assert.Equal(t, schema.ErrCodeValidation, mErr.Code)
}

func TestParseDAG_DuplicateID(t *testing.T) {
	spec := diamondSpec()
	spec.Steps[2].ID = "b"

	_, err := ParseDAG(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step ID")
}

func TestParseDAG_UnknownKind(t *testing.T) {
	spec := diamondSpec()
	spec.Steps[0].Kind = "reboot_universe"

	_, err := ParseDAG(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestParseDAG_MissingDependency(t *testing.T) {
	spec := diamondSpec()
	spec.Steps[3].DependsOn = []string{"b", "ghost"}

	_, err := ParseDAG(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-existent")
}

func TestParseDAG_SelfDependency(t *testing.T) {
	spec := &schema.WorkflowSpec{
		Name:  "selfdep",
		Steps: []schema.StepDefinition{waitStep("a", "a")},
	}

	_, err := ParseDAG(spec)
	require.Error(t, err)
	var mErr *schema.MachinaError
	require.True(t, errors.As(err, &mErr))
	assert.Equal(t, schema.ErrCodeCycleDetected, mErr.Code)
}

func TestParseDAG_Cycle(t *testing.T) {
	spec := &schema.WorkflowSpec{
		Name: "cyclic",
		Steps: []schema.StepDefinition{
			waitStep("a", "c"),
			waitStep("b", "a"),
			waitStep("c", "b"),
		},
	}

	_, err := ParseDAG(spec)
	require.Error(t, err)
	var mErr *schema.MachinaError
	require.True(t, errors.As(err, &mErr))
	assert.Equal(t, schema.ErrCodeCycleDetected, mErr.Code)
}

func TestParseDAG_ConfigConstraints(t *testing.T) {
	spec := &schema.WorkflowSpec{
		Name: "badconfig",
		Steps: []schema.StepDefinition{
			{ID: "run", Kind: schema.StepKindExecuteCommand, Config: json.RawMessage(`{"args": ["-l"]}`)},
		},
	}

	_, err := ParseDAG(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command")

	spec.Steps[0] = schema.StepDefinition{ID: "pause", Kind: schema.StepKindWait, Config: json.RawMessage(`{}`)}
	_, err = ParseDAG(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duration")
}

func TestDAG_ReadyProgression(t *testing.T) {
	dag, err := ParseDAG(diamondSpec())
	require.NoError(t, err)

	dispatched := map[string]bool{}
	completed := map[string]bool{}

	assert.Equal(t, []string{"a"}, dag.Ready(dispatched, completed))

	dispatched["a"] = true
	assert.Empty(t, dag.Ready(dispatched, completed), "b and c wait for a to complete")

	completed["a"] = true
	assert.Equal(t, []string{"b", "c"}, dag.Ready(dispatched, completed))

	dispatched["b"], dispatched["c"] = true, true
	completed["b"] = true
	assert.Empty(t, dag.Ready(dispatched, completed), "d waits for both b and c")

	completed["c"] = true
	assert.Equal(t, []string{"d"}, dag.Ready(dispatched, completed))
}

func TestDAG_Dependents(t *testing.T) {
	dag, err := ParseDAG(diamondSpec())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"b", "c", "d"}, dag.Dependents("a"))
	assert.Equal(t, []string{"d"}, dag.Dependents("b"))
	assert.Empty(t, dag.Dependents("d"))
}
