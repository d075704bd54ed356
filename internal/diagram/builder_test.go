package diagram

import (
	"encoding/json"
	"testing"

	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test workflow builders ---

func linearWorkflow() *schema.WorkflowSpec {
	return &schema.WorkflowSpec{
		Name: "Smoke Test",
		Steps: []schema.StepDefinition{
			{ID: "provision", Kind: schema.StepKindCreateInstance},
			{ID: "check", Kind: schema.StepKindExecuteCommand, DependsOn: []string{"provision"},
				Config: json.RawMessage(`{"command":"uname"}`)},
			{ID: "teardown", Kind: schema.StepKindDestroyInstance, DependsOn: []string{"check"}},
		},
	}
}

func diamondWorkflow() *schema.WorkflowSpec {
	return &schema.WorkflowSpec{
		Name: "Diamond",
		Steps: []schema.StepDefinition{
			{ID: "a", Kind: schema.StepKindWait, Config: json.RawMessage(`{"duration":"1ms"}`)},
			{ID: "b", Kind: schema.StepKindWait, Config: json.RawMessage(`{"duration":"1ms"}`), DependsOn: []string{"a"}},
			{ID: "c", Kind: schema.StepKindWait, Config: json.RawMessage(`{"duration":"1ms"}`), DependsOn: []string{"a"}},
			{ID: "d", Kind: schema.StepKindWait, Config: json.RawMessage(`{"duration":"1ms"}`), DependsOn: []string{"b", "c"}},
		},
	}
}

func conditionalWorkflow() *schema.WorkflowSpec {
	cfgBytes, _ := json.Marshal(schema.ConditionalConfig{
		Expression: `context.env == "prod"`,
		ThenStep: &schema.StepDefinition{
			ID: "deploy", Kind: schema.StepKindExecuteCommand,
			Config: json.RawMessage(`{"command":"deploy.sh"}`),
		},
		ElseStep: &schema.StepDefinition{
			ID: "dry-run", Kind: schema.StepKindWait,
			Config: json.RawMessage(`{"duration":"1s"}`),
		},
	})
	return &schema.WorkflowSpec{
		Name: "Gated Deploy",
		Steps: []schema.StepDefinition{
			{ID: "build", Kind: schema.StepKindExecuteCommand, Config: json.RawMessage(`{"command":"make"}`)},
			{ID: "gate", Kind: schema.StepKindConditional, DependsOn: []string{"build"}, Config: cfgBytes},
		},
	}
}

// --- Tests ---

func TestBuildLinearWorkflow(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Smoke Test", model.Title)
	// 3 steps + start + end = 5
	assert.Len(t, model.Nodes, 5)
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, NodeKindEnd, model.Nodes[len(model.Nodes)-1].Kind)

	// start -> provision -> check -> teardown -> end
	assert.Len(t, model.Edges, 4)
	assert.Equal(t, Edge{From: "__start__", To: "provision"}, model.Edges[0])

	// Each step on its own level, plus start and end.
	assert.Len(t, model.Levels, 5)
}

func TestBuildDiamondLevels(t *testing.T) {
	model, err := Build(diamondWorkflow(), nil)
	require.NoError(t, err)

	// start / a / b+c / d / end
	require.Len(t, model.Levels, 5)
	assert.Equal(t, []string{"a"}, model.Levels[1])
	assert.ElementsMatch(t, []string{"b", "c"}, model.Levels[2])
	assert.Equal(t, []string{"d"}, model.Levels[3])
}

func TestBuildNodeKinds(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	kinds := make(map[string]NodeKind)
	for _, n := range model.Nodes {
		kinds[n.ID] = n.Kind
	}
	assert.Equal(t, NodeKindInstance, kinds["provision"])
	assert.Equal(t, NodeKindCommand, kinds["check"])
	assert.Equal(t, NodeKindTeardown, kinds["teardown"])
}

func TestBuildCommandLabelShowsProgram(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	node := findNode(model.Nodes, "check")
	require.NotNil(t, node)
	assert.Contains(t, node.Label, "uname")
}

func TestBuildConditionalBranches(t *testing.T) {
	model, err := Build(conditionalWorkflow(), nil)
	require.NoError(t, err)

	gate := findNode(model.Nodes, "gate")
	require.NotNil(t, gate)
	assert.Equal(t, NodeKindCondition, gate.Kind)
	require.Len(t, gate.Branches, 2)

	assert.Equal(t, "then", gate.Branches[0].Label)
	assert.Equal(t, "gate.then", gate.Branches[0].Node.ID)
	assert.Equal(t, NodeKindCommand, gate.Branches[0].Node.Kind)

	assert.Equal(t, "else", gate.Branches[1].Label)
	assert.Equal(t, NodeKindWait, gate.Branches[1].Node.Kind)
}

func TestBuildStatusOverlay(t *testing.T) {
	states := []*store.StepState{
		{StepID: "provision", Status: schema.StepStatusCompleted, DurationMs: 1200, Attempts: 1},
		{StepID: "check", Status: schema.StepStatusFailed, Error: json.RawMessage(`{"message":"exit 1"}`)},
	}

	model, err := Build(linearWorkflow(), states)
	require.NoError(t, err)

	provision := findNode(model.Nodes, "provision")
	require.NotNil(t, provision.Status)
	assert.Equal(t, "completed", provision.Status.Status)
	assert.Equal(t, int64(1200), provision.Status.DurationMs)

	check := findNode(model.Nodes, "check")
	require.NotNil(t, check.Status)
	assert.Equal(t, "failed", check.Status.Status)
	assert.Contains(t, check.Status.Error, "exit 1")

	teardown := findNode(model.Nodes, "teardown")
	assert.Nil(t, teardown.Status)
}

func TestBuildRejectsInvalidSpec(t *testing.T) {
	spec := &schema.WorkflowSpec{
		Name: "cyclic",
		Steps: []schema.StepDefinition{
			{ID: "a", Kind: schema.StepKindWait, Config: json.RawMessage(`{"duration":"1ms"}`), DependsOn: []string{"b"}},
			{ID: "b", Kind: schema.StepKindWait, Config: json.RawMessage(`{"duration":"1ms"}`), DependsOn: []string{"a"}},
		},
	}
	_, err := Build(spec, nil)
	require.Error(t, err)
}
