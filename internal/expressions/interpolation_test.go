package expressions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelara/machina/pkg/schema"
)

func testScope() *EvalScope {
	return &EvalScope{
		Context: map[string]any{
			"instanceId": "i-123",
			"release":    map[string]any{"tag": "v2.1.0"},
		},
		Steps: map[string]any{
			"build": map[string]any{"exit_code": 0, "output": "ok"},
		},
		Inputs:    map[string]any{"region": "fra"},
		Execution: map[string]any{"id": "exec-1"},
	}
}

func TestInterpolate_NoTokensPassThrough(t *testing.T) {
	raw := json.RawMessage(`{"command":"echo"}`)
	out, err := Interpolate(raw, testScope())
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestInterpolate_ContextReference(t *testing.T) {
	raw := json.RawMessage(`{"instance_key":"${{ context.instanceId }}"}`)
	out, err := Interpolate(raw, testScope())
	require.NoError(t, err)
	assert.JSONEq(t, `{"instance_key":"i-123"}`, string(out))
}

func TestInterpolate_NestedPath(t *testing.T) {
	raw := json.RawMessage(`{"tag":"${{ context.release.tag }}"}`)
	out, err := Interpolate(raw, testScope())
	require.NoError(t, err)
	assert.JSONEq(t, `{"tag":"v2.1.0"}`, string(out))
}

func TestInterpolate_StepOutput(t *testing.T) {
	raw := json.RawMessage(`{"code":${{ steps.build.output.exit_code }}}`)
	out, err := Interpolate(raw, testScope())
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":0}`, string(out))
}

func TestInterpolate_InputsAndExecution(t *testing.T) {
	raw := json.RawMessage(`{"region":"${{ inputs.region }}","run":"${{ execution.id }}"}`)
	out, err := Interpolate(raw, testScope())
	require.NoError(t, err)
	assert.JSONEq(t, `{"region":"fra","run":"exec-1"}`, string(out))
}

func TestInterpolate_UnknownNamespace(t *testing.T) {
	raw := json.RawMessage(`{"v":"${{ secrets.TOKEN }}"}`)
	_, err := Interpolate(raw, testScope())
	require.Error(t, err)
	mErr, ok := err.(*schema.MachinaError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInterpolation, mErr.Code)
}

func TestInterpolate_MissingStep(t *testing.T) {
	raw := json.RawMessage(`{"v":"${{ steps.missing.output }}"}`)
	_, err := Interpolate(raw, testScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "available steps")
}

func TestInterpolate_Unclosed(t *testing.T) {
	raw := json.RawMessage(`{"v":"${{ context.instanceId"}`)
	_, err := Interpolate(raw, testScope())
	require.Error(t, err)
}

func TestInterpolate_NestedTokenRejected(t *testing.T) {
	raw := json.RawMessage(`{"v":"${{ context.${{ inputs.region }} }}"}`)
	_, err := Interpolate(raw, testScope())
	require.Error(t, err)
}

func TestScopeMap_DefaultsEmpty(t *testing.T) {
	s := &EvalScope{}
	m := s.Map()
	assert.NotNil(t, m["context"])
	assert.NotNil(t, m["steps"])
	assert.NotNil(t, m["inputs"])
	assert.NotNil(t, m["execution"])
}
