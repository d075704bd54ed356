package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelara/machina/pkg/schema"
)

func celEngine(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCEL_EvaluateCondition(t *testing.T) {
	e := celEngine(t)
	out, err := e.Evaluate(context.Background(), `context.deploy == "prod"`, map[string]any{
		"context": map[string]any{"deploy": "prod"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_MissingScopeDefaultsToEmpty(t *testing.T) {
	e := celEngine(t)
	out, err := e.Evaluate(context.Background(), `"deploy" in context`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCEL_CompileError(t *testing.T) {
	e := celEngine(t)
	_, err := e.Evaluate(context.Background(), `context.(((`, nil)
	require.Error(t, err)

	mErr, ok := err.(*schema.MachinaError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, mErr.Code)
}

func TestCEL_EmptyExpression(t *testing.T) {
	e := celEngine(t)
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestCEL_CachesPrograms(t *testing.T) {
	e := celEngine(t)
	ctx := context.Background()

	_, err := e.Evaluate(ctx, `1 + 1 == 2`, nil)
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)

	_, err = e.Evaluate(ctx, `1 + 1 == 2`, nil)
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)
}

func TestExpr_Evaluate(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `steps.build.exit_code == 0 && context.env != "prod"`, map[string]any{
		"steps":   map[string]any{"build": map[string]any{"exit_code": 0}},
		"context": map[string]any{"env": "staging"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_UndefinedVariablesAllowed(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `missing == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), `1 +`, nil)
	require.Error(t, err)

	mErr, ok := err.(*schema.MachinaError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, mErr.Code)
}

func TestGoJQ_ExtractField(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.EvaluateValue(context.Background(), `.version`, map[string]any{
		"version": "1.4.2",
		"arch":    "amd64",
	})
	require.NoError(t, err)
	assert.Equal(t, "1.4.2", out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.EvaluateValue(context.Background(), `.items[]`, map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), `.[[[`, map[string]any{})
	require.Error(t, err)

	mErr, ok := err.(*schema.MachinaError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, mErr.Code)
}

func TestGoJQ_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()
	t.Setenv("MACHINA_SECRET_TEST", "leaky")
	out, err := e.Evaluate(context.Background(), `env.MACHINA_SECRET_TEST`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}
