package steps

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelara/machina/internal/command"
	"github.com/avelara/machina/internal/expressions"
	"github.com/avelara/machina/internal/lifecycle"
	"github.com/avelara/machina/internal/provider"
	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
)

type testEnv struct {
	store    *store.MemoryStore
	events   *store.EventLog
	provider *provider.LocalProvider
	manager  *lifecycle.Manager
	runner   *command.Runner
	registry *Registry
	engines  map[string]expressions.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	s := store.NewMemoryStore()
	events := store.NewEventLog(s)

	p := provider.NewLocalProvider()
	p.BootPolls = 0

	env := &testEnv{
		store:    s,
		events:   events,
		provider: p,
		manager:  lifecycle.NewManager(p, s, events, nil, nil),
		registry: NewRegistry(),
	}
	env.runner = command.NewRunner(p, s, events, nil)

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	env.engines = map[string]expressions.Engine{
		"cel":  cel,
		"expr": expressions.NewExprEngine(),
	}

	jq := expressions.NewGoJQEngine()
	require.NoError(t, env.registry.Register(NewCreateInstanceExecutor(env.manager)))
	require.NoError(t, env.registry.Register(NewExecuteCommandExecutor(env.runner, s, jq)))
	require.NoError(t, env.registry.Register(NewWaitExecutor(nil, events)))
	require.NoError(t, env.registry.Register(NewDestroyInstanceExecutor(env.manager, s)))
	require.NoError(t, env.registry.Register(NewConditionalExecutor(env.engines, env.registry, events)))

	wf := &store.Workflow{ID: "wf-1", Name: "steps-test", Spec: schema.WorkflowSpec{Name: "steps-test"}}
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	e := &store.Execution{ID: "exec-1", WorkflowID: wf.ID, Status: schema.ExecutionStatusRunning}
	require.NoError(t, s.CreateExecution(ctx, e))

	return env
}

func (env *testEnv) request(t *testing.T, kind schema.StepKind, config string, execCtx *ExecutionContext) *Request {
	t.Helper()
	return &Request{
		ExecutionID: "exec-1",
		Step:        schema.StepDefinition{ID: "step-1", Kind: kind, Config: json.RawMessage(config)},
		Config:      json.RawMessage(config),
		Context:     execCtx,
		Scope:       &expressions.EvalScope{Context: execCtx.Snapshot()},
	}
}

// provisioned runs a create_instance step and returns the live context.
func (env *testEnv) provisioned(t *testing.T) *ExecutionContext {
	t.Helper()
	execCtx := NewExecutionContext(nil)
	exec, err := env.registry.Get(schema.StepKindCreateInstance)
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(),
		env.request(t, schema.StepKindCreateInstance, `{"name":"web"}`, execCtx))
	require.NoError(t, err)
	return execCtx
}

func TestExecutionContextLastWriteWins(t *testing.T) {
	c := NewExecutionContext(map[string]any{"env": "dev"})
	c.Set("env", "prod")

	v, ok := c.GetString("env")
	require.True(t, ok)
	assert.Equal(t, "prod", v)

	snap := c.Snapshot()
	c.Set("env", "staging")
	assert.Equal(t, "prod", snap["env"], "snapshot is detached from later writes")
}

func TestExecutionContextConcurrentAccess(t *testing.T) {
	c := NewExecutionContext(nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.Set("key", n)
			c.Snapshot()
		}(i)
	}
	wg.Wait()

	_, ok := c.Get("key")
	assert.True(t, ok)
}

func TestRegistryDuplicateAndMissing(t *testing.T) {
	env := newTestEnv(t)

	err := env.registry.Register(NewWaitExecutor(nil, env.events))
	require.Error(t, err)
	var mErr *schema.MachinaError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, schema.ErrCodeConflict, mErr.Code)

	_, err = env.registry.Get(schema.StepKind("teleport"))
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, schema.ErrCodeNotFound, mErr.Code)

	assert.Equal(t, []schema.StepKind{
		schema.StepKindConditional,
		schema.StepKindCreateInstance,
		schema.StepKindDestroyInstance,
		schema.StepKindExecuteCommand,
		schema.StepKindWait,
	}, env.registry.Kinds())
}

func TestCreateInstancePublishesContextKey(t *testing.T) {
	env := newTestEnv(t)
	execCtx := NewExecutionContext(nil)

	exec, err := env.registry.Get(schema.StepKindCreateInstance)
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(),
		env.request(t, schema.StepKindCreateInstance, `{"name":"web","context_key":"db"}`, execCtx))
	require.NoError(t, err)

	id, ok := execCtx.GetString("db")
	require.True(t, ok)
	assert.Equal(t, result.Output["instance_id"], id)

	inst, err := env.store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusRunning, inst.Status)
}

func TestExecuteCommandHappyPath(t *testing.T) {
	env := newTestEnv(t)
	execCtx := env.provisioned(t)

	exec, err := env.registry.Get(schema.StepKindExecuteCommand)
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), env.request(t,
		schema.StepKindExecuteCommand,
		`{"command":"echo","args":["ready"],"output_key":"check"}`, execCtx))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Output["exit_code"])
	assert.Equal(t, "ready\n", result.Output["stdout"])

	v, ok := execCtx.Get("check")
	require.True(t, ok)
	bound := v.(map[string]any)
	assert.Equal(t, "ready", bound["output"])
	assert.Equal(t, 0, bound["exit_code"])
}

func TestExecuteCommandExtract(t *testing.T) {
	env := newTestEnv(t)
	execCtx := env.provisioned(t)

	exec, err := env.registry.Get(schema.StepKindExecuteCommand)
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), env.request(t,
		schema.StepKindExecuteCommand,
		`{"command":"echo","args":["{\"version\":\"1.4.2\"}"],"extract":".version","output_key":"ver"}`,
		execCtx))
	require.NoError(t, err)
	assert.Equal(t, "1.4.2", result.Output["extracted"])

	v, _ := execCtx.Get("ver")
	assert.Equal(t, "1.4.2", v.(map[string]any)["output"])
}

func TestExecuteCommandFailOnError(t *testing.T) {
	env := newTestEnv(t)
	execCtx := env.provisioned(t)

	exec, err := env.registry.Get(schema.StepKindExecuteCommand)
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), env.request(t,
		schema.StepKindExecuteCommand,
		`{"command":"sh","args":["-c","exit 2"],"fail_on_error":true}`, execCtx))
	require.Error(t, err)

	var mErr *schema.MachinaError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, schema.ErrCodeStepFailed, mErr.Code)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.Output["exit_code"])

	// Without fail_on_error the same command succeeds.
	result, err = exec.Execute(context.Background(), env.request(t,
		schema.StepKindExecuteCommand,
		`{"command":"sh","args":["-c","exit 2"]}`, execCtx))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Output["exit_code"])
}

func TestExecuteCommandTimeoutKeepsPartialOutput(t *testing.T) {
	env := newTestEnv(t)
	execCtx := env.provisioned(t)

	exec, err := env.registry.Get(schema.StepKindExecuteCommand)
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), env.request(t,
		schema.StepKindExecuteCommand,
		`{"command":"sh","args":["-c","echo early; sleep 5"],"timeout":"150ms"}`, execCtx))
	require.Error(t, err)

	var mErr *schema.MachinaError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, schema.ErrCodeTimeout, mErr.Code)
	require.NotNil(t, result)
	assert.Equal(t, -1, result.Output["exit_code"])
	assert.Contains(t, result.Output["stdout"], "early")
	assert.Equal(t, true, result.Output["timed_out"])
}

func TestExecuteCommandRequiresBoundInstance(t *testing.T) {
	env := newTestEnv(t)
	execCtx := NewExecutionContext(nil)

	exec, err := env.registry.Get(schema.StepKindExecuteCommand)
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), env.request(t,
		schema.StepKindExecuteCommand, `{"command":"echo"}`, execCtx))
	require.Error(t, err)

	var mErr *schema.MachinaError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, schema.ErrCodeValidation, mErr.Code)
}

func TestWaitExecutor(t *testing.T) {
	env := newTestEnv(t)
	execCtx := NewExecutionContext(nil)

	exec, err := env.registry.Get(schema.StepKindWait)
	require.NoError(t, err)

	start := time.Now()
	result, err := exec.Execute(context.Background(),
		env.request(t, schema.StepKindWait, `{"duration":"20ms"}`, execCtx))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int64(20), result.Output["waited_ms"])

	_, err = exec.Execute(context.Background(),
		env.request(t, schema.StepKindWait, `{"duration":"shortly"}`, execCtx))
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exec.Execute(ctx, env.request(t, schema.StepKindWait, `{"duration":"10s"}`, execCtx))
	var mErr *schema.MachinaError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, schema.ErrCodeCancelled, mErr.Code)
}

func TestDestroyInstance(t *testing.T) {
	env := newTestEnv(t)
	execCtx := env.provisioned(t)

	exec, err := env.registry.Get(schema.StepKindDestroyInstance)
	require.NoError(t, err)

	id, ok := execCtx.GetString(schema.DefaultInstanceKey)
	require.True(t, ok)

	result, err := exec.Execute(context.Background(),
		env.request(t, schema.StepKindDestroyInstance, `{}`, execCtx))
	require.NoError(t, err)
	assert.Equal(t, true, result.Output["destroyed"])

	inst, err := env.store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusDestroyed, inst.Status)

	// The binding is removed along with the instance.
	_, present := execCtx.Get(schema.DefaultInstanceKey)
	assert.False(t, present, "instance key should be removed from context after destroy")

	// Idempotent: destroying an already-destroyed instance succeeds.
	execCtx.Set(schema.DefaultInstanceKey, id)
	_, err = exec.Execute(context.Background(),
		env.request(t, schema.StepKindDestroyInstance, `{}`, execCtx))
	require.NoError(t, err)
}

func TestConditionalOperatorForm(t *testing.T) {
	env := newTestEnv(t)
	execCtx := NewExecutionContext(map[string]any{"env": "prod"})

	exec, err := env.registry.Get(schema.StepKindConditional)
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), env.request(t,
		schema.StepKindConditional,
		`{"condition":{"key":"env","operator":"equals","value":"prod"},
		  "then_step":{"id":"pause","kind":"wait","config":{"duration":"1ms"}}}`,
		execCtx))
	require.NoError(t, err)
	assert.Equal(t, true, result.Output["matched"])
	assert.Equal(t, "pause", result.Output["executed"])

	result, err = exec.Execute(context.Background(), env.request(t,
		schema.StepKindConditional,
		`{"condition":{"key":"missing","operator":"exists"},
		  "then_step":{"id":"pause","kind":"wait","config":{"duration":"1ms"}}}`,
		execCtx))
	require.NoError(t, err)
	assert.Equal(t, false, result.Output["matched"])
	assert.NotContains(t, result.Output, "executed")
}

func TestConditionalExpressionForm(t *testing.T) {
	env := newTestEnv(t)
	execCtx := NewExecutionContext(map[string]any{"replicas": "3"})

	exec, err := env.registry.Get(schema.StepKindConditional)
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), env.request(t,
		schema.StepKindConditional,
		`{"expression":"context.replicas == \"3\"",
		  "then_step":{"id":"pause","kind":"wait","config":{"duration":"1ms"}},
		  "else_step":{"id":"other","kind":"wait","config":{"duration":"1ms"}}}`,
		execCtx))
	require.NoError(t, err)
	assert.Equal(t, true, result.Output["matched"])
	assert.Equal(t, "pause", result.Output["executed"])
}

func TestConditionalRejectsNonBoolean(t *testing.T) {
	env := newTestEnv(t)
	execCtx := NewExecutionContext(map[string]any{"replicas": "3"})

	exec, err := env.registry.Get(schema.StepKindConditional)
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), env.request(t,
		schema.StepKindConditional, `{"expression":"context.replicas"}`, execCtx))
	require.Error(t, err)

	var mErr *schema.MachinaError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, schema.ErrCodeValidation, mErr.Code)
}

func TestConditionalRequiresConditionOrExpression(t *testing.T) {
	env := newTestEnv(t)
	execCtx := NewExecutionContext(nil)

	exec, err := env.registry.Get(schema.StepKindConditional)
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(),
		env.request(t, schema.StepKindConditional, `{}`, execCtx))
	require.Error(t, err)

	var mErr *schema.MachinaError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, schema.ErrCodeValidation, mErr.Code)
}
