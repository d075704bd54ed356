package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
)

func fsmFixture(t *testing.T) (*store.MemoryStore, *store.EventLog) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	wf := &store.Workflow{ID: "wf-1", Name: "fsm-test", Spec: schema.WorkflowSpec{Name: "fsm-test"}}
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	exec := &store.Execution{ID: "exec-1", WorkflowID: wf.ID, Status: schema.ExecutionStatusPending}
	require.NoError(t, s.CreateExecution(ctx, exec))

	return s, store.NewEventLog(s)
}

func TestExecutionFSM_ValidTransitionEmitsEvent(t *testing.T) {
	s, events := fsmFixture(t)
	fsm := NewExecutionFSM(events)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "exec-1", schema.ExecutionStatusPending, schema.ExecutionStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1", schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, nil))

	got, err := s.GetEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, schema.EventExecutionStarted, got[0].Type)
	assert.Equal(t, schema.EventExecutionCompleted, got[1].Type)
}

func TestExecutionFSM_RejectsInvalidTransition(t *testing.T) {
	_, events := fsmFixture(t)
	fsm := NewExecutionFSM(events)

	err := fsm.Transition(context.Background(), "exec-1",
		schema.ExecutionStatusCompleted, schema.ExecutionStatusRunning, nil)

	require.Error(t, err)
	var mErr *schema.MachinaError
	require.True(t, errors.As(err, &mErr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, mErr.Code)
	assert.Equal(t, "completed", mErr.Details["from"])
}

func TestStepFSM_ScheduledEmitsNoEvent(t *testing.T) {
	s, events := fsmFixture(t)
	fsm := NewStepFSM(events)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "exec-1", "a", schema.StepStatusPending, schema.StepStatusScheduled, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1", "a", schema.StepStatusScheduled, schema.StepStatusRunning, nil))

	got, err := s.GetEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, schema.EventStepStarted, got[0].Type)
	assert.Equal(t, "a", got[0].StepID)
}

func TestStepFSM_RejectsTerminalMoves(t *testing.T) {
	_, events := fsmFixture(t)
	fsm := NewStepFSM(events)

	for _, from := range []schema.StepStatus{
		schema.StepStatusCompleted,
		schema.StepStatusFailed,
		schema.StepStatusSkipped,
	} {
		err := fsm.Transition(context.Background(), "exec-1", "a", from, schema.StepStatusRunning, nil)
		require.Error(t, err, "from %s", from)
		var mErr *schema.MachinaError
		require.True(t, errors.As(err, &mErr))
		assert.Equal(t, schema.ErrCodeInvalidTransition, mErr.Code)
	}
}

func TestCanSkip(t *testing.T) {
	assert.True(t, canSkip(schema.StepStatusPending))
	assert.True(t, canSkip(schema.StepStatusScheduled))
	assert.True(t, canSkip(schema.StepStatusRunning))
	assert.False(t, canSkip(schema.StepStatusCompleted))
	assert.False(t, canSkip(schema.StepStatusFailed))
}
