package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelara/machina/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedWorkflow(t *testing.T, s Store) *Workflow {
	t.Helper()
	wf := &Workflow{
		ID:   uuid.New().String(),
		Name: "deploy",
		Spec: schema.WorkflowSpec{
			Name: "deploy",
			Steps: []schema.StepDefinition{
				{ID: "create", Kind: schema.StepKindCreateInstance},
			},
		},
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func seedExecution(t *testing.T, s Store, workflowID string) *Execution {
	t.Helper()
	e := &Execution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     schema.ExecutionStatusPending,
	}
	require.NoError(t, s.CreateExecution(context.Background(), e))
	return e
}

// --- Workflow Tests ---

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &Workflow{
		ID:          uuid.New().String(),
		Name:        "provision-and-run",
		Description: "creates a machine and runs a script",
		Spec: schema.WorkflowSpec{
			Name: "provision-and-run",
			Steps: []schema.StepDefinition{
				{ID: "create", Kind: schema.StepKindCreateInstance},
				{ID: "run", Kind: schema.StepKindExecuteCommand, DependsOn: []string{"create"}},
			},
		},
	}
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)
	assert.Equal(t, "provision-and-run", got.Name)
	assert.Len(t, got.Spec.Steps, 2)
	assert.Equal(t, []string{"create"}, got.Spec.Steps[1].DependsOn)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "nonexistent")
	require.Error(t, err)
	mErr, ok := err.(*schema.MachinaError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, mErr.Code)
}

func TestListWorkflows_FilterByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)
	seedWorkflow(t, s)

	other := &Workflow{ID: uuid.New().String(), Name: "cleanup", Spec: schema.WorkflowSpec{Name: "cleanup"}}
	require.NoError(t, s.CreateWorkflow(ctx, other))

	got, err := s.ListWorkflows(ctx, WorkflowFilter{Name: "deploy"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDeleteWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))
	_, err := s.GetWorkflow(ctx, wf.ID)
	require.Error(t, err)

	err = s.DeleteWorkflow(ctx, wf.ID)
	require.Error(t, err)
}

// --- Execution Tests ---

func TestCreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	e := seedExecution(t, s, wf.ID)

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.WorkflowID)
	assert.Equal(t, schema.ExecutionStatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
}

func TestUpdateExecution_StatusAndTimes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	e := seedExecution(t, s, wf.ID)

	running := schema.ExecutionStatusRunning
	started := time.Now().UTC()
	require.NoError(t, s.UpdateExecution(ctx, e.ID, ExecutionUpdate{
		Status:    &running,
		StartedAt: &started,
		Context:   json.RawMessage(`{"instanceId":"i-123"}`),
	}))

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.JSONEq(t, `{"instanceId":"i-123"}`, string(got.Context))
}

func TestUpdateExecution_NotFound(t *testing.T) {
	s := newTestStore(t)
	failed := schema.ExecutionStatusFailed
	err := s.UpdateExecution(context.Background(), "nope", ExecutionUpdate{Status: &failed})
	require.Error(t, err)
}

func TestListExecutions_FilterByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	e1 := seedExecution(t, s, wf.ID)
	seedExecution(t, s, wf.ID)

	completed := schema.ExecutionStatusCompleted
	require.NoError(t, s.UpdateExecution(ctx, e1.ID, ExecutionUpdate{Status: &completed}))

	got, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID, Status: &completed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e1.ID, got[0].ID)
}

// --- Step State Tests ---

func TestUpsertAndGetStepState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	e := seedExecution(t, s, wf.ID)

	ss := &StepState{
		ExecutionID: e.ID,
		StepID:      "create",
		Status:      schema.StepStatusRunning,
		Attempts:    1,
	}
	require.NoError(t, s.UpsertStepState(ctx, ss))

	ss.Status = schema.StepStatusCompleted
	ss.Output = json.RawMessage(`{"instanceId":"i-123"}`)
	require.NoError(t, s.UpsertStepState(ctx, ss))

	got, err := s.GetStepState(ctx, e.ID, "create")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, got.Status)
	assert.JSONEq(t, `{"instanceId":"i-123"}`, string(got.Output))

	all, err := s.ListStepStates(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// --- Instance Tests ---

func TestCreateAndUpdateInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	e := seedExecution(t, s, wf.ID)

	in := &Instance{
		ID:          uuid.New().String(),
		ExecutionID: e.ID,
		StepID:      "create",
		ProviderID:  "m-1",
		Provider:    "local",
		Name:        "web",
		Status:      schema.InstanceStatusCreating,
	}
	require.NoError(t, s.CreateInstance(ctx, in))

	running := schema.InstanceStatusRunning
	ready := time.Now().UTC()
	addr := "10.0.0.5"
	require.NoError(t, s.UpdateInstance(ctx, in.ID, InstanceUpdate{
		Status:  &running,
		Address: &addr,
		ReadyAt: &ready,
	}))

	got, err := s.GetInstance(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusRunning, got.Status)
	assert.Equal(t, "10.0.0.5", got.Address)
	assert.NotNil(t, got.ReadyAt)

	list, err := s.ListInstances(ctx, InstanceFilter{ExecutionID: e.ID, Status: &running})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// --- Command Tests ---

func TestCreateAndUpdateCommand(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	e := seedExecution(t, s, wf.ID)

	c := &CommandExecution{
		ID:          uuid.New().String(),
		ExecutionID: e.ID,
		StepID:      "run",
		InstanceID:  "i-1",
		Command:     "echo",
		Args:        []string{"hello"},
		Status:      schema.CommandStatusRunning,
	}
	require.NoError(t, s.CreateCommand(ctx, c))

	done := schema.CommandStatusCompleted
	exit := 0
	stdout := "hello\n"
	completed := time.Now().UTC()
	dur := int64(12)
	require.NoError(t, s.UpdateCommand(ctx, c.ID, CommandUpdate{
		Status:      &done,
		ExitCode:    &exit,
		Stdout:      &stdout,
		CompletedAt: &completed,
		DurationMs:  &dur,
	}))

	list, err := s.ListCommands(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, schema.CommandStatusCompleted, list[0].Status)
	assert.Equal(t, "hello\n", list[0].Stdout)
	assert.Equal(t, []string{"hello"}, list[0].Args)
}

// --- Scheduled Run Tests ---

func TestScheduledRunCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	r := &ScheduledRun{
		ID:             uuid.New().String(),
		WorkflowID:     wf.ID,
		CronExpression: "*/5 * * * *",
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledRun(ctx, r))

	next := time.Now().UTC().Add(5 * time.Minute)
	require.NoError(t, s.UpdateScheduledRun(ctx, r.ID, ScheduledRunUpdate{
		NextRunAt:     &next,
		LastRunStatus: "completed",
	}))

	got, err := s.GetScheduledRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)

	enabled := true
	list, err := s.ListScheduledRuns(ctx, ScheduledRunFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteScheduledRun(ctx, r.ID))
	_, err = s.GetScheduledRun(ctx, r.ID)
	require.Error(t, err)
}

// --- Event Tests ---

func TestAppendEvent_AssignsSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	e := seedExecution(t, s, wf.ID)

	for i := 0; i < 3; i++ {
		ev := &Event{ExecutionID: e.ID, Type: schema.EventStepStarted, StepID: "create"}
		require.NoError(t, s.AppendEvent(ctx, ev))
		assert.Equal(t, int64(i+1), ev.Sequence)
	}

	events, err := s.GetEvents(ctx, e.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestGetEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	e := seedExecution(t, s, wf.ID)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: e.ID, Type: schema.EventStepStarted}))
	}

	events, err := s.GetEvents(ctx, e.ID, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Sequence)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	e := seedExecution(t, s, wf.ID)

	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: e.ID, Type: schema.EventStepStarted, StepID: "a"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: e.ID, Type: schema.EventStepCompleted, StepID: "a"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: e.ID, Type: schema.EventStepStarted, StepID: "b"}))

	events, err := s.GetEventsByType(ctx, schema.EventStepStarted, EventFilter{ExecutionID: e.ID})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
