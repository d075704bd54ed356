package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used when no database path is
// configured and as the backing store in tests. It applies the same
// not-found semantics as the libSQL implementation.
type MemoryStore struct {
	mu sync.RWMutex

	workflows     map[string]*Workflow
	executions    map[string]*Execution
	stepStates    map[string]map[string]*StepState // executionID -> stepID
	instances     map[string]*Instance
	commands      map[string]*CommandExecution
	events        map[string][]*Event // executionID -> ordered by sequence
	scheduledRuns map[string]*ScheduledRun
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:     make(map[string]*Workflow),
		executions:    make(map[string]*Execution),
		stepStates:    make(map[string]map[string]*StepState),
		instances:     make(map[string]*Instance),
		commands:      make(map[string]*CommandExecution),
		events:        make(map[string][]*Event),
		scheduledRuns: make(map[string]*ScheduledRun),
	}
}

// --- Workflows ---

func (m *MemoryStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	m.workflows[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *MemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Workflow
	for _, wf := range m.workflows {
		if filter.Name != "" && wf.Name != filter.Name {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return applyWindow(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(m.workflows, id)
	return nil
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	m.executions[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.Status != nil {
		e.Status = *update.Status
	}
	if update.Context != nil {
		e.Context = update.Context
	}
	if update.Error != nil {
		e.Error = update.Error
	}
	if update.StartedAt != nil {
		e.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		e.CompletedAt = update.CompletedAt
	}
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Execution
	for _, e := range m.executions {
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return applyWindow(out, filter.Limit, filter.Offset), nil
}

// --- Step State ---

func (m *MemoryStore) UpsertStepState(ctx context.Context, state *StepState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStep, ok := m.stepStates[state.ExecutionID]
	if !ok {
		byStep = make(map[string]*StepState)
		m.stepStates[state.ExecutionID] = byStep
	}
	cp := *state
	byStep[state.StepID] = &cp
	return nil
}

func (m *MemoryStore) GetStepState(ctx context.Context, executionID, stepID string) (*StepState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ss, ok := m.stepStates[executionID][stepID]
	if !ok {
		return nil, storeNotFound("step_state", executionID+"/"+stepID)
	}
	cp := *ss
	return &cp, nil
}

func (m *MemoryStore) ListStepStates(ctx context.Context, executionID string) ([]*StepState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*StepState
	for _, ss := range m.stepStates[executionID] {
		cp := *ss
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

// --- Instances ---

func (m *MemoryStore) CreateInstance(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	m.instances[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.instances[id]
	if !ok {
		return nil, storeNotFound("instance", id)
	}
	cp := *in
	return &cp, nil
}

func (m *MemoryStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instances[id]
	if !ok {
		return storeNotFound("instance", id)
	}
	if update.Status != nil {
		in.Status = *update.Status
	}
	if update.ProviderID != nil {
		in.ProviderID = *update.ProviderID
	}
	if update.Address != nil {
		in.Address = *update.Address
	}
	if update.Error != nil {
		in.Error = update.Error
	}
	if update.ReadyAt != nil {
		in.ReadyAt = update.ReadyAt
	}
	if update.DestroyedAt != nil {
		in.DestroyedAt = update.DestroyedAt
	}
	in.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Instance
	for _, in := range m.instances {
		if filter.ExecutionID != "" && in.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.Status != nil && in.Status != *filter.Status {
			continue
		}
		cp := *in
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return applyWindow(out, filter.Limit, 0), nil
}

// --- Command Executions ---

func (m *MemoryStore) CreateCommand(ctx context.Context, cmd *CommandExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cmd
	if cp.StartedAt.IsZero() {
		cp.StartedAt = time.Now().UTC()
	}
	m.commands[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateCommand(ctx context.Context, id string, update CommandUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[id]
	if !ok {
		return storeNotFound("command_execution", id)
	}
	if update.Status != nil {
		c.Status = *update.Status
	}
	if update.ExitCode != nil {
		c.ExitCode = *update.ExitCode
	}
	if update.Stdout != nil {
		c.Stdout = *update.Stdout
	}
	if update.Stderr != nil {
		c.Stderr = *update.Stderr
	}
	if update.CompletedAt != nil {
		c.CompletedAt = update.CompletedAt
	}
	if update.DurationMs != nil {
		c.DurationMs = *update.DurationMs
	}
	return nil
}

func (m *MemoryStore) ListCommands(ctx context.Context, executionID string) ([]*CommandExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*CommandExecution
	for _, c := range m.commands {
		if c.ExecutionID != executionID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.events[event.ExecutionID]
	cp := *event
	cp.ID = int64(len(log) + 1)
	cp.Sequence = int64(len(log) + 1)
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	event.Sequence = cp.Sequence
	m.events[event.ExecutionID] = append(log, &cp)
	return nil
}

func (m *MemoryStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events[executionID] {
		if e.Sequence <= since {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for execID, log := range m.events {
		if filter.ExecutionID != "" && execID != filter.ExecutionID {
			continue
		}
		for _, e := range log {
			if e.Type != eventType {
				continue
			}
			if filter.StepID != "" && e.StepID != filter.StepID {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return applyWindow(out, filter.Limit, 0), nil
}

// --- Scheduled Runs ---

func (m *MemoryStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.scheduledRuns[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.scheduledRuns[id]
	if !ok {
		return nil, storeNotFound("scheduled_run", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.scheduledRuns[id]
	if !ok {
		return storeNotFound("scheduled_run", id)
	}
	if update.Enabled != nil {
		r.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		r.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		r.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		r.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *MemoryStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ScheduledRun
	for _, r := range m.scheduledRuns {
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Enabled != nil && r.Enabled != *filter.Enabled {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return applyWindow(out, filter.Limit, 0), nil
}

func (m *MemoryStore) DeleteScheduledRun(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scheduledRuns[id]; !ok {
		return storeNotFound("scheduled_run", id)
	}
	delete(m.scheduledRuns, id)
	return nil
}

// --- Maintenance ---

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (m *MemoryStore) Vacuum(ctx context.Context) error  { return nil }
func (m *MemoryStore) Close() error                      { return nil }

func applyWindow[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
