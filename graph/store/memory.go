package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and one-off local runs.
//
// All records are copied on the way in and on the way out, so callers can
// never mutate stored state through a returned pointer. A single mutex makes
// every operation atomic, which gives the same all-or-nothing semantics as
// the SQL stores' transactions.
type MemStore struct {
	mu         sync.RWMutex
	opts       options
	closed     bool
	workflows  map[string]*Workflow
	executions map[string]*Execution
	schedules  map[string]*Schedule
	logs       map[string][]*ExecutionLog
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(opts ...Option) *MemStore {
	return &MemStore{
		opts:       buildOptions(opts),
		workflows:  make(map[string]*Workflow),
		executions: make(map[string]*Execution),
		schedules:  make(map[string]*Schedule),
		logs:       make(map[string][]*ExecutionLog),
	}
}

// SaveWorkflow implements Store.
func (m *MemStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if existing, ok := m.workflows[wf.ID]; ok && wf.CreatedAt.IsZero() {
		wf.CreatedAt = existing.CreatedAt
	}
	prepareWorkflow(wf, m.opts.now())
	m.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

// GetWorkflow implements Store.
func (m *MemStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWorkflow(wf), nil
}

// DeleteWorkflow implements Store.
func (m *MemStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(m.workflows, id)
	for execID, exec := range m.executions {
		if exec.WorkflowID == id {
			delete(m.executions, execID)
			delete(m.logs, execID)
		}
	}
	for schedID, s := range m.schedules {
		if s.WorkflowID == id {
			delete(m.schedules, schedID)
		}
	}
	return nil
}

// CreateExecution implements Store.
func (m *MemStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.workflows[exec.WorkflowID]; !ok {
		return ErrNotFound
	}
	prepareExecution(exec, m.opts.now())
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// GetExecution implements Store.
func (m *MemStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneExecution(exec), nil
}

// UpdateExecutionStatus implements Store.
func (m *MemStore) UpdateExecutionStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, err := m.mutable(id)
	if err != nil {
		return err
	}
	if err := checkTransition(exec.Status, status); err != nil {
		return err
	}
	exec.Status = status
	if status.Terminal() {
		now := m.opts.now()
		exec.CompletedAt = &now
	}
	return nil
}

// FinishExecution implements Store.
func (m *MemStore) FinishExecution(_ context.Context, id string, status Status, output map[string]any, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, err := m.mutable(id)
	if err != nil {
		return err
	}
	if err := checkTransition(exec.Status, status); err != nil {
		return err
	}
	now := m.opts.now()
	exec.Status = status
	exec.Output = cloneMap(output)
	exec.ErrorMessage = errorMessage
	exec.CompletedAt = &now
	return nil
}

// CancelExecution implements Store.
func (m *MemStore) CancelExecution(ctx context.Context, id string) error {
	return m.UpdateExecutionStatus(ctx, id, StatusCancelled)
}

// mutable returns the stored execution if it may still change. Callers must
// hold the write lock.
func (m *MemStore) mutable(id string) (*Execution, error) {
	if m.closed {
		return nil, ErrClosed
	}
	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if exec.Status.Terminal() {
		return nil, ErrTerminalStatus
	}
	return exec, nil
}

// ClaimExecution implements Store.
func (m *MemStore) ClaimExecution(_ context.Context, id, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, err := m.mutable(id)
	if err != nil {
		return err
	}
	now := m.opts.now()
	if exec.ClaimedBy != "" && exec.ClaimedBy != owner && exec.LeaseExpiresAt != nil && exec.LeaseExpiresAt.After(now) {
		return ErrAlreadyClaimed
	}
	expires := now.Add(ttl)
	exec.ClaimedBy = owner
	exec.LeaseExpiresAt = &expires
	return nil
}

// ReleaseExecution implements Store.
func (m *MemStore) ReleaseExecution(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	exec, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	if exec.ClaimedBy == owner {
		exec.ClaimedBy = ""
		exec.LeaseExpiresAt = nil
	}
	return nil
}

// FindExecutionByInitiator implements Store.
func (m *MemStore) FindExecutionByInitiator(_ context.Context, workflowID, executedBy string, from, to time.Time) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	for _, exec := range m.executions {
		if exec.WorkflowID != workflowID || exec.ExecutedBy != executedBy {
			continue
		}
		at := fireTime(exec)
		if !at.Before(from) && at.Before(to) {
			return cloneExecution(exec), nil
		}
	}
	return nil, ErrNotFound
}

// ListExecutions implements Store.
func (m *MemStore) ListExecutions(_ context.Context, workflowID string, limit int) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []*Execution
	for _, exec := range m.executions {
		if exec.WorkflowID == workflowID {
			out = append(out, cloneExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteExecutionsBefore implements Store.
func (m *MemStore) DeleteExecutionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	var n int64
	for id, exec := range m.executions {
		if exec.Status.Terminal() && exec.CompletedAt != nil && exec.CompletedAt.Before(cutoff) {
			delete(m.executions, id)
			delete(m.logs, id)
			n++
		}
	}
	return n, nil
}

// SaveSchedule implements Store.
func (m *MemStore) SaveSchedule(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.workflows[s.WorkflowID]; !ok {
		return ErrNotFound
	}
	if existing, ok := m.schedules[s.ID]; ok && s.CreatedAt.IsZero() {
		s.CreatedAt = existing.CreatedAt
	}
	prepareSchedule(s, m.opts.now())
	m.schedules[s.ID] = cloneSchedule(s)
	return nil
}

// GetSchedule implements Store.
func (m *MemStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSchedule(s), nil
}

// ListActiveSchedules implements Store.
func (m *MemStore) ListActiveSchedules(_ context.Context) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []*Schedule
	for _, s := range m.schedules {
		if !s.IsActive {
			continue
		}
		if wf, ok := m.workflows[s.WorkflowID]; !ok || !wf.IsActive {
			continue
		}
		out = append(out, cloneSchedule(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendLog implements Store.
func (m *MemStore) AppendLog(_ context.Context, rec *ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.executions[rec.ExecutionID]; !ok {
		return ErrNotFound
	}
	prepareLog(rec, m.opts.now())
	m.logs[rec.ExecutionID] = append(m.logs[rec.ExecutionID], cloneLog(rec))
	return nil
}

// ListLogs implements Store.
func (m *MemStore) ListLogs(_ context.Context, executionID string, limit int) ([]*ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	logs := m.logs[executionID]
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	out := make([]*ExecutionLog, len(logs))
	for i, l := range logs {
		out[i] = cloneLog(l)
	}
	return out, nil
}

// Ping implements Store.
func (m *MemStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close implements Store.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
