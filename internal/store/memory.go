package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskflowhq/taskflow/internal/taskflow"
)

// Memory is an in-memory Store. It backs tests and dry runs and doubles as
// the reference semantics for the PostgreSQL store: a single mutex plays the
// role of row locking, so advancement transactions serialize the same way
// SELECT ... FOR UPDATE does.
type Memory struct {
	mu sync.Mutex

	workflows map[string]*taskflow.Workflow
	tasks     map[string]*taskflow.Task

	workflowInstances map[int64]*taskflow.WorkflowInstance
	taskInstances     map[int64]*taskflow.TaskInstance
	events            []*taskflow.TaskflowEvent

	nextWorkflowInstanceID int64
	nextTaskInstanceID     int64
	nextEventID            int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workflows:              make(map[string]*taskflow.Workflow),
		tasks:                  make(map[string]*taskflow.Task),
		workflowInstances:      make(map[int64]*taskflow.WorkflowInstance),
		taskInstances:          make(map[int64]*taskflow.TaskInstance),
		nextWorkflowInstanceID: 1,
		nextTaskInstanceID:     1,
		nextEventID:            1,
	}
}

// --- Definitions ---

func (m *Memory) UpsertWorkflowDefinition(ctx context.Context, wf *taskflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	m.workflows[wf.Name] = &cp
	return nil
}

func (m *Memory) UpsertTaskDefinition(ctx context.Context, task *taskflow.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.tasks[task.Name] = &cp
	return nil
}

func (m *Memory) GetWorkflowDefinition(ctx context.Context, name string) (*taskflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", name, ErrNotFound)
	}
	cp := *wf
	return &cp, nil
}

func (m *Memory) GetTaskDefinition(ctx context.Context, name string) (*taskflow.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[name]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", name, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListWorkflowDefinitions(ctx context.Context) ([]*taskflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*taskflow.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListTaskDefinitions(ctx context.Context) ([]*taskflow.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*taskflow.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) SetWorkflowActive(ctx context.Context, name string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[name]
	if !ok {
		return fmt.Errorf("workflow %q: %w", name, ErrNotFound)
	}
	wf.Active = active
	return nil
}

func (m *Memory) SetTaskActive(ctx context.Context, name string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[name]
	if !ok {
		return fmt.Errorf("task %q: %w", name, ErrNotFound)
	}
	t.Active = active
	return nil
}

// --- Workflow instances ---

func (m *Memory) CreateWorkflowInstance(ctx context.Context, wi *taskflow.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	wi.ID = m.nextWorkflowInstanceID
	m.nextWorkflowInstanceID++
	wi.CreatedAt = now
	wi.UpdatedAt = now
	cp := *wi
	m.workflowInstances[wi.ID] = &cp
	return nil
}

func (m *Memory) GetWorkflowInstance(ctx context.Context, id int64) (*taskflow.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wi, ok := m.workflowInstances[id]
	if !ok {
		return nil, fmt.Errorf("workflow instance %d: %w", id, ErrNotFound)
	}
	cp := *wi
	return &cp, nil
}

func (m *Memory) ListWorkflowInstances(ctx context.Context, f WorkflowInstanceFilter) ([]*taskflow.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*taskflow.WorkflowInstance
	for _, wi := range m.workflowInstances {
		if f.Workflow != "" && wi.Workflow != f.Workflow {
			continue
		}
		if f.Scheduled != nil && wi.Scheduled != *f.Scheduled {
			continue
		}
		if len(f.Statuses) > 0 && !containsWorkflowStatus(f.Statuses, wi.Status) {
			continue
		}
		cp := *wi
		out = append(out, &cp)
	}
	sortWorkflowInstances(out, f.SortBy, f.SortDesc)
	return pageSlice(out, f.Page, f.PerPage), nil
}

func (m *Memory) DeleteWorkflowInstance(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflowInstances[id]; !ok {
		return fmt.Errorf("workflow instance %d: %w", id, ErrNotFound)
	}
	delete(m.workflowInstances, id)
	// Cascade, matching the foreign key in the SQL schema.
	for tid, ti := range m.taskInstances {
		if ti.WorkflowInstance != nil && *ti.WorkflowInstance == id {
			delete(m.taskInstances, tid)
		}
	}
	return nil
}

func (m *Memory) LatestScheduledWorkflowInstance(ctx context.Context, workflow string) (*taskflow.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *taskflow.WorkflowInstance
	for _, wi := range m.workflowInstances {
		if wi.Workflow != workflow || !wi.Scheduled {
			continue
		}
		if latest == nil || wi.RunAt.After(latest.RunAt) {
			latest = wi
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) ListDueWorkflowInstances(ctx context.Context, now time.Time) ([]*taskflow.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*taskflow.WorkflowInstance
	for _, wi := range m.workflowInstances {
		if wi.Status == taskflow.WorkflowQueued && !wi.RunAt.After(now) {
			cp := *wi
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Advancement transaction ---

// memoryTx buffers all writes until the advancement callback succeeds, so
// an error rolls the whole advancement back like the SQL transaction does.
type memoryTx struct {
	m  *Memory
	wi *taskflow.WorkflowInstance

	inserted []*taskflow.TaskInstance
	updated  *taskflow.WorkflowInstance
	events   []*taskflow.TaskflowEvent
}

func (tx *memoryTx) TaskInstancesForRun(ctx context.Context) (map[string]*taskflow.TaskInstance, error) {
	out := make(map[string]*taskflow.TaskInstance)
	for _, ti := range tx.m.taskInstances {
		if ti.WorkflowInstance != nil && *ti.WorkflowInstance == tx.wi.ID {
			cp := *ti
			out[ti.Task] = &cp
		}
	}
	for _, ti := range tx.inserted {
		if ti.WorkflowInstance != nil && *ti.WorkflowInstance == tx.wi.ID {
			cp := *ti
			out[ti.Task] = &cp
		}
	}
	return out, nil
}

func (tx *memoryTx) InsertTaskInstance(ctx context.Context, ti *taskflow.TaskInstance) error {
	if ti.WorkflowInstance != nil {
		for _, existing := range tx.m.taskInstances {
			if existing.WorkflowInstance != nil &&
				*existing.WorkflowInstance == *ti.WorkflowInstance &&
				existing.Task == ti.Task {
				return fmt.Errorf("task %q in run %d: %w", ti.Task, *ti.WorkflowInstance, ErrDuplicateTaskInstance)
			}
		}
		for _, buffered := range tx.inserted {
			if buffered.WorkflowInstance != nil &&
				*buffered.WorkflowInstance == *ti.WorkflowInstance &&
				buffered.Task == ti.Task {
				return fmt.Errorf("task %q in run %d: %w", ti.Task, *ti.WorkflowInstance, ErrDuplicateTaskInstance)
			}
		}
	}
	// IDs are drawn eagerly; a rollback leaves a gap, like SQL sequences.
	now := time.Now().UTC()
	ti.ID = tx.m.nextTaskInstanceID
	tx.m.nextTaskInstanceID++
	ti.CreatedAt = now
	ti.UpdatedAt = now
	cp := *ti
	tx.inserted = append(tx.inserted, &cp)
	return nil
}

func (tx *memoryTx) UpdateWorkflowInstance(ctx context.Context, wi *taskflow.WorkflowInstance) error {
	stored, ok := tx.m.workflowInstances[wi.ID]
	if !ok {
		return fmt.Errorf("workflow instance %d: %w", wi.ID, ErrNotFound)
	}
	wi.UpdatedAt = time.Now().UTC()
	cp := *wi
	cp.CreatedAt = stored.CreatedAt
	tx.updated = &cp
	return nil
}

func (tx *memoryTx) AppendEvent(ctx context.Context, ev *taskflow.TaskflowEvent) error {
	cp := *ev
	tx.events = append(tx.events, &cp)
	return nil
}

func (tx *memoryTx) commit() {
	for _, ti := range tx.inserted {
		tx.m.taskInstances[ti.ID] = ti
	}
	if tx.updated != nil {
		tx.m.workflowInstances[tx.updated.ID] = tx.updated
	}
	for _, ev := range tx.events {
		tx.m.appendEventLocked(ev)
	}
}

// AdvanceWorkflowInstance serializes on the store mutex, which stands in for
// the exclusive row lock the PostgreSQL store takes on the parent instance.
// Writes made through the transaction land only when fn returns nil.
func (m *Memory) AdvanceWorkflowInstance(ctx context.Context, id int64, fn AdvanceFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.workflowInstances[id]
	if !ok {
		return fmt.Errorf("workflow instance %d: %w", id, ErrNotFound)
	}
	cp := *stored
	tx := &memoryTx{m: m, wi: &cp}
	if err := fn(tx, &cp); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// --- Task instances ---

func (m *Memory) insertTaskInstanceLocked(ti *taskflow.TaskInstance) error {
	if ti.WorkflowInstance != nil {
		for _, existing := range m.taskInstances {
			if existing.WorkflowInstance != nil &&
				*existing.WorkflowInstance == *ti.WorkflowInstance &&
				existing.Task == ti.Task {
				return fmt.Errorf("task %q in run %d: %w", ti.Task, *ti.WorkflowInstance, ErrDuplicateTaskInstance)
			}
		}
	}
	now := time.Now().UTC()
	ti.ID = m.nextTaskInstanceID
	m.nextTaskInstanceID++
	ti.CreatedAt = now
	ti.UpdatedAt = now
	cp := *ti
	m.taskInstances[ti.ID] = &cp
	return nil
}

func (m *Memory) CreateTaskInstance(ctx context.Context, ti *taskflow.TaskInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertTaskInstanceLocked(ti)
}

func (m *Memory) GetTaskInstance(ctx context.Context, id int64) (*taskflow.TaskInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ti, ok := m.taskInstances[id]
	if !ok {
		return nil, fmt.Errorf("task instance %d: %w", id, ErrNotFound)
	}
	cp := *ti
	return &cp, nil
}

func (m *Memory) ListTaskInstances(ctx context.Context, f TaskInstanceFilter) ([]*taskflow.TaskInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*taskflow.TaskInstance
	for _, ti := range m.taskInstances {
		if f.Task != "" && ti.Task != f.Task {
			continue
		}
		if f.WorkflowInstance != nil && (ti.WorkflowInstance == nil || *ti.WorkflowInstance != *f.WorkflowInstance) {
			continue
		}
		if f.Scheduled != nil && ti.Scheduled != *f.Scheduled {
			continue
		}
		if len(f.Statuses) > 0 && !containsTaskStatus(f.Statuses, ti.Status) {
			continue
		}
		cp := *ti
		out = append(out, &cp)
	}
	sortTaskInstances(out, f.SortBy, f.SortDesc)
	return pageSlice(out, f.Page, f.PerPage), nil
}

func (m *Memory) UpdateTaskInstance(ctx context.Context, ti *taskflow.TaskInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.taskInstances[ti.ID]
	if !ok {
		return fmt.Errorf("task instance %d: %w", ti.ID, ErrNotFound)
	}
	ti.UpdatedAt = time.Now().UTC()
	cp := *ti
	cp.CreatedAt = stored.CreatedAt
	m.taskInstances[ti.ID] = &cp
	return nil
}

func (m *Memory) DeleteTaskInstance(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.taskInstances[id]; !ok {
		return fmt.Errorf("task instance %d: %w", id, ErrNotFound)
	}
	delete(m.taskInstances, id)
	return nil
}

func (m *Memory) CountActiveTaskInstances(ctx context.Context, task string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, ti := range m.taskInstances {
		if ti.Task == task && !ti.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (m *Memory) LatestScheduledTaskInstance(ctx context.Context, task string) (*taskflow.TaskInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *taskflow.TaskInstance
	for _, ti := range m.taskInstances {
		if ti.Task != task || !ti.Scheduled || ti.WorkflowInstance != nil {
			continue
		}
		if latest == nil || ti.RunAt.After(latest.RunAt) {
			latest = ti
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) ListActiveStandaloneTaskInstances(ctx context.Context, task string) ([]*taskflow.TaskInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*taskflow.TaskInstance
	for _, ti := range m.taskInstances {
		if ti.Task == task && ti.WorkflowInstance == nil && !ti.Status.Terminal() {
			cp := *ti
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ClaimPushableTaskInstances(ctx context.Context, claimID string, now time.Time, limit int, staleAfter time.Duration) ([]*taskflow.TaskInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*taskflow.TaskInstance
	for _, ti := range m.taskInstances {
		if !ti.Push || ti.Status != taskflow.TaskQueued || ti.RunAt.After(now) {
			continue
		}
		if ti.LockedBy != "" && ti.LockedAt != nil && now.Sub(*ti.LockedAt) < staleAfter {
			continue
		}
		candidates = append(candidates, ti)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.RunAt.Equal(b.RunAt) {
			return a.RunAt.Before(b.RunAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	claimedAt := now
	out := make([]*taskflow.TaskInstance, 0, len(candidates))
	for _, ti := range candidates {
		ti.LockedBy = claimID
		ti.LockedAt = &claimedAt
		cp := *ti
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) ListSyncableTaskInstances(ctx context.Context) ([]*taskflow.TaskInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*taskflow.TaskInstance
	for _, ti := range m.taskInstances {
		switch ti.Status {
		case taskflow.TaskPushed, taskflow.TaskRunning, taskflow.TaskRetrying:
			if ti.Push {
				cp := *ti
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Events ---

func (m *Memory) appendEventLocked(ev *taskflow.TaskflowEvent) error {
	ev.ID = m.nextEventID
	m.nextEventID++
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *Memory) AppendEvent(ctx context.Context, ev *taskflow.TaskflowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEventLocked(ev)
}

func (m *Memory) ListEvents(ctx context.Context, workflowInstance, taskInstance *int64) ([]*taskflow.TaskflowEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*taskflow.TaskflowEvent
	for _, ev := range m.events {
		if workflowInstance != nil && (ev.WorkflowInstance == nil || *ev.WorkflowInstance != *workflowInstance) {
			continue
		}
		if taskInstance != nil && (ev.TaskInstance == nil || *ev.TaskInstance != *taskInstance) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

// --- helpers ---

func containsWorkflowStatus(set []taskflow.WorkflowStatus, s taskflow.WorkflowStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsTaskStatus(set []taskflow.TaskStatus, s taskflow.TaskStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func sortWorkflowInstances(items []*taskflow.WorkflowInstance, sortBy string, desc bool) {
	less := func(i, j int) bool { return items[i].ID < items[j].ID }
	switch sortBy {
	case "run_at":
		less = func(i, j int) bool { return items[i].RunAt.Before(items[j].RunAt) }
	case "created_at":
		less = func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) }
	}
	sort.Slice(items, less)
	if desc {
		reverse(items)
	}
}

func sortTaskInstances(items []*taskflow.TaskInstance, sortBy string, desc bool) {
	less := func(i, j int) bool { return items[i].ID < items[j].ID }
	switch sortBy {
	case "run_at":
		less = func(i, j int) bool { return items[i].RunAt.Before(items[j].RunAt) }
	case "created_at":
		less = func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) }
	}
	sort.Slice(items, less)
	if desc {
		reverse(items)
	}
}

func reverse[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

func pageSlice[T any](items []T, page, perPage int) []T {
	if page <= 0 || perPage <= 0 {
		return items
	}
	start := (page - 1) * perPage
	if start >= len(items) {
		return nil
	}
	end := start + perPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
