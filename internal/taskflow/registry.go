package taskflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrMisconfiguredTask is returned when a task that belongs to a workflow is
// registered standalone. Workflow-owned tasks travel with their workflow.
var ErrMisconfiguredTask = errors.New("task belongs to a workflow, register the workflow instead")

// DefinitionReader reads persisted definition rows. Only the mutable fields
// (active, schedule, validity window) are meaningful on the returned values;
// the definitional shape lives in code.
type DefinitionReader interface {
	GetWorkflowDefinition(ctx context.Context, name string) (*Workflow, error)
	GetTaskDefinition(ctx context.Context, name string) (*Task, error)
}

// DefinitionWriter upserts definition rows.
type DefinitionWriter interface {
	UpsertWorkflowDefinition(ctx context.Context, wf *Workflow) error
	UpsertTaskDefinition(ctx context.Context, task *Task) error
}

// Registry is the in-memory catalog of declared workflows and free-standing
// tasks. It is read-mostly: Refresh rebuilds the workflow map and swaps it
// atomically, so readers never observe a half-refreshed catalog.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	tasks     map[string]*Task // standalone tasks only
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]*Workflow),
		tasks:     make(map[string]*Task),
	}
}

// AddWorkflow registers a workflow and its task set.
func (r *Registry) AddWorkflow(wf *Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.Name] = wf
}

// AddWorkflows registers several workflows.
func (r *Registry) AddWorkflows(wfs ...*Workflow) {
	for _, wf := range wfs {
		r.AddWorkflow(wf)
	}
}

// AddTask registers a free-standing task. Tasks that belong to a workflow
// are rejected with ErrMisconfiguredTask.
func (r *Registry) AddTask(task *Task) error {
	if task.Workflow != "" {
		return fmt.Errorf("task %q: %w", task.Name, ErrMisconfiguredTask)
	}
	if task.Timeout == 0 {
		task.Timeout = DefaultTaskTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.Name] = task
	return nil
}

// GetWorkflow returns the named workflow, or nil when unknown.
func (r *Registry) GetWorkflow(name string) *Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workflows[name]
}

// Workflows returns all registered workflows.
func (r *Registry) Workflows() []*Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, wf)
	}
	return out
}

// GetTask returns the named task, searching workflow-owned tasks and
// standalone tasks. Returns nil when unknown.
func (r *Registry) GetTask(name string) *Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tasks[name]; ok {
		return t
	}
	for _, wf := range r.workflows {
		if t := wf.Task(name); t != nil {
			return t
		}
	}
	return nil
}

// Tasks returns all registered standalone tasks.
func (r *Registry) Tasks() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// Refresh reloads the mutable definition fields from the store and swaps
// the catalog maps. A missing or unreadable row leaves that entry as-is;
// refresh fails soft per entry so one bad row cannot stall the tick.
func (r *Registry) Refresh(ctx context.Context, reader DefinitionReader) {
	r.mu.RLock()
	workflows := make([]*Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		workflows = append(workflows, wf)
	}
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()

	nextWorkflows := make(map[string]*Workflow, len(workflows))
	for _, wf := range workflows {
		persisted, err := reader.GetWorkflowDefinition(ctx, wf.Name)
		if err != nil {
			slog.Warn("registry: refresh workflow failed", "workflow", wf.Name, "err", err)
			nextWorkflows[wf.Name] = wf
			continue
		}
		// Copy the frozen shape, take the mutable fields from the store.
		fresh := *wf
		fresh.Active = persisted.Active
		fresh.Schedule = persisted.Schedule
		fresh.StartDate = persisted.StartDate
		fresh.EndDate = persisted.EndDate
		// Owned tasks carry their own mutable fields, active above all.
		fresh.tasks = make(map[string]*Task, len(wf.tasks))
		for name, t := range wf.tasks {
			ct := *t
			if pt, err := reader.GetTaskDefinition(ctx, name); err != nil {
				slog.Warn("registry: refresh task failed", "task", name, "err", err)
			} else {
				ct.Active = pt.Active
				ct.Schedule = pt.Schedule
				ct.StartDate = pt.StartDate
				ct.EndDate = pt.EndDate
			}
			fresh.tasks[name] = &ct
		}
		nextWorkflows[wf.Name] = &fresh
	}

	nextTasks := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		persisted, err := reader.GetTaskDefinition(ctx, t.Name)
		if err != nil {
			slog.Warn("registry: refresh task failed", "task", t.Name, "err", err)
			nextTasks[t.Name] = t
			continue
		}
		fresh := *t
		fresh.Active = persisted.Active
		fresh.Schedule = persisted.Schedule
		fresh.StartDate = persisted.StartDate
		fresh.EndDate = persisted.EndDate
		nextTasks[t.Name] = &fresh
	}

	r.mu.Lock()
	r.workflows = nextWorkflows
	r.tasks = nextTasks
	r.mu.Unlock()
}

// Persist upserts every declared workflow and task definition into the
// store. Intended to run once at startup; the upsert is idempotent.
func (r *Registry) Persist(ctx context.Context, writer DefinitionWriter) error {
	for _, wf := range r.Workflows() {
		if err := writer.UpsertWorkflowDefinition(ctx, wf); err != nil {
			return fmt.Errorf("persist workflow %s: %w", wf.Name, err)
		}
		for _, task := range wf.Tasks() {
			if err := writer.UpsertTaskDefinition(ctx, task); err != nil {
				return fmt.Errorf("persist task %s: %w", task.Name, err)
			}
		}
	}
	for _, task := range r.Tasks() {
		if err := writer.UpsertTaskDefinition(ctx, task); err != nil {
			return fmt.Errorf("persist task %s: %w", task.Name, err)
		}
	}
	return nil
}
