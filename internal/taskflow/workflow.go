package taskflow

import (
	"fmt"
	"time"
)

// Workflow is a named definition of a DAG of tasks with an optional cron
// schedule. Its shape (tasks, dependency edges) is frozen once built; only
// the mutable fields (Active, Schedule, StartDate, EndDate) are refreshed
// from the store at runtime.
type Workflow struct {
	Name        string         `json:"name"`
	Active      bool           `json:"active"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Concurrency int            `json:"concurrency"`
	SLA         *time.Duration `json:"sla,omitempty"`
	Schedule    string         `json:"schedule,omitempty"` // empty means non-recurring
	StartDate   *time.Time     `json:"start_date,omitempty"`
	EndDate     *time.Time     `json:"end_date,omitempty"`

	tasks map[string]*Task
	deps  map[string]map[string]bool // task name -> set of dependency names
}

// Recurring reports whether the workflow fires from a cron schedule.
func (w *Workflow) Recurring() bool { return w.Schedule != "" }

// Task returns the named task owned by this workflow, or nil.
func (w *Workflow) Task(name string) *Task {
	return w.tasks[name]
}

// Tasks returns all tasks owned by this workflow.
func (w *Workflow) Tasks() []*Task {
	out := make([]*Task, 0, len(w.tasks))
	for _, t := range w.tasks {
		out = append(out, t)
	}
	return out
}

// DependencyGraph returns the task dependency relation as
// task name -> set of upstream task names. The returned maps are copies.
func (w *Workflow) DependencyGraph() map[string]map[string]bool {
	graph := make(map[string]map[string]bool, len(w.tasks))
	for name := range w.tasks {
		set := make(map[string]bool, len(w.deps[name]))
		for dep := range w.deps[name] {
			set[dep] = true
		}
		graph[name] = set
	}
	return graph
}

// InWindow reports whether t falls inside the workflow's validity window.
// Both bounds are optional and inclusive.
func (w *Workflow) InWindow(t time.Time) bool {
	if w.StartDate != nil && t.Before(*w.StartDate) {
		return false
	}
	if w.EndDate != nil && t.After(*w.EndDate) {
		return false
	}
	return true
}

// Task is a named unit of work. A task belongs to at most one workflow;
// a task with no workflow is a free-standing recurring task.
type Task struct {
	Name        string         `json:"name"`
	Workflow    string         `json:"workflow,omitempty"` // owning workflow name, empty for standalone
	Active      bool           `json:"active"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Concurrency int            `json:"concurrency"`
	Schedule    string         `json:"schedule,omitempty"`
	StartDate   *time.Time     `json:"start_date,omitempty"`
	EndDate     *time.Time     `json:"end_date,omitempty"`
	MaxRetries  *int           `json:"max_retries,omitempty"` // nil means DefaultMaxRetries; zero is meaningful
	Timeout     time.Duration  `json:"timeout"`
	Priority    int            `json:"priority"`
	Params      map[string]any `json:"params,omitempty"`

	// PushDestination identifies which push worker executes instances of
	// this task. Non-empty means the task is push-style.
	PushDestination string `json:"push_destination,omitempty"`

	// Fn is the opaque execution descriptor interpreted by the worker.
	Fn string `json:"fn,omitempty"`
}

// Pushed reports whether instances of this task are dispatched through a
// push worker.
func (t *Task) Pushed() bool { return t.PushDestination != "" }

// Recurring reports whether the task fires from a cron schedule.
func (t *Task) Recurring() bool { return t.Schedule != "" }

// RetryLimit returns max_retries with the default applied when unset.
// An explicit zero means the first unsuccessful attempt is final.
func (t *Task) RetryLimit() int {
	if t.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *t.MaxRetries
}

// Retries gives max_retries an explicit value in a Task literal.
func Retries(n int) *int { return &n }

// defaults for task definitions, matching the store schema.
const (
	DefaultMaxRetries  = 1
	DefaultTaskTimeout = 300 * time.Second
)

// --- Builder ---

// WorkflowBuilder assembles a Workflow and its task set, then validates the
// dependency graph. The built Workflow is immutable apart from the fields
// the registry refreshes.
type WorkflowBuilder struct {
	wf   *Workflow
	errs []error
}

// NewWorkflow starts building a workflow definition.
func NewWorkflow(name string) *WorkflowBuilder {
	b := &WorkflowBuilder{
		wf: &Workflow{
			Name:        name,
			Concurrency: 1,
			tasks:       make(map[string]*Task),
			deps:        make(map[string]map[string]bool),
		},
	}
	if name == "" {
		b.errs = append(b.errs, fmt.Errorf("workflow name required"))
	}
	return b
}

// Active marks the workflow active.
func (b *WorkflowBuilder) Active(active bool) *WorkflowBuilder {
	b.wf.Active = active
	return b
}

// Title sets the display title.
func (b *WorkflowBuilder) Title(title string) *WorkflowBuilder {
	b.wf.Title = title
	return b
}

// Description sets the description.
func (b *WorkflowBuilder) Description(desc string) *WorkflowBuilder {
	b.wf.Description = desc
	return b
}

// Concurrency sets the max concurrent instances (min 1).
func (b *WorkflowBuilder) Concurrency(n int) *WorkflowBuilder {
	if n < 1 {
		b.errs = append(b.errs, fmt.Errorf("workflow %s: concurrency must be >= 1, got %d", b.wf.Name, n))
		return b
	}
	b.wf.Concurrency = n
	return b
}

// Schedule sets the cron expression (5-field, UTC).
func (b *WorkflowBuilder) Schedule(expr string) *WorkflowBuilder {
	b.wf.Schedule = expr
	return b
}

// Window sets the validity window. Either bound may be zero to leave it open.
func (b *WorkflowBuilder) Window(start, end time.Time) *WorkflowBuilder {
	if !start.IsZero() {
		b.wf.StartDate = &start
	}
	if !end.IsZero() {
		b.wf.EndDate = &end
	}
	return b
}

// SLA sets the target duration for a run.
func (b *WorkflowBuilder) SLA(d time.Duration) *WorkflowBuilder {
	b.wf.SLA = &d
	return b
}

// AddTask adds a task to the workflow with the given upstream dependencies.
// Dependencies may reference tasks added later; they are checked at Build.
func (b *WorkflowBuilder) AddTask(task *Task, dependsOn ...string) *WorkflowBuilder {
	if task.Name == "" {
		b.errs = append(b.errs, fmt.Errorf("workflow %s: task name required", b.wf.Name))
		return b
	}
	if _, exists := b.wf.tasks[task.Name]; exists {
		b.errs = append(b.errs, fmt.Errorf("workflow %s: duplicate task %q", b.wf.Name, task.Name))
		return b
	}
	task.Workflow = b.wf.Name
	if task.MaxRetries != nil && *task.MaxRetries < 0 {
		b.errs = append(b.errs, fmt.Errorf("workflow %s: task %q: max_retries must be >= 0", b.wf.Name, task.Name))
	}
	if task.Timeout == 0 {
		task.Timeout = DefaultTaskTimeout
	}
	b.wf.tasks[task.Name] = task
	set := make(map[string]bool, len(dependsOn))
	for _, dep := range dependsOn {
		set[dep] = true
	}
	b.wf.deps[task.Name] = set
	return b
}

// Build validates the task set and dependency graph and returns the frozen
// workflow. The graph must be acyclic and may only reference tasks that
// belong to this workflow.
func (b *WorkflowBuilder) Build() (*Workflow, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	for name, deps := range b.wf.deps {
		for dep := range deps {
			if _, ok := b.wf.tasks[dep]; !ok {
				return nil, fmt.Errorf("workflow %s: task %q depends on unknown task %q", b.wf.Name, name, dep)
			}
		}
	}
	if err := checkAcyclic(b.wf.deps); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", b.wf.Name, err)
	}
	return b.wf, nil
}

// checkAcyclic runs Kahn's algorithm over the dependency relation and fails
// when any node remains unordered.
func checkAcyclic(deps map[string]map[string]bool) error {
	remaining := make(map[string]int, len(deps))
	dependents := make(map[string][]string)
	for name, set := range deps {
		remaining[name] = len(set)
		for dep := range set {
			dependents[dep] = append(dependents[dep], name)
		}
	}
	var queue []string
	for name, n := range remaining {
		if n == 0 {
			queue = append(queue, name)
		}
	}
	ordered := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		ordered++
		for _, dependent := range dependents[name] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if ordered != len(deps) {
		return fmt.Errorf("cycle detected in dependency graph")
	}
	return nil
}
