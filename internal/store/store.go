// Package store abstracts the relational datastore behind typed reads and
// writes. Two implementations exist: a PostgreSQL store (package postgres)
// used in production and an in-memory store used by tests and dry runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/taskflowhq/taskflow/internal/taskflow"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateTaskInstance is returned when an insert would create a
	// second task instance for the same (workflow_instance, task) pair.
	ErrDuplicateTaskInstance = errors.New("task instance already exists for this run")

	// ErrTransient marks store failures that are worth retrying within the
	// current tick: dropped connections, deadlocks, serialization failures.
	ErrTransient = errors.New("transient store error")
)

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// WorkflowInstanceFilter narrows and pages workflow instance listings.
type WorkflowInstanceFilter struct {
	Workflow  string
	Statuses  []taskflow.WorkflowStatus
	Scheduled *bool
	Page      int // 1-based; 0 means no paging
	PerPage   int
	SortBy    string // "id", "run_at", "created_at"; default "id"
	SortDesc  bool
}

// TaskInstanceFilter narrows and pages task instance listings.
type TaskInstanceFilter struct {
	Task             string
	WorkflowInstance *int64
	Statuses         []taskflow.TaskStatus
	Scheduled        *bool
	Page             int
	PerPage          int
	SortBy           string
	SortDesc         bool
}

// AdvanceTx is the transaction handed to workflow-instance advancement.
// The parent workflow instance row is exclusively locked for the duration,
// so concurrent scheduler replicas serialize per run.
type AdvanceTx interface {
	// TaskInstancesForRun returns the run's task instances keyed by task name.
	TaskInstancesForRun(ctx context.Context) (map[string]*taskflow.TaskInstance, error)

	// InsertTaskInstance inserts a new task instance for this run. Inserting
	// a second instance for the same task fails with ErrDuplicateTaskInstance.
	InsertTaskInstance(ctx context.Context, ti *taskflow.TaskInstance) error

	// UpdateWorkflowInstance writes back the locked workflow instance row.
	UpdateWorkflowInstance(ctx context.Context, wi *taskflow.WorkflowInstance) error

	// AppendEvent records an audit event within the transaction.
	AppendEvent(ctx context.Context, ev *taskflow.TaskflowEvent) error
}

// AdvanceFunc runs inside an advancement transaction. wi is the locked row;
// returning an error rolls the transaction back.
type AdvanceFunc func(tx AdvanceTx, wi *taskflow.WorkflowInstance) error

// Store is the full datastore contract shared by the scheduler, the pusher,
// and the admin API.
type Store interface {
	taskflow.DefinitionReader
	taskflow.DefinitionWriter

	// ListWorkflowDefinitions and ListTaskDefinitions back the admin surface.
	ListWorkflowDefinitions(ctx context.Context) ([]*taskflow.Workflow, error)
	ListTaskDefinitions(ctx context.Context) ([]*taskflow.Task, error)
	// SetWorkflowActive and SetTaskActive flip the only mutable definition
	// field exposed over the admin surface.
	SetWorkflowActive(ctx context.Context, name string, active bool) error
	SetTaskActive(ctx context.Context, name string, active bool) error

	// Workflow instances.
	CreateWorkflowInstance(ctx context.Context, wi *taskflow.WorkflowInstance) error
	GetWorkflowInstance(ctx context.Context, id int64) (*taskflow.WorkflowInstance, error)
	ListWorkflowInstances(ctx context.Context, f WorkflowInstanceFilter) ([]*taskflow.WorkflowInstance, error)
	DeleteWorkflowInstance(ctx context.Context, id int64) error
	// LatestScheduledWorkflowInstance returns the scheduled=true instance
	// with the greatest run_at, or nil when the workflow never fired.
	LatestScheduledWorkflowInstance(ctx context.Context, workflow string) (*taskflow.WorkflowInstance, error)
	// ListDueWorkflowInstances returns queued instances with run_at <= now.
	ListDueWorkflowInstances(ctx context.Context, now time.Time) ([]*taskflow.WorkflowInstance, error)

	// AdvanceWorkflowInstance locks the instance row, loads it, and runs fn
	// in the same transaction.
	AdvanceWorkflowInstance(ctx context.Context, id int64, fn AdvanceFunc) error

	// Task instances.
	CreateTaskInstance(ctx context.Context, ti *taskflow.TaskInstance) error
	GetTaskInstance(ctx context.Context, id int64) (*taskflow.TaskInstance, error)
	ListTaskInstances(ctx context.Context, f TaskInstanceFilter) ([]*taskflow.TaskInstance, error)
	UpdateTaskInstance(ctx context.Context, ti *taskflow.TaskInstance) error
	DeleteTaskInstance(ctx context.Context, id int64) error
	// CountActiveTaskInstances counts non-terminal instances of a task.
	CountActiveTaskInstances(ctx context.Context, task string) (int, error)
	// LatestScheduledTaskInstance mirrors its workflow counterpart for
	// free-standing recurring tasks.
	LatestScheduledTaskInstance(ctx context.Context, task string) (*taskflow.TaskInstance, error)
	// ListActiveStandaloneTaskInstances returns non-terminal instances of a
	// standalone task, oldest first.
	ListActiveStandaloneTaskInstances(ctx context.Context, task string) ([]*taskflow.TaskInstance, error)

	// ClaimPushableTaskInstances selects up to limit queued push instances
	// with run_at <= now, ordered by (priority desc, run_at asc, id asc),
	// and stamps them with claimID so parallel pushers partition the queue.
	// Postgres uses FOR UPDATE SKIP LOCKED; claims older than staleAfter are
	// reclaimable.
	ClaimPushableTaskInstances(ctx context.Context, claimID string, now time.Time, limit int, staleAfter time.Duration) ([]*taskflow.TaskInstance, error)
	// ListSyncableTaskInstances returns push instances in pushed, running,
	// or retrying state.
	ListSyncableTaskInstances(ctx context.Context) ([]*taskflow.TaskInstance, error)

	// Events.
	AppendEvent(ctx context.Context, ev *taskflow.TaskflowEvent) error
	ListEvents(ctx context.Context, workflowInstance, taskInstance *int64) ([]*taskflow.TaskflowEvent, error)
}
