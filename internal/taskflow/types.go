package taskflow

import "time"

// --- Workflow instance status ---

// WorkflowStatus is the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowQueued  WorkflowStatus = "queued"
	WorkflowRunning WorkflowStatus = "running"
	WorkflowSuccess WorkflowStatus = "success"
	WorkflowFailed  WorkflowStatus = "failed"
)

// Terminal reports whether the status is final. Terminal statuses are
// monotonic: once a workflow instance reaches one it never leaves it.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowSuccess || s == WorkflowFailed
}

// --- Task instance status ---

// TaskStatus is the lifecycle state of a task instance.
type TaskStatus string

const (
	TaskQueued   TaskStatus = "queued"
	TaskPushed   TaskStatus = "pushed"
	TaskRunning  TaskStatus = "running"
	TaskRetrying TaskStatus = "retrying"
	TaskSuccess  TaskStatus = "success"
	TaskFailed   TaskStatus = "failed"
	TaskTimedOut TaskStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskTimedOut
}

// Known reports whether s is one of the statuses the engine understands.
// Anything else coming back from a push worker is an invariant violation.
func (s TaskStatus) Known() bool {
	switch s {
	case TaskQueued, TaskPushed, TaskRunning, TaskRetrying, TaskSuccess, TaskFailed, TaskTimedOut:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next follows the task
// state machine: queued → pushed → running → (success|failed|timed_out|
// retrying), with retrying → pushed re-entering the dispatch path. A
// polling observer may skip intermediate states, so forward jumps are
// allowed; terminal states have no outgoing edges, and nothing moves
// back to queued.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.Terminal() || next == TaskQueued {
		return false
	}
	switch s {
	case TaskQueued:
		return next == TaskPushed || next == TaskRunning || next == TaskRetrying || next.Terminal()
	case TaskPushed:
		return next == TaskRunning || next == TaskRetrying || next.Terminal()
	case TaskRunning:
		return next == TaskRetrying || next.Terminal()
	case TaskRetrying:
		return next == TaskPushed || next == TaskRunning || next.Terminal()
	}
	return false
}

// --- Instances ---

// WorkflowInstance is a concrete attempt to execute a workflow at a
// particular run_at time.
type WorkflowInstance struct {
	ID        int64          `json:"id"`
	Workflow  string         `json:"workflow"`
	Scheduled bool           `json:"scheduled"` // true when produced by the recurring rule
	Status    WorkflowStatus `json:"status"`
	RunAt     time.Time      `json:"run_at"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TaskInstance is a concrete attempt to execute a task, either within a
// workflow instance or standalone (WorkflowInstance == nil).
type TaskInstance struct {
	ID               int64          `json:"id"`
	Task             string         `json:"task"`
	WorkflowInstance *int64         `json:"workflow_instance,omitempty"`
	Scheduled        bool           `json:"scheduled"`
	Push             bool           `json:"push"`
	Status           TaskStatus     `json:"status"`
	Priority         int            `json:"priority"`
	RunAt            time.Time      `json:"run_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	EndedAt          *time.Time     `json:"ended_at,omitempty"`
	Attempts         int            `json:"attempts"`
	Params           map[string]any `json:"params,omitempty"`
	PushData         map[string]any `json:"push_data,omitempty"`
	LockedBy         string         `json:"-"`
	LockedAt         *time.Time     `json:"-"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// --- Events ---

// Event tags recorded in taskflow_events.
const (
	EventWorkflowQueued     = "workflow_queued"
	EventWorkflowStarted    = "workflow_started"
	EventWorkflowSuccess    = "workflow_success"
	EventWorkflowFailed     = "workflow_failed"
	EventTaskQueued         = "task_queued"
	EventTaskPushed         = "task_pushed"
	EventTaskFinished       = "task_finished"
	EventTaskFailed         = "task_failed"
	EventTaskTimedOut       = "task_timed_out"
	EventTaskRetried        = "task_retried"
	EventPushFailure        = "push_failure"
	EventInvariantViolation = "invariant_violation"
)

// TaskflowEvent is an append-only audit record. Either instance reference
// may be nil.
type TaskflowEvent struct {
	ID               int64     `json:"id"`
	WorkflowInstance *int64    `json:"workflow_instance,omitempty"`
	TaskInstance     *int64    `json:"task_instance,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Event            string    `json:"event"`
	Message          string    `json:"message,omitempty"`
}
