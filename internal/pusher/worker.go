// Package pusher implements the dispatch loop that hands queued push-style
// task instances to external workers and reconciles their observed states
// back into the store.
package pusher

import (
	"context"
	"time"

	"github.com/taskflowhq/taskflow/internal/taskflow"
)

// PushResult is a push worker's per-instance dispatch outcome.
type PushResult struct {
	TaskInstance int64          `json:"task_instance"`
	PushData     map[string]any `json:"push_data,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// SyncReport is a push worker's per-instance state report.
type SyncReport struct {
	TaskInstance int64               `json:"task_instance"`
	Status       taskflow.TaskStatus `json:"status"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	EndedAt      *time.Time          `json:"ended_at,omitempty"`
	Message      string              `json:"message,omitempty"`
}

// PushWorker is the uniform capability for executing task instances
// remotely. Implementations are selected by the push_destination tag on the
// task definition.
//
// Both operations must be idempotent on the worker side: re-submitting an
// instance the worker already knows returns its current state rather than
// executing it twice.
type PushWorker interface {
	// PushTaskInstances accepts a batch for dispatch. The worker may start
	// tasks synchronously or merely acknowledge them; either way accepted
	// instances become pushed. A batch-level error fails every instance in
	// the batch.
	PushTaskInstances(ctx context.Context, batch []*taskflow.TaskInstance) ([]PushResult, error)

	// SyncTaskInstanceStates reports the current state of in-flight
	// instances.
	SyncTaskInstanceStates(ctx context.Context, batch []*taskflow.TaskInstance) ([]SyncReport, error)
}
