package postgres

import (
	"context"
	"fmt"

	"github.com/taskflowhq/taskflow/internal/taskflow"
)

func appendEvent(ctx context.Context, q queryRower, ev *taskflow.TaskflowEvent) error {
	err := q.QueryRowContext(ctx,
		`INSERT INTO taskflow_events (workflow_instance, task_instance, timestamp, event, message)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		ev.WorkflowInstance, ev.TaskInstance, ev.Timestamp, ev.Event, ev.Message,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("insert event: %w", classify(err))
	}
	return nil
}

// AppendEvent records an audit event.
func (d *DB) AppendEvent(ctx context.Context, ev *taskflow.TaskflowEvent) error {
	return appendEvent(ctx, d.pool, ev)
}

// ListEvents returns audit events, optionally filtered by instance.
func (d *DB) ListEvents(ctx context.Context, workflowInstance, taskInstance *int64) ([]*taskflow.TaskflowEvent, error) {
	query := `SELECT id, workflow_instance, task_instance, timestamp, event, COALESCE(message, '')
	          FROM taskflow_events WHERE TRUE`
	var args []any
	if workflowInstance != nil {
		args = append(args, *workflowInstance)
		query += fmt.Sprintf(" AND workflow_instance = $%d", len(args))
	}
	if taskInstance != nil {
		args = append(args, *taskInstance)
		query += fmt.Sprintf(" AND task_instance = $%d", len(args))
	}
	query += " ORDER BY id"

	rows, err := d.pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", classify(err))
	}
	defer rows.Close()

	var out []*taskflow.TaskflowEvent
	for rows.Next() {
		ev := &taskflow.TaskflowEvent{}
		if err := rows.Scan(&ev.ID, &ev.WorkflowInstance, &ev.TaskInstance,
			&ev.Timestamp, &ev.Event, &ev.Message); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
