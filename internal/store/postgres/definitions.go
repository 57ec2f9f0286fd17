package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskflowhq/taskflow/internal/store"
	"github.com/taskflowhq/taskflow/internal/taskflow"
)

// UpsertWorkflowDefinition inserts or updates a workflow definition row.
// On conflict the declared shape wins except for active, which operators
// flip through the admin surface and which therefore survives redeploys.
func (d *DB) UpsertWorkflowDefinition(ctx context.Context, wf *taskflow.Workflow) error {
	var sla sql.NullInt64
	if wf.SLA != nil {
		sla = sql.NullInt64{Int64: int64(wf.SLA.Seconds()), Valid: true}
	}
	_, err := d.pool.ExecContext(ctx,
		`INSERT INTO workflows (name, active, title, description, concurrency, sla_seconds, schedule, start_date, end_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (name) DO UPDATE SET
		     title = EXCLUDED.title,
		     description = EXCLUDED.description,
		     concurrency = EXCLUDED.concurrency,
		     sla_seconds = EXCLUDED.sla_seconds,
		     schedule = EXCLUDED.schedule,
		     start_date = EXCLUDED.start_date,
		     end_date = EXCLUDED.end_date,
		     updated_at = NOW()`,
		wf.Name, wf.Active, wf.Title, wf.Description, wf.Concurrency,
		sla, wf.Schedule, wf.StartDate, wf.EndDate,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", classify(err))
	}
	return nil
}

// UpsertTaskDefinition inserts or updates a task definition row, with the
// same active-preserving conflict rule as workflows.
func (d *DB) UpsertTaskDefinition(ctx context.Context, task *taskflow.Task) error {
	paramsJSON, _ := json.Marshal(task.Params)
	var workflow sql.NullString
	if task.Workflow != "" {
		workflow = sql.NullString{String: task.Workflow, Valid: true}
	}
	_, err := d.pool.ExecContext(ctx,
		`INSERT INTO tasks (name, workflow, active, title, description, concurrency, schedule, start_date, end_date,
		                    max_retries, timeout_seconds, priority, params, push_destination, fn)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (name) DO UPDATE SET
		     workflow = EXCLUDED.workflow,
		     title = EXCLUDED.title,
		     description = EXCLUDED.description,
		     concurrency = EXCLUDED.concurrency,
		     schedule = EXCLUDED.schedule,
		     start_date = EXCLUDED.start_date,
		     end_date = EXCLUDED.end_date,
		     max_retries = EXCLUDED.max_retries,
		     timeout_seconds = EXCLUDED.timeout_seconds,
		     priority = EXCLUDED.priority,
		     params = EXCLUDED.params,
		     push_destination = EXCLUDED.push_destination,
		     fn = EXCLUDED.fn,
		     updated_at = NOW()`,
		task.Name, workflow, task.Active, task.Title, task.Description, task.Concurrency,
		task.Schedule, task.StartDate, task.EndDate,
		task.RetryLimit(), int(task.Timeout.Seconds()), task.Priority,
		paramsJSON, task.PushDestination, task.Fn,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", classify(err))
	}
	return nil
}

const workflowDefCols = `name, active, COALESCE(title, ''), COALESCE(description, ''),
	concurrency, sla_seconds, COALESCE(schedule, ''), start_date, end_date`

func scanWorkflowDef(row interface{ Scan(...any) error }) (*taskflow.Workflow, error) {
	wf := &taskflow.Workflow{}
	var sla sql.NullInt64
	err := row.Scan(&wf.Name, &wf.Active, &wf.Title, &wf.Description,
		&wf.Concurrency, &sla, &wf.Schedule, &wf.StartDate, &wf.EndDate)
	if err != nil {
		return nil, err
	}
	if sla.Valid {
		d := time.Duration(sla.Int64) * time.Second
		wf.SLA = &d
	}
	return wf, nil
}

// GetWorkflowDefinition reads a workflow definition row. Only the scalar
// fields are persisted; the task set and dependency edges live in code.
func (d *DB) GetWorkflowDefinition(ctx context.Context, name string) (*taskflow.Workflow, error) {
	row := d.pool.QueryRowContext(ctx,
		`SELECT `+workflowDefCols+` FROM workflows WHERE name = $1`, name)
	wf, err := scanWorkflowDef(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %q: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", classify(err))
	}
	return wf, nil
}

// ListWorkflowDefinitions returns all workflow definition rows by name.
func (d *DB) ListWorkflowDefinitions(ctx context.Context) ([]*taskflow.Workflow, error) {
	rows, err := d.pool.QueryContext(ctx,
		`SELECT `+workflowDefCols+` FROM workflows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", classify(err))
	}
	defer rows.Close()

	var out []*taskflow.Workflow
	for rows.Next() {
		wf, err := scanWorkflowDef(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

const taskDefCols = `name, COALESCE(workflow, ''), active, COALESCE(title, ''), COALESCE(description, ''),
	concurrency, COALESCE(schedule, ''), start_date, end_date,
	max_retries, timeout_seconds, priority, params, COALESCE(push_destination, ''), COALESCE(fn, '')`

func scanTaskDef(row interface{ Scan(...any) error }) (*taskflow.Task, error) {
	t := &taskflow.Task{}
	var maxRetries int
	var timeoutSeconds int64
	var paramsJSON []byte
	err := row.Scan(&t.Name, &t.Workflow, &t.Active, &t.Title, &t.Description,
		&t.Concurrency, &t.Schedule, &t.StartDate, &t.EndDate,
		&maxRetries, &timeoutSeconds, &t.Priority, &paramsJSON, &t.PushDestination, &t.Fn)
	if err != nil {
		return nil, err
	}
	t.MaxRetries = &maxRetries
	t.Timeout = time.Duration(timeoutSeconds) * time.Second
	if len(paramsJSON) > 0 {
		json.Unmarshal(paramsJSON, &t.Params)
	}
	return t, nil
}

// GetTaskDefinition reads a task definition row.
func (d *DB) GetTaskDefinition(ctx context.Context, name string) (*taskflow.Task, error) {
	row := d.pool.QueryRowContext(ctx,
		`SELECT `+taskDefCols+` FROM tasks WHERE name = $1`, name)
	t, err := scanTaskDef(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", classify(err))
	}
	return t, nil
}

// ListTaskDefinitions returns all task definition rows by name.
func (d *DB) ListTaskDefinitions(ctx context.Context) ([]*taskflow.Task, error) {
	rows, err := d.pool.QueryContext(ctx,
		`SELECT `+taskDefCols+` FROM tasks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", classify(err))
	}
	defer rows.Close()

	var out []*taskflow.Task
	for rows.Next() {
		t, err := scanTaskDef(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetWorkflowActive flips the active flag on a workflow definition.
func (d *DB) SetWorkflowActive(ctx context.Context, name string, active bool) error {
	res, err := d.pool.ExecContext(ctx,
		`UPDATE workflows SET active = $1, updated_at = NOW() WHERE name = $2`, active, name)
	if err != nil {
		return fmt.Errorf("set workflow active: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow %q: %w", name, store.ErrNotFound)
	}
	return nil
}

// SetTaskActive flips the active flag on a task definition.
func (d *DB) SetTaskActive(ctx context.Context, name string, active bool) error {
	res, err := d.pool.ExecContext(ctx,
		`UPDATE tasks SET active = $1, updated_at = NOW() WHERE name = $2`, active, name)
	if err != nil {
		return fmt.Errorf("set task active: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q: %w", name, store.ErrNotFound)
	}
	return nil
}
