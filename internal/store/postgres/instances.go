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

// --- Workflow instances ---

const workflowInstanceCols = `id, workflow, scheduled, status, run_at, started_at, ended_at, params, created_at, updated_at`

func scanWorkflowInstance(row interface{ Scan(...any) error }) (*taskflow.WorkflowInstance, error) {
	wi := &taskflow.WorkflowInstance{}
	var paramsJSON []byte
	err := row.Scan(&wi.ID, &wi.Workflow, &wi.Scheduled, &wi.Status, &wi.RunAt,
		&wi.StartedAt, &wi.EndedAt, &paramsJSON, &wi.CreatedAt, &wi.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(paramsJSON) > 0 {
		json.Unmarshal(paramsJSON, &wi.Params)
	}
	return wi, nil
}

// CreateWorkflowInstance inserts a workflow instance and fills in the
// store-assigned id and timestamps.
func (d *DB) CreateWorkflowInstance(ctx context.Context, wi *taskflow.WorkflowInstance) error {
	paramsJSON, _ := json.Marshal(wi.Params)
	err := d.pool.QueryRowContext(ctx,
		`INSERT INTO workflow_instances (workflow, scheduled, status, run_at, started_at, ended_at, params)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		wi.Workflow, wi.Scheduled, wi.Status, wi.RunAt, wi.StartedAt, wi.EndedAt, paramsJSON,
	).Scan(&wi.ID, &wi.CreatedAt, &wi.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", classify(err))
	}
	return nil
}

// GetWorkflowInstance reads one workflow instance.
func (d *DB) GetWorkflowInstance(ctx context.Context, id int64) (*taskflow.WorkflowInstance, error) {
	row := d.pool.QueryRowContext(ctx,
		`SELECT `+workflowInstanceCols+` FROM workflow_instances WHERE id = $1`, id)
	wi, err := scanWorkflowInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow instance %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow instance: %w", classify(err))
	}
	return wi, nil
}

// ListWorkflowInstances lists instances with filtering, sorting, paging.
func (d *DB) ListWorkflowInstances(ctx context.Context, f store.WorkflowInstanceFilter) ([]*taskflow.WorkflowInstance, error) {
	query := `SELECT ` + workflowInstanceCols + ` FROM workflow_instances WHERE TRUE`
	var args []any
	if f.Workflow != "" {
		args = append(args, f.Workflow)
		query += fmt.Sprintf(" AND workflow = $%d", len(args))
	}
	if f.Scheduled != nil {
		args = append(args, *f.Scheduled)
		query += fmt.Sprintf(" AND scheduled = $%d", len(args))
	}
	if len(f.Statuses) > 0 {
		placeholders := ""
		for i, s := range f.Statuses {
			args = append(args, string(s))
			if i > 0 {
				placeholders += ", "
			}
			placeholders += fmt.Sprintf("$%d", len(args))
		}
		query += " AND status IN (" + placeholders + ")"
	}
	query += " ORDER BY " + orderClause(f.SortBy, f.SortDesc)
	if f.Page > 0 && f.PerPage > 0 {
		args = append(args, f.PerPage)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, (f.Page-1)*f.PerPage)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := d.pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflow instances: %w", classify(err))
	}
	defer rows.Close()

	var out []*taskflow.WorkflowInstance
	for rows.Next() {
		wi, err := scanWorkflowInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		out = append(out, wi)
	}
	return out, rows.Err()
}

// DeleteWorkflowInstance removes an instance; task instances cascade.
func (d *DB) DeleteWorkflowInstance(ctx context.Context, id int64) error {
	res, err := d.pool.ExecContext(ctx,
		`DELETE FROM workflow_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow instance: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow instance %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// LatestScheduledWorkflowInstance returns the most recent scheduled run of
// a workflow, or nil when it never fired.
func (d *DB) LatestScheduledWorkflowInstance(ctx context.Context, workflow string) (*taskflow.WorkflowInstance, error) {
	row := d.pool.QueryRowContext(ctx,
		`SELECT `+workflowInstanceCols+` FROM workflow_instances
		 WHERE workflow = $1 AND scheduled
		 ORDER BY run_at DESC LIMIT 1`, workflow)
	wi, err := scanWorkflowInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest scheduled instance: %w", classify(err))
	}
	return wi, nil
}

// ListDueWorkflowInstances returns queued instances whose run_at has passed.
func (d *DB) ListDueWorkflowInstances(ctx context.Context, now time.Time) ([]*taskflow.WorkflowInstance, error) {
	rows, err := d.pool.QueryContext(ctx,
		`SELECT `+workflowInstanceCols+` FROM workflow_instances
		 WHERE status = 'queued' AND run_at <= $1 ORDER BY id`, now)
	if err != nil {
		return nil, fmt.Errorf("list due workflow instances: %w", classify(err))
	}
	defer rows.Close()

	var out []*taskflow.WorkflowInstance
	for rows.Next() {
		wi, err := scanWorkflowInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		out = append(out, wi)
	}
	return out, rows.Err()
}

// --- Task instances ---

const taskInstanceCols = `id, task, workflow_instance, scheduled, push, status, priority, run_at,
	started_at, ended_at, attempts, params, push_data, COALESCE(locked_by, ''), locked_at, created_at, updated_at`

func scanTaskInstance(row interface{ Scan(...any) error }) (*taskflow.TaskInstance, error) {
	ti := &taskflow.TaskInstance{}
	var paramsJSON, pushDataJSON []byte
	err := row.Scan(&ti.ID, &ti.Task, &ti.WorkflowInstance, &ti.Scheduled, &ti.Push,
		&ti.Status, &ti.Priority, &ti.RunAt, &ti.StartedAt, &ti.EndedAt, &ti.Attempts,
		&paramsJSON, &pushDataJSON, &ti.LockedBy, &ti.LockedAt, &ti.CreatedAt, &ti.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(paramsJSON) > 0 {
		json.Unmarshal(paramsJSON, &ti.Params)
	}
	if len(pushDataJSON) > 0 {
		json.Unmarshal(pushDataJSON, &ti.PushData)
	}
	return ti, nil
}

func insertTaskInstance(ctx context.Context, q queryRower, ti *taskflow.TaskInstance) error {
	paramsJSON, _ := json.Marshal(ti.Params)
	pushDataJSON, _ := json.Marshal(ti.PushData)
	err := q.QueryRowContext(ctx,
		`INSERT INTO task_instances (task, workflow_instance, scheduled, push, status, priority, run_at,
		                             started_at, ended_at, attempts, params, push_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, created_at, updated_at`,
		ti.Task, ti.WorkflowInstance, ti.Scheduled, ti.Push, ti.Status, ti.Priority, ti.RunAt,
		ti.StartedAt, ti.EndedAt, ti.Attempts, paramsJSON, pushDataJSON,
	).Scan(&ti.ID, &ti.CreatedAt, &ti.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("task %q: %w", ti.Task, store.ErrDuplicateTaskInstance)
	}
	if err != nil {
		return fmt.Errorf("insert task instance: %w", classify(err))
	}
	return nil
}

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateTaskInstance inserts a task instance. The (workflow_instance, task)
// uniqueness constraint maps to store.ErrDuplicateTaskInstance.
func (d *DB) CreateTaskInstance(ctx context.Context, ti *taskflow.TaskInstance) error {
	return insertTaskInstance(ctx, d.pool, ti)
}

// GetTaskInstance reads one task instance.
func (d *DB) GetTaskInstance(ctx context.Context, id int64) (*taskflow.TaskInstance, error) {
	row := d.pool.QueryRowContext(ctx,
		`SELECT `+taskInstanceCols+` FROM task_instances WHERE id = $1`, id)
	ti, err := scanTaskInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task instance: %w", classify(err))
	}
	return ti, nil
}

// ListTaskInstances lists instances with filtering, sorting, paging.
func (d *DB) ListTaskInstances(ctx context.Context, f store.TaskInstanceFilter) ([]*taskflow.TaskInstance, error) {
	query := `SELECT ` + taskInstanceCols + ` FROM task_instances WHERE TRUE`
	var args []any
	if f.Task != "" {
		args = append(args, f.Task)
		query += fmt.Sprintf(" AND task = $%d", len(args))
	}
	if f.WorkflowInstance != nil {
		args = append(args, *f.WorkflowInstance)
		query += fmt.Sprintf(" AND workflow_instance = $%d", len(args))
	}
	if f.Scheduled != nil {
		args = append(args, *f.Scheduled)
		query += fmt.Sprintf(" AND scheduled = $%d", len(args))
	}
	if len(f.Statuses) > 0 {
		placeholders := ""
		for i, s := range f.Statuses {
			args = append(args, string(s))
			if i > 0 {
				placeholders += ", "
			}
			placeholders += fmt.Sprintf("$%d", len(args))
		}
		query += " AND status IN (" + placeholders + ")"
	}
	query += " ORDER BY " + orderClause(f.SortBy, f.SortDesc)
	if f.Page > 0 && f.PerPage > 0 {
		args = append(args, f.PerPage)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, (f.Page-1)*f.PerPage)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := d.pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task instances: %w", classify(err))
	}
	defer rows.Close()

	var out []*taskflow.TaskInstance
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task instance: %w", err)
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

// UpdateTaskInstance writes back all mutable task instance fields.
func (d *DB) UpdateTaskInstance(ctx context.Context, ti *taskflow.TaskInstance) error {
	pushDataJSON, _ := json.Marshal(ti.PushData)
	var lockedBy sql.NullString
	if ti.LockedBy != "" {
		lockedBy = sql.NullString{String: ti.LockedBy, Valid: true}
	}
	res, err := d.pool.ExecContext(ctx,
		`UPDATE task_instances
		 SET status = $1, run_at = $2, started_at = $3, ended_at = $4, attempts = $5,
		     push_data = $6, locked_by = $7, locked_at = $8, updated_at = NOW()
		 WHERE id = $9`,
		ti.Status, ti.RunAt, ti.StartedAt, ti.EndedAt, ti.Attempts,
		pushDataJSON, lockedBy, ti.LockedAt, ti.ID)
	if err != nil {
		return fmt.Errorf("update task instance: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task instance %d: %w", ti.ID, store.ErrNotFound)
	}
	return nil
}

// DeleteTaskInstance removes one task instance.
func (d *DB) DeleteTaskInstance(ctx context.Context, id int64) error {
	res, err := d.pool.ExecContext(ctx,
		`DELETE FROM task_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task instance: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task instance %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// CountActiveTaskInstances counts non-terminal instances of a task.
func (d *DB) CountActiveTaskInstances(ctx context.Context, task string) (int, error) {
	var count int
	err := d.pool.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_instances
		 WHERE task = $1 AND status NOT IN ('success', 'failed', 'timed_out')`, task,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active task instances: %w", classify(err))
	}
	return count, nil
}

// LatestScheduledTaskInstance returns the most recent scheduled standalone
// instance of a task, or nil.
func (d *DB) LatestScheduledTaskInstance(ctx context.Context, task string) (*taskflow.TaskInstance, error) {
	row := d.pool.QueryRowContext(ctx,
		`SELECT `+taskInstanceCols+` FROM task_instances
		 WHERE task = $1 AND scheduled AND workflow_instance IS NULL
		 ORDER BY run_at DESC LIMIT 1`, task)
	ti, err := scanTaskInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest scheduled task instance: %w", classify(err))
	}
	return ti, nil
}

// ListActiveStandaloneTaskInstances returns non-terminal standalone
// instances of a task, oldest first.
func (d *DB) ListActiveStandaloneTaskInstances(ctx context.Context, task string) ([]*taskflow.TaskInstance, error) {
	rows, err := d.pool.QueryContext(ctx,
		`SELECT `+taskInstanceCols+` FROM task_instances
		 WHERE task = $1 AND workflow_instance IS NULL
		   AND status NOT IN ('success', 'failed', 'timed_out')
		 ORDER BY id`, task)
	if err != nil {
		return nil, fmt.Errorf("list active standalone task instances: %w", classify(err))
	}
	defer rows.Close()

	var out []*taskflow.TaskInstance
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task instance: %w", err)
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

// ClaimPushableTaskInstances selects dispatchable rows with FOR UPDATE SKIP
// LOCKED and stamps the claim inside the same transaction, so parallel
// pushers partition the queue without contention. Claims left behind by a
// crashed pusher expire after staleAfter.
func (d *DB) ClaimPushableTaskInstances(ctx context.Context, claimID string, now time.Time, limit int, staleAfter time.Duration) ([]*taskflow.TaskInstance, error) {
	tx, err := d.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", classify(err))
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskInstanceCols+` FROM task_instances
		 WHERE push AND status = 'queued' AND run_at <= $1
		   AND (locked_by IS NULL OR locked_at IS NULL OR locked_at < $2)
		 ORDER BY priority DESC, run_at ASC, id ASC
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`,
		now, now.Add(-staleAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("select pushable: %w", classify(err))
	}

	var claimed []*taskflow.TaskInstance
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pushable: %w", err)
		}
		claimed = append(claimed, ti)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("select pushable: %w", classify(err))
	}
	rows.Close()

	for _, ti := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE task_instances SET locked_by = $1, locked_at = $2, updated_at = NOW() WHERE id = $3`,
			claimID, now, ti.ID); err != nil {
			return nil, fmt.Errorf("stamp claim: %w", classify(err))
		}
		ti.LockedBy = claimID
		lockedAt := now
		ti.LockedAt = &lockedAt
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", classify(err))
	}
	return claimed, nil
}

// ListSyncableTaskInstances returns push instances awaiting a state report.
func (d *DB) ListSyncableTaskInstances(ctx context.Context) ([]*taskflow.TaskInstance, error) {
	rows, err := d.pool.QueryContext(ctx,
		`SELECT `+taskInstanceCols+` FROM task_instances
		 WHERE push AND status IN ('pushed', 'running', 'retrying')
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list syncable: %w", classify(err))
	}
	defer rows.Close()

	var out []*taskflow.TaskInstance
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task instance: %w", err)
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

func orderClause(sortBy string, desc bool) string {
	col := "id"
	switch sortBy {
	case "run_at", "created_at":
		col = sortBy
	}
	if desc {
		return col + " DESC"
	}
	return col + " ASC"
}
