package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/taskflowhq/taskflow/internal/store"
	"github.com/taskflowhq/taskflow/internal/taskflow"
)

// advanceTx implements store.AdvanceTx over one open transaction that holds
// an exclusive lock on the parent workflow instance row.
type advanceTx struct {
	tx *sql.Tx
	wi *taskflow.WorkflowInstance
}

func (a *advanceTx) TaskInstancesForRun(ctx context.Context) (map[string]*taskflow.TaskInstance, error) {
	rows, err := a.tx.QueryContext(ctx,
		`SELECT `+taskInstanceCols+` FROM task_instances WHERE workflow_instance = $1`, a.wi.ID)
	if err != nil {
		return nil, fmt.Errorf("load run task instances: %w", classify(err))
	}
	defer rows.Close()

	out := make(map[string]*taskflow.TaskInstance)
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task instance: %w", err)
		}
		out[ti.Task] = ti
	}
	return out, rows.Err()
}

func (a *advanceTx) InsertTaskInstance(ctx context.Context, ti *taskflow.TaskInstance) error {
	return insertTaskInstance(ctx, a.tx, ti)
}

func (a *advanceTx) UpdateWorkflowInstance(ctx context.Context, wi *taskflow.WorkflowInstance) error {
	paramsJSON, _ := json.Marshal(wi.Params)
	res, err := a.tx.ExecContext(ctx,
		`UPDATE workflow_instances
		 SET status = $1, run_at = $2, started_at = $3, ended_at = $4, params = $5, updated_at = NOW()
		 WHERE id = $6`,
		wi.Status, wi.RunAt, wi.StartedAt, wi.EndedAt, paramsJSON, wi.ID)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow instance %d: %w", wi.ID, store.ErrNotFound)
	}
	return nil
}

func (a *advanceTx) AppendEvent(ctx context.Context, ev *taskflow.TaskflowEvent) error {
	return appendEvent(ctx, a.tx, ev)
}

// AdvanceWorkflowInstance opens a transaction, takes SELECT ... FOR UPDATE
// on the instance row, and runs fn against the locked row. Any error from
// fn rolls everything back, so layer advancement is all-or-nothing.
func (d *DB) AdvanceWorkflowInstance(ctx context.Context, id int64, fn store.AdvanceFunc) error {
	tx, err := d.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advance: %w", classify(err))
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+workflowInstanceCols+` FROM workflow_instances WHERE id = $1 FOR UPDATE`, id)
	wi, err := scanWorkflowInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("workflow instance %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock workflow instance: %w", classify(err))
	}

	if err := fn(&advanceTx{tx: tx, wi: wi}, wi); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit advance: %w", classify(err))
	}
	return nil
}
