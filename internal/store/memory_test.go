package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskflowhq/taskflow/internal/taskflow"
)

var testNow = time.Date(2017, 6, 3, 6, 0, 0, 0, time.UTC)

func seedWorkflowInstance(t *testing.T, m *Memory, status taskflow.WorkflowStatus) *taskflow.WorkflowInstance {
	t.Helper()
	wi := &taskflow.WorkflowInstance{
		Workflow:  "daily_etl",
		Scheduled: true,
		Status:    status,
		RunAt:     testNow,
	}
	if err := m.CreateWorkflowInstance(context.Background(), wi); err != nil {
		t.Fatalf("CreateWorkflowInstance failed: %v", err)
	}
	return wi
}

func TestMemory_DuplicateTaskInstancePerRun(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	wi := seedWorkflowInstance(t, m, taskflow.WorkflowRunning)

	ti := &taskflow.TaskInstance{Task: "task1", WorkflowInstance: &wi.ID, Status: taskflow.TaskQueued, RunAt: testNow}
	if err := m.CreateTaskInstance(ctx, ti); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	dup := &taskflow.TaskInstance{Task: "task1", WorkflowInstance: &wi.ID, Status: taskflow.TaskQueued, RunAt: testNow}
	if err := m.CreateTaskInstance(ctx, dup); !errors.Is(err, ErrDuplicateTaskInstance) {
		t.Fatalf("expected ErrDuplicateTaskInstance, got %v", err)
	}

	// Standalone instances of the same task are not constrained.
	standalone := &taskflow.TaskInstance{Task: "task1", Status: taskflow.TaskQueued, RunAt: testNow}
	if err := m.CreateTaskInstance(ctx, standalone); err != nil {
		t.Fatalf("standalone insert failed: %v", err)
	}
}

func TestMemory_DeleteWorkflowInstanceCascades(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	wi := seedWorkflowInstance(t, m, taskflow.WorkflowRunning)

	ti := &taskflow.TaskInstance{Task: "task1", WorkflowInstance: &wi.ID, Status: taskflow.TaskQueued, RunAt: testNow}
	if err := m.CreateTaskInstance(ctx, ti); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := m.DeleteWorkflowInstance(ctx, wi.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := m.GetTaskInstance(ctx, ti.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected cascaded delete, got %v", err)
	}
}

func TestMemory_LatestScheduledWorkflowInstance(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	latest, err := m.LatestScheduledWorkflowInstance(ctx, "daily_etl")
	if err != nil || latest != nil {
		t.Fatalf("expected nil, nil for empty store, got %v, %v", latest, err)
	}

	older := &taskflow.WorkflowInstance{Workflow: "daily_etl", Scheduled: true, Status: taskflow.WorkflowSuccess, RunAt: testNow.Add(-24 * time.Hour)}
	newer := &taskflow.WorkflowInstance{Workflow: "daily_etl", Scheduled: true, Status: taskflow.WorkflowQueued, RunAt: testNow}
	manual := &taskflow.WorkflowInstance{Workflow: "daily_etl", Scheduled: false, Status: taskflow.WorkflowQueued, RunAt: testNow.Add(time.Hour)}
	for _, wi := range []*taskflow.WorkflowInstance{older, newer, manual} {
		if err := m.CreateWorkflowInstance(ctx, wi); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	latest, err = m.LatestScheduledWorkflowInstance(ctx, "daily_etl")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	// Manual instances never count, even with a later run_at.
	if latest.ID != newer.ID {
		t.Fatalf("latest = %d, want %d", latest.ID, newer.ID)
	}
}

func TestMemory_ClaimOrdering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	low := &taskflow.TaskInstance{Task: "a", Push: true, Status: taskflow.TaskQueued, Priority: 0, RunAt: testNow.Add(-time.Minute)}
	high := &taskflow.TaskInstance{Task: "b", Push: true, Status: taskflow.TaskQueued, Priority: 10, RunAt: testNow.Add(-time.Second)}
	older := &taskflow.TaskInstance{Task: "c", Push: true, Status: taskflow.TaskQueued, Priority: 0, RunAt: testNow.Add(-time.Hour)}
	future := &taskflow.TaskInstance{Task: "d", Push: true, Status: taskflow.TaskQueued, RunAt: testNow.Add(time.Hour)}
	pull := &taskflow.TaskInstance{Task: "e", Push: false, Status: taskflow.TaskQueued, RunAt: testNow.Add(-time.Hour)}
	for _, ti := range []*taskflow.TaskInstance{low, high, older, future, pull} {
		if err := m.CreateTaskInstance(ctx, ti); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	claimed, err := m.ClaimPushableTaskInstances(ctx, "claim-1", testNow, 10, 5*time.Minute)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claims, got %d", len(claimed))
	}
	// Priority desc, then run_at asc.
	if claimed[0].Task != "b" || claimed[1].Task != "c" || claimed[2].Task != "a" {
		t.Fatalf("claim order = [%s %s %s], want [b c a]", claimed[0].Task, claimed[1].Task, claimed[2].Task)
	}
	for _, ti := range claimed {
		if ti.LockedBy != "claim-1" || ti.LockedAt == nil {
			t.Fatalf("claim stamp missing on %s", ti.Task)
		}
	}
}

func TestMemory_ClaimRespectsExistingAndStaleClaims(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ti := &taskflow.TaskInstance{Task: "a", Push: true, Status: taskflow.TaskQueued, RunAt: testNow.Add(-time.Hour)}
	if err := m.CreateTaskInstance(ctx, ti); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	first, err := m.ClaimPushableTaskInstances(ctx, "pusher-1", testNow, 10, 5*time.Minute)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim = %v, %v", first, err)
	}

	// A second pusher inside the stale window gets nothing.
	second, err := m.ClaimPushableTaskInstances(ctx, "pusher-2", testNow.Add(time.Minute), 10, 5*time.Minute)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected fresh claim to hold, got %d rows", len(second))
	}

	// After the stale window the row is reclaimable.
	third, err := m.ClaimPushableTaskInstances(ctx, "pusher-2", testNow.Add(10*time.Minute), 10, 5*time.Minute)
	if err != nil {
		t.Fatalf("third claim failed: %v", err)
	}
	if len(third) != 1 || third[0].LockedBy != "pusher-2" {
		t.Fatalf("expected stale claim takeover, got %v", third)
	}
}

func TestMemory_ClaimHonorsLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ti := &taskflow.TaskInstance{Task: "a", Push: true, Status: taskflow.TaskQueued, RunAt: testNow.Add(-time.Hour)}
		if err := m.CreateTaskInstance(ctx, ti); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	claimed, err := m.ClaimPushableTaskInstances(ctx, "c", testNow, 2, 5*time.Minute)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claims, got %d", len(claimed))
	}
}

func TestMemory_ListSyncableTaskInstances(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, tc := range []struct {
		status taskflow.TaskStatus
		push   bool
	}{
		{taskflow.TaskPushed, true},
		{taskflow.TaskRunning, true},
		{taskflow.TaskRetrying, true},
		{taskflow.TaskQueued, true},
		{taskflow.TaskSuccess, true},
		{taskflow.TaskRunning, false},
	} {
		ti := &taskflow.TaskInstance{Task: "a", Push: tc.push, Status: tc.status, RunAt: testNow}
		if err := m.CreateTaskInstance(ctx, ti); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	rows, err := m.ListSyncableTaskInstances(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 syncable rows, got %d", len(rows))
	}
}

func TestMemory_ListWorkflowInstancesFilterSortPage(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		status := taskflow.WorkflowQueued
		if i%2 == 0 {
			status = taskflow.WorkflowSuccess
		}
		wi := &taskflow.WorkflowInstance{
			Workflow:  "daily_etl",
			Scheduled: true,
			Status:    status,
			RunAt:     testNow.Add(time.Duration(i) * time.Hour),
		}
		if err := m.CreateWorkflowInstance(ctx, wi); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	rows, err := m.ListWorkflowInstances(ctx, WorkflowInstanceFilter{
		Workflow: "daily_etl",
		Statuses: []taskflow.WorkflowStatus{taskflow.WorkflowSuccess},
	})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 success rows, got %d", len(rows))
	}

	rows, err = m.ListWorkflowInstances(ctx, WorkflowInstanceFilter{
		SortBy: "run_at", SortDesc: true, Page: 1, PerPage: 2,
	})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected page of 2, got %d", len(rows))
	}
	if rows[0].RunAt.Before(rows[1].RunAt) {
		t.Fatal("expected descending run_at order")
	}

	rows, err = m.ListWorkflowInstances(ctx, WorkflowInstanceFilter{Page: 4, PerPage: 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(rows))
	}
}

func TestMemory_AdvanceSerializesAndWritesBack(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	wi := seedWorkflowInstance(t, m, taskflow.WorkflowQueued)

	err := m.AdvanceWorkflowInstance(ctx, wi.ID, func(tx AdvanceTx, locked *taskflow.WorkflowInstance) error {
		locked.Status = taskflow.WorkflowRunning
		if err := tx.InsertTaskInstance(ctx, &taskflow.TaskInstance{
			Task: "task1", WorkflowInstance: &locked.ID, Status: taskflow.TaskQueued, RunAt: testNow,
		}); err != nil {
			return err
		}
		return tx.UpdateWorkflowInstance(ctx, locked)
	})
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	got, err := m.GetWorkflowInstance(ctx, wi.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != taskflow.WorkflowRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	rows, err := m.ListTaskInstances(ctx, TaskInstanceFilter{WorkflowInstance: &wi.ID})
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected 1 task instance, got %v, %v", rows, err)
	}
}

func TestMemory_AdvanceRollsBackOnError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	wi := seedWorkflowInstance(t, m, taskflow.WorkflowQueued)

	boom := errors.New("advancement aborted")
	err := m.AdvanceWorkflowInstance(ctx, wi.ID, func(tx AdvanceTx, locked *taskflow.WorkflowInstance) error {
		if err := tx.InsertTaskInstance(ctx, &taskflow.TaskInstance{
			Task: "task1", WorkflowInstance: &locked.ID, Status: taskflow.TaskQueued, RunAt: testNow,
		}); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &taskflow.TaskflowEvent{
			WorkflowInstance: &locked.ID, Timestamp: testNow, Event: taskflow.EventTaskQueued,
		}); err != nil {
			return err
		}
		locked.Status = taskflow.WorkflowRunning
		if err := tx.UpdateWorkflowInstance(ctx, locked); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the callback error, got %v", err)
	}

	// Nothing written inside the failed advancement survives.
	got, err := m.GetWorkflowInstance(ctx, wi.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != taskflow.WorkflowQueued {
		t.Fatalf("status = %s, want untouched queued", got.Status)
	}
	rows, err := m.ListTaskInstances(ctx, TaskInstanceFilter{WorkflowInstance: &wi.ID})
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected no task instances after rollback, got %v, %v", rows, err)
	}
	events, err := m.ListEvents(ctx, &wi.ID, nil)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events after rollback, got %v, %v", events, err)
	}
}
