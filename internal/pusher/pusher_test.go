package pusher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskflowhq/taskflow/internal/clock"
	"github.com/taskflowhq/taskflow/internal/store"
	"github.com/taskflowhq/taskflow/internal/taskflow"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

// fakeWorker records batches and serves canned results.
type fakeWorker struct {
	pushErr     error
	instanceErr map[int64]string
	pushData    map[string]any
	pushed      [][]*taskflow.TaskInstance

	syncErr error
	reports []SyncReport
	synced  [][]*taskflow.TaskInstance
}

func (f *fakeWorker) PushTaskInstances(ctx context.Context, batch []*taskflow.TaskInstance) ([]PushResult, error) {
	f.pushed = append(f.pushed, batch)
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	var out []PushResult
	for _, ti := range batch {
		if msg, ok := f.instanceErr[ti.ID]; ok {
			out = append(out, PushResult{TaskInstance: ti.ID, Error: msg})
			continue
		}
		out = append(out, PushResult{TaskInstance: ti.ID, PushData: f.pushData})
	}
	return out, nil
}

func (f *fakeWorker) SyncTaskInstanceStates(ctx context.Context, batch []*taskflow.TaskInstance) ([]SyncReport, error) {
	f.synced = append(f.synced, batch)
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return f.reports, nil
}

func testRegistry(t *testing.T, m *store.Memory) *taskflow.Registry {
	t.Helper()
	registry := taskflow.NewRegistry()
	for name, dest := range map[string]string{
		"cleanup": "remote",
		"report":  "other",
	} {
		if err := registry.AddTask(&taskflow.Task{
			Name:            name,
			Active:          true,
			PushDestination: dest,
		}); err != nil {
			t.Fatalf("add task: %v", err)
		}
	}
	if err := registry.Persist(context.Background(), m); err != nil {
		t.Fatalf("persist definitions: %v", err)
	}
	return registry
}

func newTestPusher(t *testing.T, m *store.Memory, registry *taskflow.Registry, now time.Time) *Pusher {
	t.Helper()
	return New(m, registry, clock.Fixed(now))
}

func seedQueued(t *testing.T, m *store.Memory, task string, runAt time.Time) *taskflow.TaskInstance {
	t.Helper()
	ti := &taskflow.TaskInstance{
		Task:   task,
		Push:   true,
		Status: taskflow.TaskQueued,
		RunAt:  runAt,
	}
	if err := m.CreateTaskInstance(context.Background(), ti); err != nil {
		t.Fatalf("seed task instance: %v", err)
	}
	return ti
}

func TestTick_DispatchSuccess(t *testing.T) {
	now := at("2017-06-03T07:00:00Z")
	m := store.NewMemory()
	registry := testRegistry(t, m)
	ctx := context.Background()

	ti := seedQueued(t, m, "cleanup", now.Add(-time.Minute))

	worker := &fakeWorker{pushData: map[string]any{"job_id": "abc"}}
	p := newTestPusher(t, m, registry, now)
	p.RegisterWorker("remote", worker)

	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	got, err := m.GetTaskInstance(ctx, ti.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != taskflow.TaskPushed {
		t.Fatalf("status = %s, want pushed", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if got.PushData["job_id"] != "abc" {
		t.Fatalf("push_data = %v, want worker payload", got.PushData)
	}
	if got.LockedBy != "" || got.LockedAt != nil {
		t.Fatal("expected claim stamp to be cleared")
	}

	events, err := m.ListEvents(ctx, nil, &ti.ID)
	if err != nil || len(events) == 0 || events[len(events)-1].Event != taskflow.EventTaskPushed {
		t.Fatalf("expected task_pushed event, got %v, %v", events, err)
	}
}

func TestTick_DispatchGroupsByDestination(t *testing.T) {
	now := at("2017-06-03T07:00:00Z")
	m := store.NewMemory()
	registry := testRegistry(t, m)

	seedQueued(t, m, "cleanup", now.Add(-time.Minute))
	seedQueued(t, m, "report", now.Add(-time.Minute))

	remote := &fakeWorker{}
	other := &fakeWorker{}
	p := newTestPusher(t, m, registry, now)
	p.RegisterWorker("remote", remote)
	p.RegisterWorker("other", other)

	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if len(remote.pushed) != 1 || len(remote.pushed[0]) != 1 || remote.pushed[0][0].Task != "cleanup" {
		t.Fatalf("remote worker saw %v, want only cleanup", remote.pushed)
	}
	if len(other.pushed) != 1 || len(other.pushed[0]) != 1 || other.pushed[0][0].Task != "report" {
		t.Fatalf("other worker saw %v, want only report", other.pushed)
	}
}

func TestTick_FutureInstancesAreNotDispatched(t *testing.T) {
	now := at("2017-06-03T07:00:00Z")
	m := store.NewMemory()
	registry := testRegistry(t, m)

	seedQueued(t, m, "cleanup", now.Add(time.Hour))

	worker := &fakeWorker{}
	p := newTestPusher(t, m, registry, now)
	p.RegisterWorker("remote", worker)

	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(worker.pushed) != 0 {
		t.Fatalf("expected no dispatch for future run_at, got %v", worker.pushed)
	}
}

func TestTick_DispatchFailureRequeuesThenFails(t *testing.T) {
	now := at("2017-06-03T07:00:00Z")
	m := store.NewMemory()
	registry := testRegistry(t, m)
	ctx := context.Background()

	ti := seedQueued(t, m, "cleanup", now.Add(-time.Minute))

	worker := &fakeWorker{pushErr: errors.New("connection refused")}
	p := newTestPusher(t, m, registry, now)
	p.RegisterWorker("remote", worker)

	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	got, _ := m.GetTaskInstance(ctx, ti.ID)
	if got.Status != taskflow.TaskQueued {
		t.Fatalf("status = %s, want requeued", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if want := now.Add(retryDelay); !got.RunAt.Equal(want) {
		t.Fatalf("run_at = %s, want retry delay %s", got.RunAt, want)
	}

	// Second failed attempt exhausts max_retries+1 and fails the instance.
	later := now.Add(retryDelay + time.Second)
	p2 := newTestPusher(t, m, registry, later)
	p2.RegisterWorker("remote", worker)
	if err := p2.Tick(ctx); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}

	got, _ = m.GetTaskInstance(ctx, ti.ID)
	if got.Status != taskflow.TaskFailed {
		t.Fatalf("status = %s, want failed after exhaustion", got.Status)
	}
	if got.EndedAt == nil {
		t.Fatal("expected ended_at on failure")
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", got.Attempts)
	}
}

func TestTick_PerInstanceFailureDoesNotAbortBatch(t *testing.T) {
	now := at("2017-06-03T07:00:00Z")
	m := store.NewMemory()
	registry := testRegistry(t, m)
	ctx := context.Background()

	ok := seedQueued(t, m, "cleanup", now.Add(-2*time.Minute))
	bad := seedQueued(t, m, "cleanup", now.Add(-time.Minute))

	worker := &fakeWorker{instanceErr: map[int64]string{bad.ID: "boom"}}
	p := newTestPusher(t, m, registry, now)
	p.RegisterWorker("remote", worker)

	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	gotOK, _ := m.GetTaskInstance(ctx, ok.ID)
	if gotOK.Status != taskflow.TaskPushed {
		t.Fatalf("healthy instance = %s, want pushed", gotOK.Status)
	}
	gotBad, _ := m.GetTaskInstance(ctx, bad.ID)
	if gotBad.Status != taskflow.TaskQueued || gotBad.Attempts != 1 {
		t.Fatalf("failing instance = %s attempts=%d, want requeued once", gotBad.Status, gotBad.Attempts)
	}
}

func TestTick_MissingWorkerCountsAsFailedAttempt(t *testing.T) {
	now := at("2017-06-03T07:00:00Z")
	m := store.NewMemory()
	registry := testRegistry(t, m)
	ctx := context.Background()

	ti := seedQueued(t, m, "cleanup", now.Add(-time.Minute))

	p := newTestPusher(t, m, registry, now) // no worker registered
	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	got, _ := m.GetTaskInstance(ctx, ti.ID)
	if got.Status != taskflow.TaskQueued || got.Attempts != 1 {
		t.Fatalf("instance = %s attempts=%d, want requeued once", got.Status, got.Attempts)
	}

	events, err := m.ListEvents(ctx, nil, &ti.ID)
	if err != nil || len(events) == 0 || events[0].Event != taskflow.EventPushFailure {
		t.Fatalf("expected push_failure event, got %v, %v", events, err)
	}
}

func TestTick_SyncAppliesRunning(t *testing.T) {
	now := at("2017-06-03T07:00:00Z")
	m := store.NewMemory()
	registry := testRegistry(t, m)
	ctx := context.Background()

	ti := seedQueued(t, m, "cleanup", now)
	ti.Status = taskflow.TaskPushed
	ti.Attempts = 1
	if err := m.UpdateTaskInstance(ctx, ti); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	started := now.Add(-30 * time.Second)
	worker := &fakeWorker{reports: []SyncReport{
		{TaskInstance: ti.ID, Status: taskflow.TaskRunning, StartedAt: &started},
	}}
	p := newTestPusher(t, m, registry, now)
	p.RegisterWorker("remote", worker)

	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	got, _ := m.GetTaskInstance(ctx, ti.ID)
	if got.Status != taskflow.TaskRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("started_at = %v, want worker-reported %s", got.StartedAt, started)
	}
}

func TestTick_SyncTerminalDoesNotTouchWorkflowInstance(t *testing.T) {
	now := at("2017-06-03T07:00:00Z")
	m := store.NewMemory()
	registry := taskflow.NewRegistry()
	wf, err := taskflow.NewWorkflow("daily_etl").
		Active(true).
		AddTask(&taskflow.Task{Name: "task1", Active: true, PushDestination: "remote"}).
		Build()
	if err != nil {
		t.Fatalf("build workflow: %v", err)
	}
	registry.AddWorkflow(wf)
	if err := registry.Persist(context.Background(), m); err != nil {
		t.Fatalf("persist definitions: %v", err)
	}
	ctx := context.Background()

	wi := &taskflow.WorkflowInstance{Workflow: "daily_etl", Scheduled: true, Status: taskflow.WorkflowRunning, RunAt: now}
	if err := m.CreateWorkflowInstance(ctx, wi); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	ti := &taskflow.TaskInstance{
		Task:             "task1",
		WorkflowInstance: &wi.ID,
		Push:             true,
		Status:           taskflow.TaskRunning,
		RunAt:            now,
	}
	if err := m.CreateTaskInstance(ctx, ti); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	worker := &fakeWorker{reports: []SyncReport{
		{TaskInstance: ti.ID, Status: taskflow.TaskSuccess},
	}}
	p := newTestPusher(t, m, registry, now)
	p.RegisterWorker("remote", worker)

	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	gotTask, _ := m.GetTaskInstance(ctx, ti.ID)
	if gotTask.Status != taskflow.TaskSuccess || gotTask.EndedAt == nil {
		t.Fatalf("task = %s ended=%v, want success with ended_at", gotTask.Status, gotTask.EndedAt)
	}
	// The scheduler, not the pusher, moves the workflow instance.
	gotRun, _ := m.GetWorkflowInstance(ctx, wi.ID)
	if gotRun.Status != taskflow.WorkflowRunning {
		t.Fatalf("workflow status = %s, want untouched running", gotRun.Status)
	}

	events, err := m.ListEvents(ctx, nil, &ti.ID)
	if err != nil || len(events) == 0 || events[len(events)-1].Event != taskflow.EventTaskFinished {
		t.Fatalf("expected task_finished event, got %v, %v", events, err)
	}
}

func TestTick_SyncRejectsBackwardTransition(t *testing.T) {
	now := at("2017-06-03T07:00:00Z")
	m := store.NewMemory()
	registry := testRegistry(t, m)
	ctx := context.Background()

	ti := seedQueued(t, m, "cleanup", now)
	ti.Status = taskflow.TaskRunning
	started := now.Add(-time.Minute)
	ti.StartedAt = &started
	ti.Attempts = 1
	if err := m.UpdateTaskInstance(ctx, ti); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	// A report of queued would put the row back into the claim pool and
	// dispatch it a second time.
	worker := &fakeWorker{reports: []SyncReport{
		{TaskInstance: ti.ID, Status: taskflow.TaskQueued},
	}}
	p := newTestPusher(t, m, registry, now)
	p.RegisterWorker("remote", worker)

	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	got, _ := m.GetTaskInstance(ctx, ti.ID)
	if got.Status != taskflow.TaskRunning {
		t.Fatalf("status = %s, want unchanged running", got.Status)
	}
	events, err := m.ListEvents(ctx, nil, &ti.ID)
	if err != nil || len(events) == 0 || events[len(events)-1].Event != taskflow.EventInvariantViolation {
		t.Fatalf("expected invariant_violation event, got %v, %v", events, err)
	}
}

func TestTick_SyncRejectsTerminalReversal(t *testing.T) {
	now := at("2017-06-03T07:00:00Z")
	m := store.NewMemory()
	registry := testRegistry(t, m)
	ctx := context.Background()

	ti := seedQueued(t, m, "cleanup", now)
	ti.Status = taskflow.TaskFailed
	ended := now.Add(-time.Minute)
	ti.EndedAt = &ended
	if err := m.UpdateTaskInstance(ctx, ti); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	// Terminal instances are not syncable; reach applyReport directly.
	p := newTestPusher(t, m, registry, now)
	if err := p.applyReport(ctx, ti, SyncReport{TaskInstance: ti.ID, Status: taskflow.TaskRunning}, now); err != nil {
		t.Fatalf("applyReport failed: %v", err)
	}

	got, _ := m.GetTaskInstance(ctx, ti.ID)
	if got.Status != taskflow.TaskFailed {
		t.Fatalf("status = %s, want terminal failed", got.Status)
	}
	events, err := m.ListEvents(ctx, nil, &ti.ID)
	if err != nil || len(events) == 0 || events[len(events)-1].Event != taskflow.EventInvariantViolation {
		t.Fatalf("expected invariant_violation event, got %v, %v", events, err)
	}
}

func TestTick_ZeroRetryTaskFailsOnFirstError(t *testing.T) {
	now := at("2017-06-03T07:00:00Z")
	m := store.NewMemory()
	registry := taskflow.NewRegistry()
	if err := registry.AddTask(&taskflow.Task{
		Name:            "oneshot",
		Active:          true,
		PushDestination: "remote",
		MaxRetries:      taskflow.Retries(0),
	}); err != nil {
		t.Fatalf("add task: %v", err)
	}
	if err := registry.Persist(context.Background(), m); err != nil {
		t.Fatalf("persist definitions: %v", err)
	}
	ctx := context.Background()

	ti := seedQueued(t, m, "oneshot", now.Add(-time.Minute))

	worker := &fakeWorker{pushErr: errors.New("connection refused")}
	p := newTestPusher(t, m, registry, now)
	p.RegisterWorker("remote", worker)

	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	got, _ := m.GetTaskInstance(ctx, ti.ID)
	if got.Status != taskflow.TaskFailed {
		t.Fatalf("status = %s, want failed with no retries", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
}

func TestTick_SyncRejectsUnknownStatus(t *testing.T) {
	now := at("2017-06-03T07:00:00Z")
	m := store.NewMemory()
	registry := testRegistry(t, m)
	ctx := context.Background()

	ti := seedQueued(t, m, "cleanup", now)
	ti.Status = taskflow.TaskPushed
	if err := m.UpdateTaskInstance(ctx, ti); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	worker := &fakeWorker{reports: []SyncReport{
		{TaskInstance: ti.ID, Status: taskflow.TaskStatus("exploded")},
	}}
	p := newTestPusher(t, m, registry, now)
	p.RegisterWorker("remote", worker)

	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	got, _ := m.GetTaskInstance(ctx, ti.ID)
	if got.Status != taskflow.TaskPushed {
		t.Fatalf("status = %s, want unchanged pushed", got.Status)
	}
	events, err := m.ListEvents(ctx, nil, &ti.ID)
	if err != nil || len(events) == 0 || events[len(events)-1].Event != taskflow.EventInvariantViolation {
		t.Fatalf("expected invariant_violation event, got %v, %v", events, err)
	}
}

func TestTick_SyncWorkerErrorLeavesInstancesUntouched(t *testing.T) {
	now := at("2017-06-03T07:00:00Z")
	m := store.NewMemory()
	registry := testRegistry(t, m)
	ctx := context.Background()

	ti := seedQueued(t, m, "cleanup", now)
	ti.Status = taskflow.TaskPushed
	if err := m.UpdateTaskInstance(ctx, ti); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	worker := &fakeWorker{syncErr: errors.New("timeout")}
	p := newTestPusher(t, m, registry, now)
	p.RegisterWorker("remote", worker)

	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	got, _ := m.GetTaskInstance(ctx, ti.ID)
	if got.Status != taskflow.TaskPushed {
		t.Fatalf("status = %s, want unchanged", got.Status)
	}
}
