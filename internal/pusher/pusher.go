package pusher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskflowhq/taskflow/internal/clock"
	"github.com/taskflowhq/taskflow/internal/metrics"
	"github.com/taskflowhq/taskflow/internal/store"
	"github.com/taskflowhq/taskflow/internal/taskflow"
)

// DefaultInterval is the tick cadence when none is configured.
const DefaultInterval = 5 * time.Second

// DefaultBatchSize caps how many queued instances one tick claims.
const DefaultBatchSize = 100

const (
	defaultOpTimeout = 30 * time.Second

	// staleClaimAfter is how long a claim stamp holds before another pusher
	// may reclaim the row. Must comfortably exceed the batch deadline.
	staleClaimAfter = 5 * time.Minute

	retryDelay = 30 * time.Second

	maxTransientRetries = 3
	transientBackoff    = 250 * time.Millisecond
)

// Pusher claims queued push-style task instances, dispatches them to the
// registered worker for their destination, and reconciles worker-reported
// states back into the store. Multiple pusher processes may run against the
// same store; claim stamps partition the queue between them.
type Pusher struct {
	store     store.Store
	registry  *taskflow.Registry
	clock     clock.Clock
	workers   map[string]PushWorker
	id        string
	batchSize int
	opTimeout time.Duration
}

// New creates a Pusher with a unique claim identity.
func New(st store.Store, registry *taskflow.Registry, clk clock.Clock) *Pusher {
	return &Pusher{
		store:     st,
		registry:  registry,
		clock:     clk,
		workers:   make(map[string]PushWorker),
		id:        "pusher-" + uuid.NewString(),
		batchSize: DefaultBatchSize,
		opTimeout: defaultOpTimeout,
	}
}

// RegisterWorker binds a push destination to a worker. Task definitions
// select their worker through the push_destination field.
func (p *Pusher) RegisterWorker(destination string, w PushWorker) {
	p.workers[destination] = w
}

// SetBatchSize overrides the per-tick claim limit.
func (p *Pusher) SetBatchSize(n int) {
	if n > 0 {
		p.batchSize = n
	}
}

// Run ticks until ctx is cancelled.
func (p *Pusher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("pusher: started", "id", p.id, "interval", interval, "batch_size", p.batchSize)
	for {
		if err := p.Tick(ctx); err != nil {
			slog.Error("pusher: tick failed", "err", err)
			metrics.PusherTicks.WithLabelValues("error").Inc()
		} else {
			metrics.PusherTicks.WithLabelValues("ok").Inc()
		}

		select {
		case <-ctx.Done():
			slog.Info("pusher: stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one dispatch pass followed by one state-sync pass. A failure
// in either pass is reported but rows already claimed stay claimed; the
// stale-claim window returns them to the pool if this process dies.
func (p *Pusher) Tick(ctx context.Context) error {
	now := p.clock.Now()

	p.registry.Refresh(ctx, p.store)

	if err := p.dispatch(ctx, now); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if err := p.syncStates(ctx, now); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// dispatch claims due queued push instances and hands them to their workers,
// grouped by destination so each worker sees one batch per tick.
func (p *Pusher) dispatch(ctx context.Context, now time.Time) error {
	var claimed []*taskflow.TaskInstance
	err := p.withRetry(ctx, func() error {
		var err error
		claimed, err = p.store.ClaimPushableTaskInstances(ctx, p.id, now, p.batchSize, staleClaimAfter)
		return err
	})
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}
	slog.Debug("pusher: claimed task instances", "count", len(claimed))

	groups := make(map[string][]*taskflow.TaskInstance)
	var firstErr error
	for _, ti := range claimed {
		task := p.registry.GetTask(ti.Task)
		switch {
		case task == nil:
			if err := p.failDispatch(ctx, ti, now, "", fmt.Sprintf("unknown task definition %q", ti.Task)); err != nil && firstErr == nil {
				firstErr = err
			}
		case p.workers[task.PushDestination] == nil:
			if err := p.failDispatch(ctx, ti, now, task.PushDestination, fmt.Sprintf("no worker registered for destination %q", task.PushDestination)); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			groups[task.PushDestination] = append(groups[task.PushDestination], ti)
		}
	}

	for dest, batch := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.dispatchBatch(ctx, dest, batch, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pusher) dispatchBatch(ctx context.Context, dest string, batch []*taskflow.TaskInstance, now time.Time) error {
	worker := p.workers[dest]

	cctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	results, err := worker.PushTaskInstances(cctx, batch)
	cancel()
	if err != nil {
		slog.Warn("pusher: batch push failed", "destination", dest, "count", len(batch), "err", err)
		var firstErr error
		for _, ti := range batch {
			if ferr := p.failDispatch(ctx, ti, now, dest, err.Error()); ferr != nil && firstErr == nil {
				firstErr = ferr
			}
		}
		return firstErr
	}

	byID := make(map[int64]PushResult, len(results))
	for _, r := range results {
		byID[r.TaskInstance] = r
	}

	var firstErr error
	for _, ti := range batch {
		r, ok := byID[ti.ID]
		if !ok {
			r = PushResult{TaskInstance: ti.ID, Error: "worker returned no result for instance"}
		}
		if r.Error != "" {
			if err := p.failDispatch(ctx, ti, now, dest, r.Error); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}

		ti.Status = taskflow.TaskPushed
		ti.PushData = r.PushData
		ti.Attempts++
		ti.LockedBy = ""
		ti.LockedAt = nil
		if err := p.store.UpdateTaskInstance(ctx, ti); err != nil {
			slog.Warn("pusher: update after push failed", "instance", ti.ID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.TaskInstancesPushed.WithLabelValues(dest, "ok").Inc()
		p.event(ctx, &taskflow.TaskflowEvent{
			WorkflowInstance: ti.WorkflowInstance,
			TaskInstance:     &ti.ID,
			Timestamp:        now,
			Event:            taskflow.EventTaskPushed,
			Message:          fmt.Sprintf("task %s pushed to %s (attempt %d)", ti.Task, dest, ti.Attempts),
		})
	}
	return firstErr
}

// failDispatch records a failed dispatch attempt: the instance returns to
// queued with a retry delay while attempts remain, and fails permanently
// once they are spent.
func (p *Pusher) failDispatch(ctx context.Context, ti *taskflow.TaskInstance, now time.Time, dest, reason string) error {
	maxRetries := taskflow.DefaultMaxRetries
	if task := p.registry.GetTask(ti.Task); task != nil {
		maxRetries = task.RetryLimit()
	}

	ti.Attempts++
	ti.LockedBy = ""
	ti.LockedAt = nil

	p.event(ctx, &taskflow.TaskflowEvent{
		WorkflowInstance: ti.WorkflowInstance,
		TaskInstance:     &ti.ID,
		Timestamp:        now,
		Event:            taskflow.EventPushFailure,
		Message:          fmt.Sprintf("push of task %s failed: %s", ti.Task, reason),
	})

	if ti.Attempts >= maxRetries+1 {
		ti.Status = taskflow.TaskFailed
		ti.EndedAt = &now
		slog.Warn("pusher: task instance failed, retries exhausted",
			"task", ti.Task, "instance", ti.ID, "attempts", ti.Attempts, "reason", reason)
		p.event(ctx, &taskflow.TaskflowEvent{
			WorkflowInstance: ti.WorkflowInstance,
			TaskInstance:     &ti.ID,
			Timestamp:        now,
			Event:            taskflow.EventTaskFailed,
			Message:          fmt.Sprintf("task %s failed after %d attempts", ti.Task, ti.Attempts),
		})
	} else {
		ti.Status = taskflow.TaskQueued
		ti.RunAt = now.Add(retryDelay)
		slog.Warn("pusher: task instance requeued after failed push",
			"task", ti.Task, "instance", ti.ID, "attempts", ti.Attempts, "reason", reason)
		p.event(ctx, &taskflow.TaskflowEvent{
			WorkflowInstance: ti.WorkflowInstance,
			TaskInstance:     &ti.ID,
			Timestamp:        now,
			Event:            taskflow.EventTaskRetried,
			Message:          fmt.Sprintf("task %s requeued for retry at %s", ti.Task, ti.RunAt.Format(time.RFC3339)),
		})
	}

	metrics.TaskInstancesPushed.WithLabelValues(dest, "error").Inc()
	return p.store.UpdateTaskInstance(ctx, ti)
}

// syncStates polls workers for the state of in-flight instances and applies
// the reports. Terminal reports end the task instance only; the scheduler
// notices the change on its next advancement pass, so a finished task never
// mutates its workflow instance from here.
func (p *Pusher) syncStates(ctx context.Context, now time.Time) error {
	var inflight []*taskflow.TaskInstance
	err := p.withRetry(ctx, func() error {
		var err error
		inflight, err = p.store.ListSyncableTaskInstances(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if len(inflight) == 0 {
		return nil
	}

	groups := make(map[string][]*taskflow.TaskInstance)
	for _, ti := range inflight {
		task := p.registry.GetTask(ti.Task)
		if task == nil || p.workers[task.PushDestination] == nil {
			slog.Warn("pusher: cannot sync instance without worker", "task", ti.Task, "instance", ti.ID)
			continue
		}
		groups[task.PushDestination] = append(groups[task.PushDestination], ti)
	}

	var firstErr error
	for dest, batch := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.syncBatch(ctx, dest, batch, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pusher) syncBatch(ctx context.Context, dest string, batch []*taskflow.TaskInstance, now time.Time) error {
	worker := p.workers[dest]

	cctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	reports, err := worker.SyncTaskInstanceStates(cctx, batch)
	cancel()
	if err != nil {
		// Instances stay as they are; the next tick asks again.
		slog.Warn("pusher: state sync failed", "destination", dest, "count", len(batch), "err", err)
		return nil
	}

	byID := make(map[int64]*taskflow.TaskInstance, len(batch))
	for _, ti := range batch {
		byID[ti.ID] = ti
	}

	var firstErr error
	for _, rep := range reports {
		ti := byID[rep.TaskInstance]
		if ti == nil {
			slog.Warn("pusher: sync report for unknown instance", "destination", dest, "instance", rep.TaskInstance)
			continue
		}
		if err := p.applyReport(ctx, ti, rep, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// applyReport folds one worker state report into the local instance,
// enforcing the task state machine: unknown states, terminal reversals,
// and backward moves (above all back to queued, which would re-enter the
// claim pool) are rejected and recorded as invariant violations.
func (p *Pusher) applyReport(ctx context.Context, ti *taskflow.TaskInstance, rep SyncReport, now time.Time) error {
	if !rep.Status.Known() {
		p.event(ctx, &taskflow.TaskflowEvent{
			WorkflowInstance: ti.WorkflowInstance,
			TaskInstance:     &ti.ID,
			Timestamp:        now,
			Event:            taskflow.EventInvariantViolation,
			Message:          fmt.Sprintf("worker reported unknown status %q for task %s", rep.Status, ti.Task),
		})
		return nil
	}
	if rep.Status == ti.Status {
		return nil
	}
	if !ti.Status.CanTransition(rep.Status) {
		p.event(ctx, &taskflow.TaskflowEvent{
			WorkflowInstance: ti.WorkflowInstance,
			TaskInstance:     &ti.ID,
			Timestamp:        now,
			Event:            taskflow.EventInvariantViolation,
			Message:          fmt.Sprintf("worker reported %q for task %s in state %q", rep.Status, ti.Task, ti.Status),
		})
		return nil
	}

	switch rep.Status {
	case taskflow.TaskRunning:
		if ti.StartedAt == nil {
			if rep.StartedAt != nil {
				ti.StartedAt = rep.StartedAt
			} else {
				ti.StartedAt = &now
			}
		}
	case taskflow.TaskRetrying:
		// The worker restarts from scratch; drop the stale dispatch payload.
		ti.PushData = nil
	case taskflow.TaskSuccess, taskflow.TaskFailed, taskflow.TaskTimedOut:
		if ti.StartedAt == nil && rep.StartedAt != nil {
			ti.StartedAt = rep.StartedAt
		}
		if rep.EndedAt != nil {
			ti.EndedAt = rep.EndedAt
		} else {
			ti.EndedAt = &now
		}
	}
	ti.Status = rep.Status

	if err := p.store.UpdateTaskInstance(ctx, ti); err != nil {
		return err
	}
	metrics.TaskStateSyncs.WithLabelValues(string(rep.Status)).Inc()
	slog.Info("pusher: task instance state synced",
		"task", ti.Task, "instance", ti.ID, "status", ti.Status)

	var tag string
	switch rep.Status {
	case taskflow.TaskSuccess:
		tag = taskflow.EventTaskFinished
	case taskflow.TaskFailed:
		tag = taskflow.EventTaskFailed
	case taskflow.TaskTimedOut:
		tag = taskflow.EventTaskTimedOut
	default:
		return nil
	}
	msg := fmt.Sprintf("task %s is %s", ti.Task, ti.Status)
	if rep.Message != "" {
		msg += ": " + rep.Message
	}
	p.event(ctx, &taskflow.TaskflowEvent{
		WorkflowInstance: ti.WorkflowInstance,
		TaskInstance:     &ti.ID,
		Timestamp:        now,
		Event:            tag,
		Message:          msg,
	})
	return nil
}

// withRetry retries transient store failures with exponential backoff, up
// to a small cap within the current tick.
func (p *Pusher) withRetry(ctx context.Context, op func() error) error {
	backoff := transientBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || !store.IsTransient(err) || attempt >= maxTransientRetries {
			return err
		}
		slog.Warn("pusher: transient store error, backing off", "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// event appends an audit event; failures are logged, not propagated.
func (p *Pusher) event(ctx context.Context, ev *taskflow.TaskflowEvent) {
	if err := p.store.AppendEvent(ctx, ev); err != nil {
		slog.Warn("pusher: append event failed", "event", ev.Event, "err", err)
	}
}
