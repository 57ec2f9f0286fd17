// Package scheduler implements the periodic loop that turns workflow and
// task declarations into concrete runs: it fires recurring workflows from
// their cron schedules, starts queued workflow instances whose run_at has
// passed, advances running instances layer by layer, and schedules
// free-standing recurring tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskflowhq/taskflow/internal/clock"
	"github.com/taskflowhq/taskflow/internal/cronsched"
	"github.com/taskflowhq/taskflow/internal/dag"
	"github.com/taskflowhq/taskflow/internal/metrics"
	"github.com/taskflowhq/taskflow/internal/store"
	"github.com/taskflowhq/taskflow/internal/taskflow"
)

// ErrMisconfigured marks workflows and tasks the scheduler cannot act on:
// unparseable schedules, cyclic dependency graphs, unknown definitions.
// The affected entry is skipped for the tick; others continue.
var ErrMisconfigured = errors.New("misconfigured")

// DefaultInterval is the tick cadence when none is configured.
const DefaultInterval = 5 * time.Second

const (
	maxTransientRetries = 3
	transientBackoff    = 250 * time.Millisecond
)

// Scheduler drives one scheduling loop. All collaborators are explicit:
// the store, the definition registry, and the clock.
type Scheduler struct {
	store    store.Store
	registry *taskflow.Registry
	clock    clock.Clock
}

// New creates a Scheduler.
func New(st store.Store, registry *taskflow.Registry, clk clock.Clock) *Scheduler {
	return &Scheduler{store: st, registry: registry, clock: clk}
}

// Run ticks until ctx is cancelled. A tick that fails is logged and the
// loop sleeps until the next period; cancellation is honored between ticks.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("scheduler: started", "interval", interval)
	for {
		if err := s.Tick(ctx); err != nil {
			slog.Error("scheduler: tick failed", "err", err)
			metrics.SchedulerTicks.WithLabelValues("error").Inc()
		} else {
			metrics.SchedulerTicks.WithLabelValues("ok").Inc()
		}

		select {
		case <-ctx.Done():
			slog.Info("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one scheduling pass: recurring workflow firing, due
// instance advancement, then standalone recurring tasks. Transient store
// errors are retried with backoff; when retries are exhausted the tick is
// abandoned and the error returned.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()

	s.registry.Refresh(ctx, s.store)

	// (A) Recurring workflow firing.
	for _, wf := range s.registry.Workflows() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !wf.Active || !wf.Recurring() {
			continue
		}
		err := s.withRetry(ctx, func() error { return s.scheduleRecurring(ctx, wf, now) })
		if errors.Is(err, ErrMisconfigured) {
			slog.Warn("scheduler: skipping misconfigured workflow", "workflow", wf.Name, "err", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("schedule workflow %s: %w", wf.Name, err)
		}
	}

	// (B) Queued workflow instances whose run_at has passed.
	due, err := s.listDue(ctx, now)
	if err != nil {
		return fmt.Errorf("list due instances: %w", err)
	}
	for _, wi := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.withRetry(ctx, func() error { return s.advance(ctx, wi.ID, now) })
		if errors.Is(err, ErrMisconfigured) {
			slog.Warn("scheduler: skipping misconfigured instance", "workflow", wi.Workflow, "instance", wi.ID, "err", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("advance instance %d: %w", wi.ID, err)
		}
	}

	// (D) Free-standing recurring tasks.
	for _, task := range s.registry.Tasks() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !task.Active || !task.Recurring() {
			continue
		}
		err := s.withRetry(ctx, func() error { return s.scheduleStandalone(ctx, task, now) })
		if errors.Is(err, ErrMisconfigured) {
			slog.Warn("scheduler: skipping misconfigured task", "task", task.Name, "err", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("schedule task %s: %w", task.Name, err)
		}
	}

	return nil
}

func (s *Scheduler) listDue(ctx context.Context, now time.Time) ([]*taskflow.WorkflowInstance, error) {
	var due []*taskflow.WorkflowInstance
	err := s.withRetry(ctx, func() error {
		var err error
		due, err = s.store.ListDueWorkflowInstances(ctx, now)
		return err
	})
	return due, err
}

// scheduleRecurring applies the cron firing rule to one workflow.
func (s *Scheduler) scheduleRecurring(ctx context.Context, wf *taskflow.Workflow, now time.Time) error {
	latest, err := s.store.LatestScheduledWorkflowInstance(ctx, wf.Name)
	if err != nil {
		return err
	}

	// A run in flight takes priority over firing the next slot.
	if latest != nil && latest.Status == taskflow.WorkflowRunning {
		return s.advance(ctx, latest.ID, now)
	}

	expr, err := cronsched.Parse(wf.Schedule)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}

	var nextRun time.Time
	if latest == nil {
		nextRun = expr.Next(now)
	} else {
		nextRun = expr.Next(latest.RunAt)
		// Catch-up: when slots were missed, fire once at the most recent
		// missed slot rather than replaying every one.
		if prev := expr.Prev(now); prev.After(nextRun) {
			nextRun = prev
		}
	}

	if !wf.InWindow(nextRun) {
		return nil
	}

	if latest != nil && !latest.Status.Terminal() {
		// Still queued for a future or current slot; nothing to fire.
		return nil
	}

	wi := &taskflow.WorkflowInstance{
		Workflow:  wf.Name,
		Scheduled: true,
		Status:    taskflow.WorkflowQueued,
		RunAt:     nextRun,
	}
	if err := s.store.CreateWorkflowInstance(ctx, wi); err != nil {
		return err
	}
	metrics.WorkflowInstancesCreated.Inc()
	s.event(ctx, &taskflow.TaskflowEvent{
		WorkflowInstance: &wi.ID,
		Timestamp:        now,
		Event:            taskflow.EventWorkflowQueued,
		Message:          fmt.Sprintf("workflow %s queued for %s", wf.Name, nextRun.Format(time.RFC3339)),
	})
	slog.Info("scheduler: queued recurring workflow", "workflow", wf.Name, "run_at", nextRun)

	// Fire immediately when the slot is already due; otherwise step (B)
	// picks the instance up once run_at passes.
	if !nextRun.After(now) {
		return s.advance(ctx, wi.ID, now)
	}
	return nil
}

// advance performs task-layer advancement for one workflow instance inside
// a single store transaction holding the instance row lock.
func (s *Scheduler) advance(ctx context.Context, id int64, now time.Time) error {
	return s.store.AdvanceWorkflowInstance(ctx, id, func(tx store.AdvanceTx, wi *taskflow.WorkflowInstance) error {
		if wi.Status.Terminal() {
			return nil
		}

		wf := s.registry.GetWorkflow(wi.Workflow)
		if wf == nil {
			return fmt.Errorf("%w: unknown workflow %q", ErrMisconfigured, wi.Workflow)
		}
		layers, err := dag.Layers(wf.DependencyGraph())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMisconfigured, err)
		}

		existing, err := tx.TaskInstancesForRun(ctx)
		if err != nil {
			return err
		}
		statuses := make(map[string]taskflow.TaskStatus, len(existing))
		for name, ti := range existing {
			if !ti.Status.Known() {
				ev := &taskflow.TaskflowEvent{
					WorkflowInstance: &wi.ID,
					TaskInstance:     &ti.ID,
					Timestamp:        now,
					Event:            taskflow.EventInvariantViolation,
					Message:          fmt.Sprintf("task %s has unknown status %q", name, ti.Status),
				}
				if err := tx.AppendEvent(ctx, ev); err != nil {
					return err
				}
				return fmt.Errorf("task %s: unknown status %q", name, ti.Status)
			}
			statuses[name] = ti.Status
		}

		res := dag.Resolve(layers, statuses)

		for _, name := range res.ToQueue {
			task := wf.Task(name)
			if task == nil {
				return fmt.Errorf("%w: workflow %s has no task %q", ErrMisconfigured, wf.Name, name)
			}
			ti := &taskflow.TaskInstance{
				Task:             name,
				WorkflowInstance: &wi.ID,
				Scheduled:        wi.Scheduled,
				Push:             task.Pushed(),
				Status:           taskflow.TaskQueued,
				Priority:         task.Priority,
				RunAt:            now,
				Attempts:         0,
				Params:           task.Params,
			}
			if err := tx.InsertTaskInstance(ctx, ti); err != nil {
				return err
			}
			metrics.TaskInstancesQueued.Inc()
			ev := &taskflow.TaskflowEvent{
				WorkflowInstance: &wi.ID,
				TaskInstance:     &ti.ID,
				Timestamp:        now,
				Event:            taskflow.EventTaskQueued,
				Message:          fmt.Sprintf("task %s queued", name),
			}
			if err := tx.AppendEvent(ctx, ev); err != nil {
				return err
			}
		}

		return s.transition(ctx, tx, wi, res, now)
	})
}

// transition applies the resolver verdict to the workflow instance status.
// Terminal statuses are set at most once; an unchanged instance is not
// written back.
func (s *Scheduler) transition(ctx context.Context, tx store.AdvanceTx, wi *taskflow.WorkflowInstance, res dag.Resolution, now time.Time) error {
	changed := false
	var events []string

	switch res.Verdict {
	case dag.VerdictRunning:
		if wi.Status == taskflow.WorkflowQueued {
			wi.Status = taskflow.WorkflowRunning
			wi.StartedAt = &now
			changed = true
			events = append(events, taskflow.EventWorkflowStarted)
		}
	case dag.VerdictSuccess:
		// A run can resolve terminal straight from queued when every task
		// already finished; it still gets a started_at.
		if wi.StartedAt == nil {
			wi.StartedAt = &now
		}
		wi.Status = taskflow.WorkflowSuccess
		wi.EndedAt = &now
		changed = true
		events = append(events, taskflow.EventWorkflowSuccess)
	case dag.VerdictFailed:
		if wi.StartedAt == nil {
			wi.StartedAt = &now
		}
		wi.Status = taskflow.WorkflowFailed
		wi.EndedAt = &now
		changed = true
		events = append(events, taskflow.EventWorkflowFailed)
	}

	if !changed {
		return nil
	}
	if err := tx.UpdateWorkflowInstance(ctx, wi); err != nil {
		return err
	}
	for _, tag := range events {
		ev := &taskflow.TaskflowEvent{
			WorkflowInstance: &wi.ID,
			Timestamp:        now,
			Event:            tag,
			Message:          fmt.Sprintf("workflow %s is %s", wi.Workflow, wi.Status),
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
	}
	slog.Info("scheduler: workflow instance transitioned",
		"workflow", wi.Workflow, "instance", wi.ID, "status", wi.Status)
	return nil
}

// event appends an audit event outside a transaction; failures are logged,
// not propagated, because audit must never stall scheduling.
func (s *Scheduler) event(ctx context.Context, ev *taskflow.TaskflowEvent) {
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		slog.Warn("scheduler: append event failed", "event", ev.Event, "err", err)
	}
}

// withRetry retries transient store failures with exponential backoff, up
// to a small cap within the current tick.
func (s *Scheduler) withRetry(ctx context.Context, op func() error) error {
	backoff := transientBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || !store.IsTransient(err) || attempt >= maxTransientRetries {
			return err
		}
		slog.Warn("scheduler: transient store error, backing off", "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
