package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskflowhq/taskflow/internal/cronsched"
	"github.com/taskflowhq/taskflow/internal/metrics"
	"github.com/taskflowhq/taskflow/internal/taskflow"
)

// scheduleStandalone applies the recurring rule to one free-standing task:
// time out overdue instances (inserting a retry when attempts remain), then
// fire the next slot when the concurrency cap allows.
func (s *Scheduler) scheduleStandalone(ctx context.Context, task *taskflow.Task, now time.Time) error {
	if err := s.sweepTimeouts(ctx, task, now); err != nil {
		return err
	}

	expr, err := cronsched.Parse(task.Schedule)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}

	latest, err := s.store.LatestScheduledTaskInstance(ctx, task.Name)
	if err != nil {
		return err
	}

	// Unlike workflows, standalone instances are only materialized once due,
	// so the first fire bootstraps from the most recent past slot.
	var nextRun time.Time
	if latest == nil {
		nextRun = expr.Prev(now)
		if nextRun.IsZero() {
			return nil
		}
	} else {
		nextRun = expr.Next(latest.RunAt)
		if prev := expr.Prev(now); prev.After(nextRun) {
			nextRun = prev
		}
	}

	if task.StartDate != nil && nextRun.Before(*task.StartDate) {
		return nil
	}
	if task.EndDate != nil && nextRun.After(*task.EndDate) {
		return nil
	}

	if nextRun.After(now) {
		return nil
	}
	// Already fired for this slot.
	if latest != nil && !latest.RunAt.Before(nextRun) {
		return nil
	}

	concurrency := task.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	active, err := s.store.CountActiveTaskInstances(ctx, task.Name)
	if err != nil {
		return err
	}
	if active >= concurrency {
		slog.Info("scheduler: standalone task at concurrency cap",
			"task", task.Name, "active", active, "concurrency", concurrency)
		return nil
	}

	ti := &taskflow.TaskInstance{
		Task:      task.Name,
		Scheduled: true,
		Push:      task.Pushed(),
		Status:    taskflow.TaskQueued,
		Priority:  task.Priority,
		RunAt:     nextRun,
		Attempts:  0,
		Params:    task.Params,
	}
	if err := s.store.CreateTaskInstance(ctx, ti); err != nil {
		return err
	}
	metrics.TaskInstancesQueued.Inc()
	s.event(ctx, &taskflow.TaskflowEvent{
		TaskInstance: &ti.ID,
		Timestamp:    now,
		Event:        taskflow.EventTaskQueued,
		Message:      fmt.Sprintf("standalone task %s queued for %s", task.Name, nextRun.Format(time.RFC3339)),
	})
	slog.Info("scheduler: queued standalone task", "task", task.Name, "run_at", nextRun)
	return nil
}

// sweepTimeouts marks standalone instances that have been in flight longer
// than the task timeout as timed_out, and queues a retry while attempts
// remain. The timeout clock runs from started_at, falling back to run_at
// for instances that were dispatched but whose worker never reported a
// start. Queued instances belong to the pusher and are left alone.
func (s *Scheduler) sweepTimeouts(ctx context.Context, task *taskflow.Task, now time.Time) error {
	active, err := s.store.ListActiveStandaloneTaskInstances(ctx, task.Name)
	if err != nil {
		return err
	}
	for _, ti := range active {
		if ti.Status == taskflow.TaskQueued {
			continue
		}
		ref := ti.RunAt
		if ti.StartedAt != nil {
			ref = *ti.StartedAt
		}
		if now.Sub(ref) <= task.Timeout {
			continue
		}

		ti.Status = taskflow.TaskTimedOut
		ti.EndedAt = &now
		if err := s.store.UpdateTaskInstance(ctx, ti); err != nil {
			return err
		}
		s.event(ctx, &taskflow.TaskflowEvent{
			TaskInstance: &ti.ID,
			Timestamp:    now,
			Event:        taskflow.EventTaskTimedOut,
			Message:      fmt.Sprintf("task %s timed out after %s", task.Name, task.Timeout),
		})
		slog.Warn("scheduler: standalone task timed out",
			"task", task.Name, "instance", ti.ID, "attempts", ti.Attempts)

		if ti.Attempts >= task.RetryLimit()+1 {
			continue
		}
		retry := &taskflow.TaskInstance{
			Task:      task.Name,
			Scheduled: ti.Scheduled,
			Push:      ti.Push,
			Status:    taskflow.TaskQueued,
			Priority:  ti.Priority,
			RunAt:     now,
			Attempts:  ti.Attempts,
			Params:    ti.Params,
		}
		if err := s.store.CreateTaskInstance(ctx, retry); err != nil {
			return err
		}
		s.event(ctx, &taskflow.TaskflowEvent{
			TaskInstance: &retry.ID,
			Timestamp:    now,
			Event:        taskflow.EventTaskRetried,
			Message:      fmt.Sprintf("task %s requeued after timeout (attempt %d)", task.Name, ti.Attempts+1),
		})
	}
	return nil
}
