// Package metrics exposes Prometheus instrumentation for the scheduler and
// pusher loops. The collectors are registered on the default registry and
// served from the admin server's /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SchedulerTicks counts completed scheduler ticks by outcome.
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflow_scheduler_ticks_total",
		Help: "Completed scheduler ticks by outcome.",
	}, []string{"outcome"})

	// WorkflowInstancesCreated counts workflow instances materialized by the
	// recurring rule.
	WorkflowInstancesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskflow_workflow_instances_created_total",
		Help: "Workflow instances created by the recurring rule.",
	})

	// TaskInstancesQueued counts task instances queued by layer advancement
	// and standalone scheduling.
	TaskInstancesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskflow_task_instances_queued_total",
		Help: "Task instances queued.",
	})

	// PusherTicks counts completed pusher ticks by outcome.
	PusherTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflow_pusher_ticks_total",
		Help: "Completed pusher ticks by outcome.",
	}, []string{"outcome"})

	// TaskInstancesPushed counts dispatches by destination and result.
	TaskInstancesPushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflow_task_instances_pushed_total",
		Help: "Task instance dispatches by destination and result.",
	}, []string{"destination", "result"})

	// TaskStateSyncs counts state reports applied from push workers.
	TaskStateSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflow_task_state_syncs_total",
		Help: "Task instance state reports applied, by new status.",
	}, []string{"status"})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
