package main

import (
	"time"

	"github.com/taskflowhq/taskflow/internal/taskflow"
)

// buildRegistry declares the workflow and task catalog this deployment runs.
// Definitions live in code; only their active flags are mutable at runtime
// through the admin API.
func buildRegistry() (*taskflow.Registry, error) {
	registry := taskflow.NewRegistry()

	etl, err := taskflow.NewWorkflow("daily_etl").
		Active(true).
		Title("Daily ETL").
		Description("Extracts the previous day, transforms per domain, loads the warehouse.").
		Schedule("0 6 * * *").
		SLA(2 * time.Hour).
		AddTask(&taskflow.Task{
			Name:            "extract",
			Active:          true,
			PushDestination: "default",
			Fn:              "etl.extract",
		}).
		AddTask(&taskflow.Task{
			Name:            "transform_users",
			Active:          true,
			PushDestination: "default",
			Fn:              "etl.transform_users",
		}, "extract").
		AddTask(&taskflow.Task{
			Name:            "transform_orders",
			Active:          true,
			PushDestination: "default",
			Fn:              "etl.transform_orders",
		}, "extract").
		AddTask(&taskflow.Task{
			Name:            "load_warehouse",
			Active:          true,
			MaxRetries:      taskflow.Retries(3),
			Timeout:         20 * time.Minute,
			PushDestination: "default",
			Fn:              "etl.load_warehouse",
		}, "transform_users", "transform_orders").
		AddTask(&taskflow.Task{
			Name:            "publish_report",
			Active:          true,
			Priority:        5,
			PushDestination: "default",
			Fn:              "etl.publish_report",
		}, "load_warehouse").
		Build()
	if err != nil {
		return nil, err
	}
	registry.AddWorkflow(etl)

	if err := registry.AddTask(&taskflow.Task{
		Name:            "cleanup_tmp",
		Active:          true,
		Schedule:        "30 * * * *",
		Timeout:         10 * time.Minute,
		PushDestination: "default",
		Fn:              "ops.cleanup_tmp",
	}); err != nil {
		return nil, err
	}

	return registry, nil
}
