package taskflow

import (
	"testing"
	"time"
)

func buildDiamond(t *testing.T) *Workflow {
	t.Helper()
	wf, err := NewWorkflow("daily_etl").
		Active(true).
		Schedule("0 6 * * *").
		AddTask(&Task{Name: "task1", Active: true}).
		AddTask(&Task{Name: "task2", Active: true}).
		AddTask(&Task{Name: "task3", Active: true}, "task1", "task2").
		AddTask(&Task{Name: "task4", Active: true}, "task3").
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return wf
}

func TestBuilder_Diamond(t *testing.T) {
	wf := buildDiamond(t)

	if !wf.Recurring() {
		t.Fatal("expected workflow to be recurring")
	}
	if len(wf.Tasks()) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(wf.Tasks()))
	}
	if wf.Task("task3") == nil || wf.Task("task3").Workflow != "daily_etl" {
		t.Fatal("expected task3 to be owned by daily_etl")
	}

	graph := wf.DependencyGraph()
	if !graph["task3"]["task1"] || !graph["task3"]["task2"] || !graph["task4"]["task3"] {
		t.Fatalf("unexpected dependency graph: %v", graph)
	}
}

func TestBuilder_AppliesTaskDefaults(t *testing.T) {
	wf := buildDiamond(t)
	task := wf.Task("task1")
	if task.RetryLimit() != DefaultMaxRetries {
		t.Fatalf("max retries = %d, want %d", task.RetryLimit(), DefaultMaxRetries)
	}
	if task.Timeout != DefaultTaskTimeout {
		t.Fatalf("timeout = %s, want %s", task.Timeout, DefaultTaskTimeout)
	}
}

func TestBuilder_KeepsExplicitZeroRetries(t *testing.T) {
	wf, err := NewWorkflow("wf").
		AddTask(&Task{Name: "a", MaxRetries: Retries(0)}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	// Zero means the first unsuccessful attempt is final; it must not be
	// coerced to the default.
	if got := wf.Task("a").RetryLimit(); got != 0 {
		t.Fatalf("retry limit = %d, want explicit 0", got)
	}
}

func TestBuilder_RejectsNegativeRetries(t *testing.T) {
	_, err := NewWorkflow("wf").
		AddTask(&Task{Name: "a", MaxRetries: Retries(-1)}).
		Build()
	if err == nil {
		t.Fatal("expected error for negative max_retries")
	}
}

func TestBuilder_RejectsDuplicateTask(t *testing.T) {
	_, err := NewWorkflow("wf").
		AddTask(&Task{Name: "a"}).
		AddTask(&Task{Name: "a"}).
		Build()
	if err == nil {
		t.Fatal("expected error for duplicate task")
	}
}

func TestBuilder_RejectsUnknownDependency(t *testing.T) {
	_, err := NewWorkflow("wf").
		AddTask(&Task{Name: "a"}, "ghost").
		Build()
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestBuilder_RejectsCycle(t *testing.T) {
	_, err := NewWorkflow("wf").
		AddTask(&Task{Name: "a"}, "b").
		AddTask(&Task{Name: "b"}, "a").
		Build()
	if err == nil {
		t.Fatal("expected error for dependency cycle")
	}
}

func TestBuilder_RejectsEmptyName(t *testing.T) {
	if _, err := NewWorkflow("").Build(); err == nil {
		t.Fatal("expected error for empty workflow name")
	}
}

func TestWorkflow_InWindow(t *testing.T) {
	start := time.Date(2017, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2017, 6, 30, 0, 0, 0, 0, time.UTC)
	wf, err := NewWorkflow("windowed").
		Window(start, end).
		AddTask(&Task{Name: "a"}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if wf.InWindow(start.Add(-time.Hour)) {
		t.Fatal("expected before start_date to be out of window")
	}
	if !wf.InWindow(start) {
		t.Fatal("expected start_date to be inclusive")
	}
	if !wf.InWindow(end) {
		t.Fatal("expected end_date to be inclusive")
	}
	if wf.InWindow(end.Add(time.Hour)) {
		t.Fatal("expected after end_date to be out of window")
	}
}
