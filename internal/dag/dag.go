// Package dag computes layered topological orders over workflow dependency
// graphs and resolves which tasks a running workflow instance should queue
// next. Resolution is pure: callers apply the returned actions inside a
// store transaction.
package dag

import (
	"fmt"
	"sort"

	"github.com/taskflowhq/taskflow/internal/taskflow"
)

// Layers computes the layered topological order of a dependency graph
// (task name -> set of upstream task names). Layer 0 holds tasks with no
// dependencies; layer k+1 holds tasks whose dependencies all lie in layers
// 0..k. Names within a layer are sorted for determinism. Returns an error
// when the graph has a cycle.
func Layers(graph map[string]map[string]bool) ([][]string, error) {
	remaining := make(map[string]map[string]bool, len(graph))
	for name, deps := range graph {
		set := make(map[string]bool, len(deps))
		for dep := range deps {
			if _, ok := graph[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", name, dep)
			}
			set[dep] = true
		}
		remaining[name] = set
	}

	var layers [][]string
	for len(remaining) > 0 {
		var layer []string
		for name, deps := range remaining {
			if len(deps) == 0 {
				layer = append(layer, name)
			}
		}
		if len(layer) == 0 {
			return nil, fmt.Errorf("cycle detected in dependency graph")
		}
		sort.Strings(layer)
		for _, name := range layer {
			delete(remaining, name)
		}
		for _, deps := range remaining {
			for _, name := range layer {
				delete(deps, name)
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// Verdict is the overall state of a workflow run as seen by the resolver.
type Verdict string

const (
	VerdictRunning Verdict = "running"
	VerdictSuccess Verdict = "success"
	VerdictFailed  Verdict = "failed"
)

// Resolution is the outcome of resolving one workflow instance: the run
// verdict and the tasks that must be queued now, in layer order.
type Resolution struct {
	Verdict Verdict
	ToQueue []string
}

// Resolve walks the layers against the existing task instance statuses
// (absent means not yet queued) and decides what happens next:
//
//   - a failed or timed-out task in the current layer fails the run and
//     stops layer processing, so downstream layers are never queued
//   - tasks in the current layer with no instance yet are queued
//   - any non-terminal task in the current layer keeps the run running
//   - all layers fully successful means the run succeeded
func Resolve(layers [][]string, statuses map[string]taskflow.TaskStatus) Resolution {
	res := Resolution{Verdict: VerdictSuccess}
	for _, layer := range layers {
		done := 0
		for _, name := range layer {
			status, exists := statuses[name]
			if !exists {
				res.ToQueue = append(res.ToQueue, name)
				continue
			}
			switch {
			case status == taskflow.TaskFailed || status == taskflow.TaskTimedOut:
				return Resolution{Verdict: VerdictFailed}
			case status == taskflow.TaskSuccess:
				done++
			}
		}
		if done < len(layer) {
			res.Verdict = VerdictRunning
			return res
		}
	}
	return res
}
