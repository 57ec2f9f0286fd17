package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/taskflowhq/taskflow/internal/store"
	"github.com/taskflowhq/taskflow/internal/taskflow"
)

// listWorkflowInstances returns workflow instances filtered, sorted, and
// paged by query parameters.
// GET /v1/workflow-instances
func (s *Server) listWorkflowInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.WorkflowInstanceFilter{
		Workflow:  q.Get("workflow"),
		Scheduled: parseBool(q.Get("scheduled")),
		SortBy:    q.Get("sort_by"),
		SortDesc:  q.Get("order") == "desc",
	}
	for _, st := range strings.Split(q.Get("status"), ",") {
		if st != "" {
			f.Statuses = append(f.Statuses, taskflow.WorkflowStatus(st))
		}
	}
	f.Page, f.PerPage = paging(r)

	rows, err := s.store.ListWorkflowInstances(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []*taskflow.WorkflowInstance{}
	}

	total := len(rows)
	if f.Page > 0 {
		unpaged := f
		unpaged.Page, unpaged.PerPage = 0, 0
		all, err := s.store.ListWorkflowInstances(r.Context(), unpaged)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		total = len(all)
	}
	writeList(w, rows, len(rows), total, f.Page, f.PerPage)
}

// createWorkflowInstance starts a manual run. Manual instances are always
// scheduled=false so they never interfere with the recurring rule.
// POST /v1/workflow-instances
func (s *Server) createWorkflowInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Workflow string         `json:"workflow"`
		RunAt    *time.Time     `json:"run_at"`
		Params   map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Workflow == "" {
		http.Error(w, "workflow is required", http.StatusBadRequest)
		return
	}
	if s.registry.GetWorkflow(req.Workflow) == nil {
		http.Error(w, "unknown workflow", http.StatusUnprocessableEntity)
		return
	}

	runAt := s.clock.Now()
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	wi := &taskflow.WorkflowInstance{
		Workflow:  req.Workflow,
		Scheduled: false,
		Status:    taskflow.WorkflowQueued,
		RunAt:     runAt,
		Params:    req.Params,
	}
	if err := s.store.CreateWorkflowInstance(r.Context(), wi); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, wi)
}

// getWorkflowInstance returns one workflow instance.
// GET /v1/workflow-instances/{id}
func (s *Server) getWorkflowInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	wi, err := s.store.GetWorkflowInstance(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "workflow instance not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, wi)
}

// deleteWorkflowInstance removes a workflow instance and its task instances.
// DELETE /v1/workflow-instances/{id}
func (s *Server) deleteWorkflowInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	err := s.store.DeleteWorkflowInstance(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "workflow instance not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// latestWorkflowInstances returns, per recurring workflow, the most recent
// scheduler-produced instance. An optional workflow parameter narrows to one.
// GET /v1/workflow-instances/recurring-latest
func (s *Server) latestWorkflowInstances(w http.ResponseWriter, r *http.Request) {
	only := r.URL.Query().Get("workflow")

	workflows := s.registry.Workflows()
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].Name < workflows[j].Name })

	out := []*taskflow.WorkflowInstance{}
	for _, wf := range workflows {
		if !wf.Recurring() || (only != "" && wf.Name != only) {
			continue
		}
		wi, err := s.store.LatestScheduledWorkflowInstance(r.Context(), wf.Name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if wi != nil {
			out = append(out, wi)
		}
	}
	writeList(w, out, len(out), len(out), 0, 0)
}

// listTaskInstances returns task instances filtered, sorted, and paged by
// query parameters.
// GET /v1/task-instances
func (s *Server) listTaskInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskInstanceFilter{
		Task:      q.Get("task"),
		Scheduled: parseBool(q.Get("scheduled")),
		SortBy:    q.Get("sort_by"),
		SortDesc:  q.Get("order") == "desc",
	}
	for _, st := range strings.Split(q.Get("status"), ",") {
		if st != "" {
			f.Statuses = append(f.Statuses, taskflow.TaskStatus(st))
		}
	}
	if wiID := q.Get("workflow_instance"); wiID != "" {
		id, ok := parseInt64(wiID)
		if !ok {
			http.Error(w, "invalid workflow_instance", http.StatusBadRequest)
			return
		}
		f.WorkflowInstance = &id
	}
	f.Page, f.PerPage = paging(r)

	rows, err := s.store.ListTaskInstances(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []*taskflow.TaskInstance{}
	}

	total := len(rows)
	if f.Page > 0 {
		unpaged := f
		unpaged.Page, unpaged.PerPage = 0, 0
		all, err := s.store.ListTaskInstances(r.Context(), unpaged)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		total = len(all)
	}
	writeList(w, rows, len(rows), total, f.Page, f.PerPage)
}

// createTaskInstance queues a manual, standalone run of a task.
// POST /v1/task-instances
func (s *Server) createTaskInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task     string         `json:"task"`
		RunAt    *time.Time     `json:"run_at"`
		Priority *int           `json:"priority"`
		Params   map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Task == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return
	}
	task := s.registry.GetTask(req.Task)
	if task == nil {
		http.Error(w, "unknown task", http.StatusUnprocessableEntity)
		return
	}

	runAt := s.clock.Now()
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	priority := task.Priority
	if req.Priority != nil {
		priority = *req.Priority
	}
	params := task.Params
	if req.Params != nil {
		params = req.Params
	}
	ti := &taskflow.TaskInstance{
		Task:      req.Task,
		Scheduled: false,
		Push:      task.Pushed(),
		Status:    taskflow.TaskQueued,
		Priority:  priority,
		RunAt:     runAt,
		Params:    params,
	}
	if err := s.store.CreateTaskInstance(r.Context(), ti); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, ti)
}

// getTaskInstance returns one task instance.
// GET /v1/task-instances/{id}
func (s *Server) getTaskInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	ti, err := s.store.GetTaskInstance(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "task instance not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ti)
}

// updateTaskInstance patches the mutable fields of a task instance. Status
// changes respect the state machine: unknown statuses are rejected and
// terminal instances cannot be revived.
// PUT /v1/task-instances/{id}
func (s *Server) updateTaskInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	ti, err := s.store.GetTaskInstance(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "task instance not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var patch struct {
		Status   *taskflow.TaskStatus `json:"status"`
		Priority *int                 `json:"priority"`
		RunAt    *time.Time           `json:"run_at"`
		Params   map[string]any       `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if patch.Status != nil && *patch.Status != ti.Status {
		if !patch.Status.Known() {
			http.Error(w, "unknown status", http.StatusUnprocessableEntity)
			return
		}
		if ti.Status.Terminal() {
			http.Error(w, "instance is terminal", http.StatusConflict)
			return
		}
		ti.Status = *patch.Status
		if ti.Status.Terminal() && ti.EndedAt == nil {
			now := s.clock.Now()
			ti.EndedAt = &now
		}
	}
	if patch.Priority != nil {
		ti.Priority = *patch.Priority
	}
	if patch.RunAt != nil {
		ti.RunAt = *patch.RunAt
	}
	if patch.Params != nil {
		ti.Params = patch.Params
	}

	if err := s.store.UpdateTaskInstance(r.Context(), ti); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ti)
}

// deleteTaskInstance removes a task instance.
// DELETE /v1/task-instances/{id}
func (s *Server) deleteTaskInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	err := s.store.DeleteTaskInstance(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "task instance not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// latestTaskInstances returns, per standalone recurring task, the most
// recent scheduler-produced instance.
// GET /v1/task-instances/recurring-latest
func (s *Server) latestTaskInstances(w http.ResponseWriter, r *http.Request) {
	only := r.URL.Query().Get("task")

	tasks := s.registry.Tasks()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })

	out := []*taskflow.TaskInstance{}
	for _, task := range tasks {
		if !task.Recurring() || (only != "" && task.Name != only) {
			continue
		}
		ti, err := s.store.LatestScheduledTaskInstance(r.Context(), task.Name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if ti != nil {
			out = append(out, ti)
		}
	}
	writeList(w, out, len(out), len(out), 0, 0)
}
