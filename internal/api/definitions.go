package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/taskflowhq/taskflow/internal/taskflow"
)

// workflowResponse is the admin view of a workflow definition: the declared
// fields plus the task set and dependency relation.
type workflowResponse struct {
	taskflow.Workflow
	Tasks        []*taskflow.Task    `json:"tasks"`
	Dependencies map[string][]string `json:"dependencies"`
}

func workflowView(wf *taskflow.Workflow) workflowResponse {
	tasks := wf.Tasks()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })

	deps := make(map[string][]string)
	for name, set := range wf.DependencyGraph() {
		names := make([]string, 0, len(set))
		for dep := range set {
			names = append(names, dep)
		}
		sort.Strings(names)
		deps[name] = names
	}
	return workflowResponse{Workflow: *wf, Tasks: tasks, Dependencies: deps}
}

// activePatch is the only mutable part of a definition over the admin
// surface. Everything else lives in code.
type activePatch struct {
	Active *bool `json:"active"`
}

// listWorkflows returns all declared workflow definitions.
// GET /v1/workflows
func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows := s.registry.Workflows()
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].Name < workflows[j].Name })

	views := make([]workflowResponse, 0, len(workflows))
	for _, wf := range workflows {
		views = append(views, workflowView(wf))
	}
	writeList(w, views, len(views), len(views), 0, 0)
}

// getWorkflow returns one workflow definition.
// GET /v1/workflows/{name}
func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf := s.registry.GetWorkflow(chi.URLParam(r, "name"))
	if wf == nil {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, workflowView(wf))
}

// updateWorkflow toggles a workflow's active flag.
// PUT /v1/workflows/{name}
func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.registry.GetWorkflow(name) == nil {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}

	var patch activePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if patch.Active == nil {
		http.Error(w, "active is required", http.StatusBadRequest)
		return
	}

	if err := s.store.SetWorkflowActive(r.Context(), name, *patch.Active); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.registry.Refresh(r.Context(), s.store)

	writeJSON(w, http.StatusOK, workflowView(s.registry.GetWorkflow(name)))
}

// listTasks returns all declared task definitions, standalone and
// workflow-owned.
// GET /v1/tasks
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var tasks []*taskflow.Task
	tasks = append(tasks, s.registry.Tasks()...)
	for _, wf := range s.registry.Workflows() {
		tasks = append(tasks, wf.Tasks()...)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	writeList(w, tasks, len(tasks), len(tasks), 0, 0)
}

// getTask returns one task definition.
// GET /v1/tasks/{name}
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task := s.registry.GetTask(chi.URLParam(r, "name"))
	if task == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// updateTask toggles a task's active flag.
// PUT /v1/tasks/{name}
func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.registry.GetTask(name) == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}

	var patch activePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if patch.Active == nil {
		http.Error(w, "active is required", http.StatusBadRequest)
		return
	}

	if err := s.store.SetTaskActive(r.Context(), name, *patch.Active); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.registry.Refresh(r.Context(), s.store)

	writeJSON(w, http.StatusOK, s.registry.GetTask(name))
}
