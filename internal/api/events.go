package api

import (
	"net/http"

	"github.com/taskflowhq/taskflow/internal/taskflow"
)

// listEvents returns audit events, optionally narrowed to one workflow
// instance or task instance.
// GET /v1/events
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var workflowInstance, taskInstance *int64
	if v := q.Get("workflow_instance"); v != "" {
		id, ok := parseInt64(v)
		if !ok {
			http.Error(w, "invalid workflow_instance", http.StatusBadRequest)
			return
		}
		workflowInstance = &id
	}
	if v := q.Get("task_instance"); v != "" {
		id, ok := parseInt64(v)
		if !ok {
			http.Error(w, "invalid task_instance", http.StatusBadRequest)
			return
		}
		taskInstance = &id
	}

	events, err := s.store.ListEvents(r.Context(), workflowInstance, taskInstance)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*taskflow.TaskflowEvent{}
	}
	writeList(w, events, len(events), len(events), 0, 0)
}
