// Package api serves the admin surface: definition toggles, instance CRUD,
// the audit log, and Prometheus metrics.
package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/taskflowhq/taskflow/internal/clock"
	"github.com/taskflowhq/taskflow/internal/metrics"
	"github.com/taskflowhq/taskflow/internal/store"
	"github.com/taskflowhq/taskflow/internal/taskflow"
)

// Server holds the admin API's collaborators.
type Server struct {
	store    store.Store
	registry *taskflow.Registry
	clock    clock.Clock
}

// NewServer creates an admin API server.
func NewServer(st store.Store, registry *taskflow.Registry, clk clock.Clock) *Server {
	return &Server{store: st, registry: registry, clock: clk}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.listWorkflows)
			r.Get("/{name}", s.getWorkflow)
			r.Put("/{name}", s.updateWorkflow)
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Get("/{name}", s.getTask)
			r.Put("/{name}", s.updateTask)
		})
		r.Route("/workflow-instances", func(r chi.Router) {
			r.Get("/", s.listWorkflowInstances)
			r.Post("/", s.createWorkflowInstance)
			r.Get("/recurring-latest", s.latestWorkflowInstances)
			r.Get("/{id}", s.getWorkflowInstance)
			r.Delete("/{id}", s.deleteWorkflowInstance)
		})
		r.Route("/task-instances", func(r chi.Router) {
			r.Get("/", s.listTaskInstances)
			r.Post("/", s.createTaskInstance)
			r.Get("/recurring-latest", s.latestTaskInstances)
			r.Get("/{id}", s.getTaskInstance)
			r.Put("/{id}", s.updateTaskInstance)
			r.Delete("/{id}", s.deleteTaskInstance)
		})
		r.Get("/events", s.listEvents)
	})

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// envelope is the list response shape shared by every collection endpoint.
type envelope struct {
	Data       any `json:"data"`
	Count      int `json:"count"`
	TotalPages int `json:"total_pages"`
	Page       int `json:"page"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeList wraps data in the list envelope. total is the unpaged match
// count; page and perPage may be zero when the listing was not paged.
func writeList(w http.ResponseWriter, data any, count, total, page, perPage int) {
	totalPages := 1
	if perPage > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(perPage)))
		if totalPages < 1 {
			totalPages = 1
		}
	}
	if page < 1 {
		page = 1
	}
	writeJSON(w, http.StatusOK, envelope{Data: data, Count: count, TotalPages: totalPages, Page: page})
}

func parseID(r *http.Request) (int64, bool) {
	return parseInt64(chi.URLParam(r, "id"))
}

func parseInt64(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil && id > 0
}

// paging reads the page and per_page query parameters. page=0 means unpaged.
func paging(r *http.Request) (page, perPage int) {
	q := r.URL.Query()
	page, _ = strconv.Atoi(q.Get("page"))
	perPage, _ = strconv.Atoi(q.Get("per_page"))
	if page > 0 && perPage <= 0 {
		perPage = 50
	}
	return page, perPage
}

func parseBool(s string) *bool {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil
	}
	return &v
}
