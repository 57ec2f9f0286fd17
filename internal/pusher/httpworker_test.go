package pusher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskflowhq/taskflow/internal/taskflow"
)

func TestHTTPWorker_Push(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/push", r.URL.Path)
		require.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))

		var req pushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.TaskInstances, 2)

		resp := pushResponse{Results: []PushResult{
			{TaskInstance: req.TaskInstances[0].ID, PushData: map[string]any{"job_id": "j1"}},
			{TaskInstance: req.TaskInstances[1].ID, Error: "no capacity"},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	w := NewHTTPWorker(srv.URL)
	w.Token = "sekrit"

	batch := []*taskflow.TaskInstance{
		{ID: 1, Task: "cleanup", Status: taskflow.TaskQueued},
		{ID: 2, Task: "cleanup", Status: taskflow.TaskQueued},
	}
	results, err := w.PushTaskInstances(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "j1", results[0].PushData["job_id"])
	require.Equal(t, "no capacity", results[1].Error)
}

func TestHTTPWorker_Sync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sync", r.URL.Path)

		var req syncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []int64{7}, req.TaskInstances)

		resp := syncResponse{States: []SyncReport{
			{TaskInstance: 7, Status: taskflow.TaskRunning},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	w := NewHTTPWorker(srv.URL)
	reports, err := w.SyncTaskInstanceStates(context.Background(), []*taskflow.TaskInstance{{ID: 7}})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, taskflow.TaskRunning, reports[0].Status)
}

func TestHTTPWorker_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewHTTPWorker(srv.URL)
	_, err := w.PushTaskInstances(context.Background(), []*taskflow.TaskInstance{{ID: 1}})
	require.Error(t, err)
}
