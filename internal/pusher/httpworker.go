package pusher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/taskflowhq/taskflow/internal/taskflow"
)

// HTTPWorker dispatches task instances to a remote executor over HTTP.
// The executor exposes two endpoints under a base URL: POST /push accepts a
// batch for execution and POST /sync reports current states. Both are
// expected to be idempotent on the instance id.
type HTTPWorker struct {
	BaseURL string
	Token   string // optional bearer token
	Client  *http.Client
}

// NewHTTPWorker creates an HTTPWorker for the given executor base URL.
func NewHTTPWorker(baseURL string) *HTTPWorker {
	return &HTTPWorker{BaseURL: baseURL}
}

type pushRequest struct {
	TaskInstances []*taskflow.TaskInstance `json:"task_instances"`
}

type pushResponse struct {
	Results []PushResult `json:"results"`
}

type syncRequest struct {
	TaskInstances []int64 `json:"task_instances"`
}

type syncResponse struct {
	States []SyncReport `json:"states"`
}

// PushTaskInstances submits the batch to the executor's /push endpoint.
func (w *HTTPWorker) PushTaskInstances(ctx context.Context, batch []*taskflow.TaskInstance) ([]PushResult, error) {
	var resp pushResponse
	if err := w.post(ctx, "/push", pushRequest{TaskInstances: batch}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// SyncTaskInstanceStates asks the executor's /sync endpoint for the current
// state of each instance in the batch.
func (w *HTTPWorker) SyncTaskInstanceStates(ctx context.Context, batch []*taskflow.TaskInstance) ([]SyncReport, error) {
	ids := make([]int64, len(batch))
	for i, ti := range batch {
		ids[i] = ti.ID
	}
	var resp syncResponse
	if err := w.post(ctx, "/sync", syncRequest{TaskInstances: ids}, &resp); err != nil {
		return nil, err
	}
	return resp.States, nil
}

func (w *HTTPWorker) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("executor request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("executor returned %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
