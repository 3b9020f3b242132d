package openmcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:8080", nil); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}

func TestAskPostsPrompt(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/ask" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.Prompt != "balance?" || req.SessionID != "s1" {
			t.Fatalf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(AskResponse{
			Result: &RunResult{RunID: "r1", FinalResponseText: "120 USDC"},
			Events: []Event{{Seq: 1, Kind: "thinking"}, {Seq: 2, Kind: "done"}},
		})
	}))

	resp, err := client.Ask(context.Background(), AskRequest{Prompt: "balance?", SessionID: "s1"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if resp.Result.FinalResponseText != "120 USDC" || len(resp.Events) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestAccessTokenIsOptional(t *testing.T) {
	var seen atomic.Value
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(TaskStats{Total: 1})
	}))

	if _, err := client.TaskStats(context.Background()); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got := seen.Load().(string); got != "" {
		t.Fatalf("expected no auth header, got %q", got)
	}

	client.SetAccessToken("token")
	if _, err := client.TaskStats(context.Background()); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got := seen.Load().(string); got != "Bearer token" {
		t.Fatalf("expected bearer token, got %q", got)
	}
}

func TestListTasksEncodesFilter(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "pending,failed" || q.Get("limit") != "5" || q.Get("order") != "asc" || q.Get("q") != "swap" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		if q.Get("wallet") != "0xabc" || q.Get("error_code") != "TASK_WRITE_COMMITTED" || q.Get("outcome") != "final,iteration_limit" {
			t.Fatalf("unexpected intent filters: %s", r.URL.RawQuery)
		}
		if _, ok := q["session_id"]; ok {
			t.Fatalf("empty session should be omitted: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Task{{ID: "t1", Status: "pending"}})
	}))

	tasks, err := client.ListTasks(context.Background(), TaskFilter{
		Statuses:   []string{"pending", "failed"},
		Wallet:     "0xabc",
		ErrorCodes: []string{"TASK_WRITE_COMMITTED"},
		Outcomes:   []string{"final", "iteration_limit"},
		Query:      "swap",
		Limit:      5,
		Oldest:     true,
	})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("list tasks: %v %+v", err, tasks)
	}
}

func TestGetTaskError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/tasks/task-404" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(struct {
				Error APIError `json:"error"`
			}{Error: APIError{Code: "TASK_NOT_FOUND", Message: "missing"}})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.GetTask(context.Background(), "task-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TASK_NOT_FOUND" || !IsNotFound(err) {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestWaitForTaskPollsUntilFinished(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		task := Task{ID: "t1", Status: "running", MaxRetries: 3}
		switch n {
		case 1:
		case 2:
			task.Status, task.Attempts = "failed", 1
		default:
			task.Status, task.Attempts = "succeeded", 2
			task.Result = &TaskResult{Reply: "ok"}
		}
		_ = json.NewEncoder(w).Encode(task)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := client.WaitForTask(ctx, "t1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != "succeeded" || calls.Load() != 3 {
		t.Fatalf("expected success after 3 polls, got %+v after %d", task, calls.Load())
	}
}

func TestTaskFinished(t *testing.T) {
	cases := []struct {
		task Task
		want bool
	}{
		{Task{Status: "pending"}, false},
		{Task{Status: "succeeded"}, true},
		{Task{Status: "failed", Attempts: 1, MaxRetries: 3}, false},
		{Task{Status: "failed", Attempts: 3, MaxRetries: 3}, true},
	}
	for _, tc := range cases {
		if got := tc.task.Finished(); got != tc.want {
			t.Fatalf("%+v: got %v want %v", tc.task, got, tc.want)
		}
	}
}
