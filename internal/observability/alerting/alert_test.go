package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "OpenMCP-Intent/internal/errors"
)

type failingNotifier struct{ ch Channel }

func (f failingNotifier) Channel() Channel { return f.ch }

func (f failingNotifier) Notify(context.Context, Event) error { return errors.New("unreachable") }

func TestFanoutJoinsErrorsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	d := NewFanout(&LogNotifier{Logger: log}, failingNotifier{ch: ChannelWebhook}, nil)

	err := d.Notify(context.Background(), Event{
		Code:     xerrors.CodeToolFailure,
		Message:  "escalated",
		Severity: xerrors.SeverityCritical,
		RunID:    "r1",
	})
	if err == nil || !strings.Contains(err.Error(), "channel webhook") {
		t.Fatalf("expected joined webhook error, got %v", err)
	}
	if !strings.Contains(buf.String(), `"level":"ERROR"`) || !strings.Contains(buf.String(), `"run_id":"r1"`) {
		t.Fatalf("critical alert should be logged at error level: %s", buf.String())
	}
}

func TestWebhookNotifierPostsSummary(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	event := Event{Code: "TASK_RETRIES_EXHAUSTED", Message: "boom", Severity: xerrors.SeverityWarning, TaskID: "t1", Attempts: 3, MaxRetries: 3}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got["text"] != "[warning] TASK_RETRIES_EXHAUSTED: boom (task t1, attempt 3/3)" {
		t.Fatalf("unexpected webhook payload: %#v", got)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	if err := n.Notify(context.Background(), Event{Code: "X"}); err == nil {
		t.Fatalf("expected error for 502 response")
	}
	if err := (&WebhookNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured webhook should be skipped: %v", err)
	}
}
