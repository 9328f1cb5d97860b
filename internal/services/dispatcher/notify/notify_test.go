package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPSinkPostsJSON(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/notifications" {
			t.Errorf("path = %q, want /api/notifications", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sink, err := NewHTTPSink(server.URL, nil)
	if err != nil {
		t.Fatalf("NewHTTPSink() error = %v", err)
	}
	err = sink.Send(context.Background(), "user-1", "task.completed",
		map[string]any{"task_id": "t-1"}, []string{"web"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got["user_id"] != "user-1" || got["event"] != "task.completed" {
		t.Errorf("body = %v", got)
	}
}

func TestHTTPSinkRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	sink, err := NewHTTPSink(server.URL, nil)
	if err != nil {
		t.Fatalf("NewHTTPSink() error = %v", err)
	}
	if err := sink.Send(context.Background(), "user-1", "task.completed", nil, nil); err == nil {
		t.Fatal("Send() error = nil, want status error")
	}
}

func TestNewHTTPSinkRequiresURL(t *testing.T) {
	if _, err := NewHTTPSink("  ", nil); err == nil {
		t.Fatal("NewHTTPSink() error = nil, want error for blank url")
	}
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Send(context.Context, string, string, map[string]any, []string) error {
	f.calls++
	return errors.New("sink down")
}

func TestBestEffortSwallowsFailures(t *testing.T) {
	inner := &failingNotifier{}
	wrapper := BestEffort{Notifier: inner}

	if err := wrapper.Send(context.Background(), "user-1", "task.completed", nil, nil); err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}
	if inner.calls != 1 {
		t.Errorf("inner.calls = %d, want 1", inner.calls)
	}
}

func TestBestEffortSkipsAnonymousTasks(t *testing.T) {
	inner := &failingNotifier{}
	wrapper := BestEffort{Notifier: inner}

	if err := wrapper.Send(context.Background(), "", "task.completed", nil, nil); err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}
	if inner.calls != 0 {
		t.Errorf("inner.calls = %d, want 0 for empty user id", inner.calls)
	}
}
