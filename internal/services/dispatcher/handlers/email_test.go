package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/taskdepot/taskdepot/internal/platform/errors"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/domain"
)

func TestEmailValidateMessages(t *testing.T) {
	handler, err := NewEmailHandler("http://relay.local", nil)
	if err != nil {
		t.Fatalf("NewEmailHandler() error = %v", err)
	}

	cases := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{
			name:    "missing recipients",
			payload: map[string]any{"subject": "Hi", "body": "Hello"},
			want:    `provide "to" or "recipients"`,
		},
		{
			name:    "missing subject",
			payload: map[string]any{"to": "a@example.com", "body": "Hello"},
			want:    `provide "subject"`,
		},
		{
			name:    "missing body",
			payload: map[string]any{"to": "a@example.com", "subject": "Hi"},
			want:    `provide "body" or "html"`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := handler.Validate(tc.payload)
			if err == nil {
				t.Fatal("Validate() error = nil, want validation error")
			}
			if err.Error() != tc.want {
				t.Errorf("Validate() error = %q, want %q", err.Error(), tc.want)
			}
			if apperrors.CodeOf(err) != apperrors.CodeTaskValidation {
				t.Errorf("CodeOf(err) = %q, want %q", apperrors.CodeOf(err), apperrors.CodeTaskValidation)
			}
		})
	}

	valid := map[string]any{"to": "a@example.com", "subject": "Hi", "body": "Hello"}
	if err := handler.Validate(valid); err != nil {
		t.Errorf("Validate(valid) error = %v", err)
	}
	viaRecipients := map[string]any{
		"recipients": []any{"a@example.com"},
		"subject":    "Hi",
		"html":       "<p>Hello</p>",
	}
	if err := handler.Validate(viaRecipients); err != nil {
		t.Errorf("Validate(recipients) error = %v", err)
	}
}

func TestEmailExecutePostsToRelay(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/send" {
			t.Errorf("path = %q, want /api/send", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"message_id": "msg-42"})
	}))
	defer server.Close()

	handler, err := NewEmailHandler(server.URL, nil)
	if err != nil {
		t.Fatalf("NewEmailHandler() error = %v", err)
	}

	payload := `{"to":"a@example.com","recipients":["b@example.com"],"subject":"Hi","body":"Hello"}`
	result, err := handler.Execute(context.Background(), domain.TaskRecord{
		ID:          "task-1",
		Type:        TypeSendEmail,
		PayloadJSON: payload,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result["message_id"] != "msg-42" {
		t.Errorf("result = %v", result)
	}
	if got["subject"] != "Hi" {
		t.Errorf("relay body = %v", got)
	}
	recipients, _ := got["recipients"].([]any)
	if len(recipients) != 2 || recipients[0] != "a@example.com" {
		t.Errorf("relay recipients = %v, want to merged first", recipients)
	}
}

func TestEmailExecuteClassifiesStatuses(t *testing.T) {
	status := http.StatusBadGateway
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	handler, err := NewEmailHandler(server.URL, nil)
	if err != nil {
		t.Fatalf("NewEmailHandler() error = %v", err)
	}
	task := domain.TaskRecord{PayloadJSON: `{"to":"a@example.com","subject":"Hi","body":"Hello"}`}

	_, err = handler.Execute(context.Background(), task)
	if apperrors.CodeOf(err) != apperrors.CodeTransientExecution {
		t.Errorf("5xx CodeOf(err) = %q, want transient", apperrors.CodeOf(err))
	}

	status = http.StatusUnprocessableEntity
	_, err = handler.Execute(context.Background(), task)
	if apperrors.CodeOf(err) != apperrors.CodeTaskValidation {
		t.Errorf("4xx CodeOf(err) = %q, want validation", apperrors.CodeOf(err))
	}
	if apperrors.IsRetryable(err) {
		t.Error("relay 4xx must be permanent")
	}
}

func TestEmailDependencyIsSharedRelayBreaker(t *testing.T) {
	handler, err := NewEmailHandler("http://relay.local", nil)
	if err != nil {
		t.Fatalf("NewEmailHandler() error = %v", err)
	}
	name, config := handler.Dependency()
	if name != "mail-relay" {
		t.Errorf("dependency = %q, want mail-relay", name)
	}
	if config.FailureThreshold <= 0 {
		t.Errorf("config = %+v, want explicit thresholds", config)
	}
}
