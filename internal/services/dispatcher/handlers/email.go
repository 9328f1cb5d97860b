// Package handlers provides the built-in task handlers: outbound email
// delivery through a relay service and cache warming through the external
// rendering service.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/taskdepot/taskdepot/internal/platform/errors"
	"github.com/taskdepot/taskdepot/internal/platform/timeouts"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/breaker"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/domain"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/registry"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/retry"
)

// TypeSendEmail is the task type the email handler registers under.
const TypeSendEmail = "send-email"

// EmailHandler delivers one email through an HTTP relay.
type EmailHandler struct {
	relayURL string
	client   *http.Client
}

// NewEmailHandler returns a handler posting to the relay's /api/send
// endpoint.
func NewEmailHandler(relayURL string, client *http.Client) (*EmailHandler, error) {
	relayURL = strings.TrimRight(strings.TrimSpace(relayURL), "/")
	if relayURL == "" {
		return nil, fmt.Errorf("email relay url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: timeouts.CollaboratorRequest}
	}
	return &EmailHandler{relayURL: relayURL, client: client}, nil
}

// Schema implements registry.Handler.
func (h *EmailHandler) Schema() registry.Schema {
	return registry.Schema{
		Type:        TypeSendEmail,
		Description: "Deliver an email through the relay service",
		Fields: []registry.Field{
			{Name: "to", Type: "string", Description: "Single recipient address"},
			{Name: "recipients", Type: "array", Description: "Recipient addresses, alternative to to"},
			{Name: "subject", Type: "string", Required: true},
			{Name: "body", Type: "string", Description: "Plain-text body"},
			{Name: "html", Type: "string", Description: "HTML body, alternative to body"},
		},
	}
}

// Validate implements registry.Handler. Every rejection carries a specific,
// reproducible message naming the missing field.
func (h *EmailHandler) Validate(payload map[string]any) error {
	if stringField(payload, "to") == "" && len(listField(payload, "recipients")) == 0 {
		return apperrors.New(apperrors.CodeTaskValidation, `provide "to" or "recipients"`)
	}
	if stringField(payload, "subject") == "" {
		return apperrors.New(apperrors.CodeTaskValidation, `provide "subject"`)
	}
	if stringField(payload, "body") == "" && stringField(payload, "html") == "" {
		return apperrors.New(apperrors.CodeTaskValidation, `provide "body" or "html"`)
	}
	return nil
}

// Execute implements registry.Handler.
func (h *EmailHandler) Execute(ctx context.Context, task domain.TaskRecord) (map[string]any, error) {
	payload, err := decodePayload(task.PayloadJSON)
	if err != nil {
		return nil, err
	}

	recipients := listField(payload, "recipients")
	if to := stringField(payload, "to"); to != "" {
		recipients = append([]string{to}, recipients...)
	}

	body, err := json.Marshal(map[string]any{
		"recipients": recipients,
		"subject":    stringField(payload, "subject"),
		"body":       stringField(payload, "body"),
		"html":       stringField(payload, "html"),
	})
	if err != nil {
		return nil, fmt.Errorf("encode relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.relayURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTransientExecution, "email relay unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, apperrors.New(apperrors.CodeTransientExecution,
			fmt.Sprintf("email relay returned status %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return nil, apperrors.New(apperrors.CodeTaskValidation,
			fmt.Sprintf("email relay rejected the message with status %d", resp.StatusCode))
	}

	var relayResp struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&relayResp); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTransientExecution, "decode relay response", err)
	}
	return map[string]any{
		"message_id": relayResp.MessageID,
		"recipients": len(recipients),
	}, nil
}

// RetryPolicy implements registry.Handler.
func (h *EmailHandler) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		MaxElapsed: time.Minute,
	}
}

// Dependency names the shared breaker for all relay traffic.
func (h *EmailHandler) Dependency() (string, breaker.Config) {
	return "mail-relay", breaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MonitoringPeriod: time.Minute,
	}
}

func decodePayload(payloadJSON string) (map[string]any, error) {
	payloadJSON = strings.TrimSpace(payloadJSON)
	if payloadJSON == "" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTaskValidation, "task payload is not a JSON object", err)
	}
	return payload, nil
}

func stringField(payload map[string]any, key string) string {
	value, _ := payload[key].(string)
	return strings.TrimSpace(value)
}

func listField(payload map[string]any, key string) []string {
	raw, ok := payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func boolField(payload map[string]any, key string) bool {
	value, _ := payload[key].(bool)
	return value
}

func intField(payload map[string]any, key string) int {
	switch value := payload[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	default:
		return 0
	}
}
