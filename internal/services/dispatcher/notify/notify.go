// Package notify delivers task-completion events to the actor who triggered
// them. Delivery is best-effort: a failed notification is logged, never
// propagated, and never fails the task.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/taskdepot/taskdepot/internal/platform/timeouts"
)

// Notifier pushes one event to one user over the given channels.
type Notifier interface {
	Send(ctx context.Context, userID, eventType string, payload map[string]any, channels []string) error
}

// Noop drops every notification. Used when no sink is configured.
type Noop struct{}

// Send implements Notifier.
func (Noop) Send(context.Context, string, string, map[string]any, []string) error {
	return nil
}

// HTTPSink posts notifications as JSON to an external notification service.
type HTTPSink struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSink returns a sink posting to baseURL's /api/notifications
// endpoint.
func NewHTTPSink(baseURL string, client *http.Client) (*HTTPSink, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("notification sink url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: timeouts.CollaboratorRequest}
	}
	return &HTTPSink{baseURL: baseURL, client: client}, nil
}

// Send implements Notifier.
func (s *HTTPSink) Send(ctx context.Context, userID, eventType string, payload map[string]any, channels []string) error {
	body, err := json.Marshal(map[string]any{
		"user_id":  userID,
		"event":    eventType,
		"payload":  payload,
		"channels": channels,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("send notification: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// BestEffort wraps a Notifier so failures are logged and swallowed.
type BestEffort struct {
	Notifier Notifier
}

// Send never returns an error.
func (b BestEffort) Send(ctx context.Context, userID, eventType string, payload map[string]any, channels []string) error {
	if b.Notifier == nil || strings.TrimSpace(userID) == "" {
		return nil
	}
	if err := b.Notifier.Send(ctx, userID, eventType, payload, channels); err != nil {
		log.Printf("notify user %s about %s: %v", userID, eventType, err)
	}
	return nil
}
