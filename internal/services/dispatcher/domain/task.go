// Package domain defines the task, history, and queue records tracked by the
// dispatcher, together with their lifecycle rules.
package domain

import (
	"strings"
	"time"

	apperrors "github.com/taskdepot/taskdepot/internal/platform/errors"
)

// Status is the lifecycle state of a task record.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDelayed Status = "delayed"
	StatusFailed  Status = "failed"
	StatusSuccess Status = "success"
)

// Terminal reports whether no further transitions are allowed from s, other
// than a bounded failed->queued retry.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransitionTo reports whether the lifecycle permits moving to next.
// Queued tasks start running; running tasks finish as success or failed;
// failed tasks may be requeued while retry budget remains; delayed tasks
// become queued when due.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusFailed
	case StatusDelayed:
		return next == StatusQueued
	case StatusRunning:
		return next == StatusSuccess || next == StatusFailed
	case StatusFailed:
		return next == StatusQueued
	default:
		return false
	}
}

// TaskRecord is one unit of asynchronous work tracked through its lifecycle.
type TaskRecord struct {
	ID          string
	Type        string
	Name        string
	PayloadJSON string
	Priority    int
	Status      Status
	RetryCount  int
	MaxRetries  int
	QueueKey    string
	// TriggeredBy carries the user id of an administrative "run now"
	// trigger so completion can notify that actor. Empty for scheduled
	// tasks.
	TriggeredBy string
	// Timeout is the per-task execution deadline. Zero means the
	// system-wide default applies.
	Timeout     time.Duration
	LastError   string
	CreatedAt   time.Time
	ScheduledAt time.Time
	StartedAt   *time.Time
}

// Due reports whether the task is eligible for dequeue at now.
func (t TaskRecord) Due(now time.Time) bool {
	return t.ScheduledAt.IsZero() || !t.ScheduledAt.After(now)
}

// Validate checks the fields required before a task may be enqueued.
func (t TaskRecord) Validate() error {
	if strings.TrimSpace(t.Type) == "" {
		return apperrors.New(apperrors.CodeTaskValidation, "task type is required")
	}
	if strings.TrimSpace(t.QueueKey) == "" {
		return apperrors.New(apperrors.CodeTaskValidation, "queue key is required")
	}
	if t.MaxRetries < 0 {
		return apperrors.New(apperrors.CodeTaskValidation, "max retries must not be negative")
	}
	return nil
}
