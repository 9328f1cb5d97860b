// Package storage defines the persistence contracts for the dispatcher: a
// queue backend holding live task records and a history store holding
// immutable execution outcomes.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/taskdepot/taskdepot/internal/services/dispatcher/domain"
)

// ErrNotFound indicates the task or queue no longer exists.
var ErrNotFound = errors.New("not found")

// ErrUnsupported indicates the active backend cannot perform the operation.
var ErrUnsupported = errors.New("operation not supported by this backend")

// ErrUnavailable indicates the underlying store is unreachable. The poll
// loop backs off and retries; no task is marked failed because of it.
var ErrUnavailable = errors.New("queue backend unavailable")

// Driver names for diagnostics. Callers must not branch on these.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// QueueBackend persists live task records. Delivery is at-least-once:
// DequeueBatch does not claim tasks, so a crash between dequeue and
// MarkRunning redelivers rather than losing work. MarkRunning is the single
// atomic claim point guaranteeing at most one worker runs a given task.
type QueueBackend interface {
	// Driver exposes the active backend kind for diagnostics only.
	Driver() string

	// Enqueue appends a task, assigning an id when the record carries
	// none, and returns the task id.
	Enqueue(ctx context.Context, task domain.TaskRecord) (string, error)

	// DequeueBatch returns up to limit due queued tasks ordered by
	// priority descending then creation time ascending. It does not
	// transition state.
	DequeueBatch(ctx context.Context, queueKey string, limit int) ([]domain.TaskRecord, error)

	// MarkRunning atomically claims a queued task. It returns ErrNotFound
	// when the task is gone or was already claimed by another worker.
	MarkRunning(ctx context.Context, taskID string, startedAt time.Time) error

	// MarkSuccess finishes a running task.
	MarkSuccess(ctx context.Context, taskID string, finishedAt time.Time) error

	// MarkFailed finishes a running or still-queued task terminally.
	MarkFailed(ctx context.Context, taskID string, lastError string, finishedAt time.Time) error

	// RequeueForRetry moves a running task back to queued with an
	// incremented retry count, delayed until nextAttemptAt.
	RequeueForRetry(ctx context.Context, taskID string, nextAttemptAt time.Time, lastError string) error

	// ReclaimStale requeues running tasks whose claim is older than
	// staleAfter, so a crashed worker's tasks become deliverable again.
	ReclaimStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error)

	// RequeueFailed moves a terminally failed task back to queued for an
	// administrative retry.
	RequeueFailed(ctx context.Context, taskID string) error

	// Get returns one task record.
	Get(ctx context.Context, taskID string) (domain.TaskRecord, error)

	// Delete removes one task record.
	Delete(ctx context.Context, taskID string) error

	// ListQueues aggregates queue stats for the static catalog, plus any
	// backend-discovered queues when includeDiscovered is set.
	ListQueues(ctx context.Context, includeDiscovered bool) ([]domain.QueueInfo, error)

	// QueueStats aggregates stats for one queue key.
	QueueStats(ctx context.Context, queueKey string) (domain.QueueInfo, error)

	// ClearQueue removes every task in one queue and reports the count.
	ClearQueue(ctx context.Context, queueKey string) (int, error)

	// ClearAll removes every task in every queue and reports the count.
	ClearAll(ctx context.Context) (int, error)

	// Pause suspends delivery for one queue. Backends without delivery
	// control return ErrUnsupported.
	Pause(ctx context.Context, queueKey string) error

	// Resume lifts a pause. Backends without delivery control return
	// ErrUnsupported.
	Resume(ctx context.Context, queueKey string) error

	Close() error
}

// HistoryStore persists immutable execution outcomes. Records are only ever
// appended and queried; retention pruning deletes whole records.
type HistoryStore interface {
	AppendHistory(ctx context.Context, record domain.TaskHistoryRecord) error

	// ListHistory returns records newest-first, optionally filtered by
	// task id when taskID is non-empty.
	ListHistory(ctx context.Context, taskID string, limit, offset int) ([]domain.TaskHistoryRecord, error)

	// CountHistory counts records, optionally filtered by task id.
	CountHistory(ctx context.Context, taskID string) (int, error)

	// PruneHistory keeps the most recent keep records and deletes the
	// rest, reporting how many were removed.
	PruneHistory(ctx context.Context, keep int) (int, error)
}
