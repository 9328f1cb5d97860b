package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/taskdepot/taskdepot/internal/platform/id"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/domain"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/storage"
)

const taskColumns = `
	id,
	type,
	name,
	payload_json,
	priority,
	status,
	retry_count,
	max_retries,
	queue_key,
	triggered_by,
	timeout_ms,
	last_error,
	created_at,
	scheduled_at,
	started_at
`

// Enqueue appends a task record, assigning an id when the record carries none.
func (s *Store) Enqueue(ctx context.Context, task domain.TaskRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}
	if err := task.Validate(); err != nil {
		return "", err
	}

	if strings.TrimSpace(task.ID) == "" {
		newID, err := id.NewID()
		if err != nil {
			return "", fmt.Errorf("generate task id: %w", err)
		}
		task.ID = newID
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.Status = domain.StatusQueued
	if !task.ScheduledAt.IsZero() && task.ScheduledAt.After(now) {
		task.Status = domain.StatusDelayed
	}

	var scheduledAt int64
	if !task.ScheduledAt.IsZero() {
		scheduledAt = toMillis(task.ScheduledAt)
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO dispatcher_tasks (
	id, type, name, payload_json, priority, status,
	retry_count, max_retries, queue_key, triggered_by,
	timeout_ms, last_error, created_at, scheduled_at, started_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
`,
		task.ID,
		task.Type,
		task.Name,
		task.PayloadJSON,
		task.Priority,
		string(task.Status),
		task.RetryCount,
		task.MaxRetries,
		task.QueueKey,
		task.TriggeredBy,
		task.Timeout.Milliseconds(),
		task.LastError,
		toMillis(task.CreatedAt),
		scheduledAt,
	)
	if err != nil {
		return "", fmt.Errorf("%w: enqueue task: %v", storage.ErrUnavailable, err)
	}
	return task.ID, nil
}

// DequeueBatch promotes due delayed tasks, then returns up to limit queued
// tasks ordered by priority descending and creation time ascending. It does
// not claim: MarkRunning is the atomic claim point.
func (s *Store) DequeueBatch(ctx context.Context, queueKey string, limit int) ([]domain.TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	queueKey = strings.TrimSpace(queueKey)
	if queueKey == "" {
		return nil, fmt.Errorf("queue key is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	now := toMillis(time.Now())

	if _, err := s.sqlDB.ExecContext(ctx, `
UPDATE dispatcher_tasks
SET status = ?
WHERE queue_key = ?
AND status = ?
AND scheduled_at <= ?
`,
		string(domain.StatusQueued),
		queueKey,
		string(domain.StatusDelayed),
		now,
	); err != nil {
		return nil, fmt.Errorf("%w: promote delayed tasks: %v", storage.ErrUnavailable, err)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM dispatcher_tasks
WHERE queue_key = ?
AND status = ?
AND scheduled_at <= ?
ORDER BY priority DESC, created_at ASC, id ASC
LIMIT ?
`,
		queueKey,
		string(domain.StatusQueued),
		now,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: select due tasks: %v", storage.ErrUnavailable, err)
	}
	defer rows.Close()

	tasks := make([]domain.TaskRecord, 0, limit)
	for rows.Next() {
		task, scanErr := scanTask(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan task: %w", scanErr)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due tasks: %w", err)
	}
	return tasks, nil
}

// MarkRunning claims a queued task with a single conditional update, so two
// workers can never both claim the same task.
func (s *Store) MarkRunning(ctx context.Context, taskID string, startedAt time.Time) error {
	return s.transition(ctx, `
UPDATE dispatcher_tasks
SET status = ?, started_at = ?
WHERE id = ?
AND status = ?
`,
		string(domain.StatusRunning),
		toMillis(orNow(startedAt)),
		taskID,
		string(domain.StatusQueued),
	)
}

// MarkSuccess finishes a running task.
func (s *Store) MarkSuccess(ctx context.Context, taskID string, finishedAt time.Time) error {
	return s.transition(ctx, `
UPDATE dispatcher_tasks
SET status = ?, last_error = ''
WHERE id = ?
AND status = ?
`,
		string(domain.StatusSuccess),
		taskID,
		string(domain.StatusRunning),
	)
}

// MarkFailed finishes a task terminally. Queued tasks may fail directly:
// payload validation rejects tasks before they ever enter running.
func (s *Store) MarkFailed(ctx context.Context, taskID string, lastError string, finishedAt time.Time) error {
	return s.transition(ctx, `
UPDATE dispatcher_tasks
SET status = ?, last_error = ?
WHERE id = ?
AND status IN (?, ?, ?)
`,
		string(domain.StatusFailed),
		lastError,
		taskID,
		string(domain.StatusQueued),
		string(domain.StatusDelayed),
		string(domain.StatusRunning),
	)
}

// RequeueForRetry moves a running task back to delayed with an incremented
// retry count, invisible to dequeue until nextAttemptAt.
func (s *Store) RequeueForRetry(ctx context.Context, taskID string, nextAttemptAt time.Time, lastError string) error {
	if nextAttemptAt.IsZero() {
		return fmt.Errorf("next attempt at is required")
	}
	return s.transition(ctx, `
UPDATE dispatcher_tasks
SET status = ?, retry_count = retry_count + 1, scheduled_at = ?, started_at = NULL, last_error = ?
WHERE id = ?
AND status = ?
`,
		string(domain.StatusDelayed),
		toMillis(nextAttemptAt),
		lastError,
		taskID,
		string(domain.StatusRunning),
	)
}

// RequeueFailed moves a terminally failed task back to queued for an
// administrative retry.
func (s *Store) RequeueFailed(ctx context.Context, taskID string) error {
	return s.transition(ctx, `
UPDATE dispatcher_tasks
SET status = ?, scheduled_at = 0, started_at = NULL
WHERE id = ?
AND status = ?
`,
		string(domain.StatusQueued),
		taskID,
		string(domain.StatusFailed),
	)
}

// ReclaimStale requeues running tasks claimed before now-staleAfter so a
// crashed worker's tasks become deliverable again.
func (s *Store) ReclaimStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if staleAfter <= 0 {
		return 0, fmt.Errorf("stale after must be greater than zero")
	}
	cutoff := toMillis(orNow(now).Add(-staleAfter))

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE dispatcher_tasks
SET status = ?, started_at = NULL
WHERE status = ?
AND started_at IS NOT NULL
AND started_at <= ?
`,
		string(domain.StatusQueued),
		string(domain.StatusRunning),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: reclaim stale tasks: %v", storage.ErrUnavailable, err)
	}
	reclaimed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim rows affected: %w", err)
	}
	return int(reclaimed), nil
}

// Get returns one task record.
func (s *Store) Get(ctx context.Context, taskID string) (domain.TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.TaskRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.TaskRecord{}, fmt.Errorf("storage is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return domain.TaskRecord{}, fmt.Errorf("task id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM dispatcher_tasks
WHERE id = ?
`, taskID)
	task, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TaskRecord{}, storage.ErrNotFound
		}
		return domain.TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// Delete removes one task record.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM dispatcher_tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListQueues aggregates stats for the static catalog plus, optionally, any
// queue keys present in the table but absent from the catalog.
func (s *Store) ListQueues(ctx context.Context, includeDiscovered bool) ([]domain.QueueInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	counts, err := s.queueCounts(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]domain.QueueInfo, 0, len(counts))
	seen := make(map[string]bool)
	for _, spec := range domain.KnownQueues() {
		seen[spec.Key] = true
		info := domain.QueueInfo{Key: spec.Key, DisplayName: spec.DisplayName, Kind: spec.Kind}
		if c, ok := counts[spec.Key]; ok {
			info.Depth = c.depth
			info.Running = c.running
			info.Failed = c.failed
		}
		infos = append(infos, info)
	}
	if includeDiscovered {
		discovered := make([]string, 0, len(counts))
		for key := range counts {
			if !seen[key] {
				discovered = append(discovered, key)
			}
		}
		sort.Strings(discovered)
		for _, key := range discovered {
			c := counts[key]
			infos = append(infos, domain.QueueInfo{
				Key:         key,
				DisplayName: key,
				Kind:        domain.QueueKindSystem,
				Depth:       c.depth,
				Running:     c.running,
				Failed:      c.failed,
			})
		}
	}
	return infos, nil
}

// QueueStats aggregates stats for one queue key.
func (s *Store) QueueStats(ctx context.Context, queueKey string) (domain.QueueInfo, error) {
	if err := ctx.Err(); err != nil {
		return domain.QueueInfo{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.QueueInfo{}, fmt.Errorf("storage is not configured")
	}
	queueKey = strings.TrimSpace(queueKey)
	if queueKey == "" {
		return domain.QueueInfo{}, fmt.Errorf("queue key is required")
	}

	counts, err := s.queueCounts(ctx)
	if err != nil {
		return domain.QueueInfo{}, err
	}
	c, ok := counts[queueKey]
	spec, known := domain.KnownQueue(queueKey)
	if !ok && !known {
		return domain.QueueInfo{}, storage.ErrNotFound
	}
	info := domain.QueueInfo{Key: queueKey, DisplayName: queueKey, Kind: domain.QueueKindSystem}
	if known {
		info.DisplayName = spec.DisplayName
		info.Kind = spec.Kind
	}
	info.Depth = c.depth
	info.Running = c.running
	info.Failed = c.failed
	return info, nil
}

// ClearQueue removes every task in one queue.
func (s *Store) ClearQueue(ctx context.Context, queueKey string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	queueKey = strings.TrimSpace(queueKey)
	if queueKey == "" {
		return 0, fmt.Errorf("queue key is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM dispatcher_tasks WHERE queue_key = ?`, queueKey)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	cleared, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear queue rows affected: %w", err)
	}
	return int(cleared), nil
}

// ClearAll removes every task in every queue.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM dispatcher_tasks`)
	if err != nil {
		return 0, fmt.Errorf("clear all queues: %w", err)
	}
	cleared, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear all rows affected: %w", err)
	}
	return int(cleared), nil
}

// ListFailedTaskIDs returns the ids of terminally failed tasks, oldest
// first. Used by maintenance cleanup.
func (s *Store) ListFailedTaskIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id
FROM dispatcher_tasks
WHERE status = ?
ORDER BY created_at ASC, id ASC
`, string(domain.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("%w: list failed tasks: %v", storage.ErrUnavailable, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, fmt.Errorf("scan failed task id: %w", err)
		}
		ids = append(ids, taskID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed task ids: %w", err)
	}
	return ids, nil
}

// Pause is not supported by the relational backend: delivery control needs a
// broker-side flag the table does not model.
func (s *Store) Pause(ctx context.Context, queueKey string) error {
	return storage.ErrUnsupported
}

// Resume is not supported by the relational backend.
func (s *Store) Resume(ctx context.Context, queueKey string) error {
	return storage.ErrUnsupported
}

type queueCount struct {
	depth   int
	running int
	failed  int
}

func (s *Store) queueCounts(ctx context.Context) (map[string]queueCount, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT queue_key, status, COUNT(*)
FROM dispatcher_tasks
GROUP BY queue_key, status
`)
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate queue counts: %v", storage.ErrUnavailable, err)
	}
	defer rows.Close()

	counts := make(map[string]queueCount)
	for rows.Next() {
		var key, status string
		var count int
		if err := rows.Scan(&key, &status, &count); err != nil {
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		c := counts[key]
		switch domain.Status(status) {
		case domain.StatusQueued, domain.StatusDelayed:
			c.depth += count
		case domain.StatusRunning:
			c.running += count
		case domain.StatusFailed:
			c.failed += count
		}
		counts[key] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue counts: %w", err)
	}
	return counts, nil
}

func (s *Store) transition(ctx context.Context, query string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: transition task: %v", storage.ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func orNow(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}

func scanTask(scan func(dest ...any) error) (domain.TaskRecord, error) {
	var task domain.TaskRecord
	var status string
	var timeoutMs, createdAt, scheduledAt int64
	var startedAt sql.NullInt64

	if err := scan(
		&task.ID,
		&task.Type,
		&task.Name,
		&task.PayloadJSON,
		&task.Priority,
		&status,
		&task.RetryCount,
		&task.MaxRetries,
		&task.QueueKey,
		&task.TriggeredBy,
		&timeoutMs,
		&task.LastError,
		&createdAt,
		&scheduledAt,
		&startedAt,
	); err != nil {
		return domain.TaskRecord{}, err
	}
	task.Status = domain.Status(status)
	task.Timeout = time.Duration(timeoutMs) * time.Millisecond
	task.CreatedAt = fromMillis(createdAt)
	if scheduledAt > 0 {
		task.ScheduledAt = fromMillis(scheduledAt)
	}
	if startedAt.Valid {
		value := fromMillis(startedAt.Int64)
		task.StartedAt = &value
	}
	return task, nil
}
