package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/taskdepot/taskdepot/internal/platform/id"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/domain"
)

// AppendHistory persists one immutable execution outcome.
func (s *Store) AppendHistory(ctx context.Context, record domain.TaskHistoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.TaskID) == "" {
		return fmt.Errorf("history task id is required")
	}
	if record.Status != domain.StatusSuccess && record.Status != domain.StatusFailed {
		return fmt.Errorf("history status must be success or failed, got %q", record.Status)
	}
	if strings.TrimSpace(record.ID) == "" {
		newID, err := id.NewID()
		if err != nil {
			return fmt.Errorf("generate history id: %w", err)
		}
		record.ID = newID
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	if record.FinishedAt.IsZero() {
		record.FinishedAt = time.Now().UTC()
	}
	if record.Duration <= 0 {
		record.Duration = record.FinishedAt.Sub(record.StartedAt)
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO dispatcher_task_history (
	id, task_id, task_type, status, started_at, finished_at,
	duration_ms, error, result_json, metadata_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.ID,
		record.TaskID,
		record.TaskType,
		string(record.Status),
		toMillis(record.StartedAt),
		toMillis(record.FinishedAt),
		record.Duration.Milliseconds(),
		record.Error,
		record.ResultJSON,
		record.MetadataJSON,
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListHistory returns records newest-first, optionally filtered by task id.
func (s *Store) ListHistory(ctx context.Context, taskID string, limit, offset int) ([]domain.TaskHistoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative")
	}

	query := `
SELECT id, task_id, task_type, status, started_at, finished_at,
	duration_ms, error, result_json, metadata_json
FROM dispatcher_task_history
`
	args := []any{}
	if taskID = strings.TrimSpace(taskID); taskID != "" {
		query += "WHERE task_id = ?\n"
		args = append(args, taskID)
	}
	query += "ORDER BY finished_at DESC, id DESC\nLIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	records := make([]domain.TaskHistoryRecord, 0, limit)
	for rows.Next() {
		var record domain.TaskHistoryRecord
		var status string
		var startedAt, finishedAt, durationMs int64
		if err := rows.Scan(
			&record.ID,
			&record.TaskID,
			&record.TaskType,
			&status,
			&startedAt,
			&finishedAt,
			&durationMs,
			&record.Error,
			&record.ResultJSON,
			&record.MetadataJSON,
		); err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		record.Status = domain.Status(status)
		record.StartedAt = fromMillis(startedAt)
		record.FinishedAt = fromMillis(finishedAt)
		record.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history records: %w", err)
	}
	return records, nil
}

// CountHistory counts records, optionally filtered by task id.
func (s *Store) CountHistory(ctx context.Context, taskID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	query := `SELECT COUNT(*) FROM dispatcher_task_history`
	args := []any{}
	if taskID = strings.TrimSpace(taskID); taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}

	var count int
	if err := s.sqlDB.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return count, nil
}

// PruneHistory keeps the most recent keep records and deletes the rest.
func (s *Store) PruneHistory(ctx context.Context, keep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM dispatcher_task_history
WHERE id NOT IN (
	SELECT id FROM dispatcher_task_history
	ORDER BY finished_at DESC, id DESC
	LIMIT ?
)
`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return int(pruned), nil
}
