package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/taskdepot/taskdepot/internal/platform/id"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/domain"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/storage"
)

// claimScript atomically transitions a queued task to running. The status
// check and mutation run as one script, so two workers can never both claim
// the same task.
var claimScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "queued" then return 0 end
redis.call("HSET", KEYS[1], "status", "running", "started_at", ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[1], ARGV[2])
return 1
`)

var successScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "running" then return 0 end
redis.call("HSET", KEYS[1], "status", "success", "last_error", "")
redis.call("ZREM", KEYS[2], ARGV[1])
return 1
`)

var failScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "queued" and status ~= "delayed" and status ~= "running" then return 0 end
redis.call("HSET", KEYS[1], "status", "failed", "last_error", ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("ZREM", KEYS[4], ARGV[1])
redis.call("SADD", KEYS[5], ARGV[1])
return 1
`)

var retryScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "running" then return 0 end
redis.call("HSET", KEYS[1], "status", "delayed", "scheduled_at", ARGV[2], "last_error", ARGV[3], "started_at", "0")
redis.call("HINCRBY", KEYS[1], "retry_count", 1)
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[1])
return 1
`)

var requeueFailedScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "failed" then return 0 end
redis.call("HSET", KEYS[1], "status", "queued", "scheduled_at", "0", "started_at", "0")
redis.call("SREM", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[1])
return 1
`)

var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for i, taskID in ipairs(due) do
	local taskKey = ARGV[2] .. taskID
	local priority = tonumber(redis.call("HGET", taskKey, "priority")) or 0
	local created = tonumber(redis.call("HGET", taskKey, "created_at")) or 0
	redis.call("HSET", taskKey, "status", "queued")
	redis.call("ZREM", KEYS[1], taskID)
	redis.call("ZADD", KEYS[2], created - priority * tonumber(ARGV[3]), taskID)
end
return #due
`)

var reclaimScript = redis.NewScript(`
local stale = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for i, taskID in ipairs(stale) do
	local taskKey = ARGV[2] .. taskID
	local priority = tonumber(redis.call("HGET", taskKey, "priority")) or 0
	local created = tonumber(redis.call("HGET", taskKey, "created_at")) or 0
	redis.call("HSET", taskKey, "status", "queued", "started_at", "0")
	redis.call("ZREM", KEYS[1], taskID)
	redis.call("ZADD", KEYS[2], created - priority * tonumber(ARGV[3]), taskID)
end
return #stale
`)

// Enqueue appends a task record, assigning an id when the record carries none.
func (s *Store) Enqueue(ctx context.Context, task domain.TaskRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.client == nil {
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

	createdAt := task.CreatedAt.UTC().UnixMilli()
	var scheduledAt int64
	if !task.ScheduledAt.IsZero() {
		scheduledAt = task.ScheduledAt.UTC().UnixMilli()
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, taskKey(task.ID), map[string]any{
		"type":         task.Type,
		"name":         task.Name,
		"payload_json": task.PayloadJSON,
		"priority":     task.Priority,
		"status":       string(task.Status),
		"retry_count":  task.RetryCount,
		"max_retries":  task.MaxRetries,
		"queue_key":    task.QueueKey,
		"triggered_by": task.TriggeredBy,
		"timeout_ms":   task.Timeout.Milliseconds(),
		"last_error":   task.LastError,
		"created_at":   createdAt,
		"scheduled_at": scheduledAt,
		"started_at":   0,
	})
	if task.Status == domain.StatusDelayed {
		pipe.ZAdd(ctx, delayedKey(task.QueueKey), redis.Z{Score: float64(scheduledAt), Member: task.ID})
	} else {
		pipe.ZAdd(ctx, pendingKey(task.QueueKey), redis.Z{Score: pendingScore(task.Priority, createdAt), Member: task.ID})
	}
	pipe.SAdd(ctx, queuesKey, task.QueueKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", unavailable("enqueue task", err)
	}
	return task.ID, nil
}

// DequeueBatch promotes due delayed tasks and returns up to limit queued
// tasks by pending-set order. A paused queue yields nothing. It does not
// claim: MarkRunning is the atomic claim point.
func (s *Store) DequeueBatch(ctx context.Context, queueKey string, limit int) ([]domain.TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	queueKey = strings.TrimSpace(queueKey)
	if queueKey == "" {
		return nil, fmt.Errorf("queue key is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	paused, err := s.client.Exists(ctx, pausedKey(queueKey)).Result()
	if err != nil {
		return nil, unavailable("check queue pause", err)
	}
	if paused > 0 {
		return []domain.TaskRecord{}, nil
	}

	now := time.Now().UTC().UnixMilli()
	if err := promoteScript.Run(ctx, s.client,
		[]string{delayedKey(queueKey), pendingKey(queueKey)},
		now, keyPrefix+"task:", int64(priorityStride),
	).Err(); err != nil && err != redis.Nil {
		return nil, unavailable("promote delayed tasks", err)
	}

	ids, err := s.client.ZRange(ctx, pendingKey(queueKey), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable("range pending tasks", err)
	}

	tasks := make([]domain.TaskRecord, 0, len(ids))
	for _, taskID := range ids {
		task, getErr := s.Get(ctx, taskID)
		if getErr != nil {
			if getErr == storage.ErrNotFound {
				// Orphaned index entry; drop it.
				_ = s.client.ZRem(ctx, pendingKey(queueKey), taskID).Err()
				continue
			}
			return nil, getErr
		}
		if task.Status != domain.StatusQueued {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// MarkRunning atomically claims a queued task.
func (s *Store) MarkRunning(ctx context.Context, taskID string, startedAt time.Time) error {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	return s.runTransition(ctx, claimScript,
		[]string{taskKey(taskID), pendingKey(task.QueueKey), runningKey(task.QueueKey)},
		startedAt.UTC().UnixMilli(), taskID,
	)
}

// MarkSuccess finishes a running task.
func (s *Store) MarkSuccess(ctx context.Context, taskID string, finishedAt time.Time) error {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	return s.runTransition(ctx, successScript,
		[]string{taskKey(taskID), runningKey(task.QueueKey)},
		taskID,
	)
}

// MarkFailed finishes a task terminally from any non-terminal state.
func (s *Store) MarkFailed(ctx context.Context, taskID string, lastError string, finishedAt time.Time) error {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	return s.runTransition(ctx, failScript,
		[]string{
			taskKey(taskID),
			pendingKey(task.QueueKey),
			delayedKey(task.QueueKey),
			runningKey(task.QueueKey),
			failedKey(task.QueueKey),
		},
		taskID, lastError,
	)
}

// RequeueForRetry moves a running task back to delayed with an incremented
// retry count.
func (s *Store) RequeueForRetry(ctx context.Context, taskID string, nextAttemptAt time.Time, lastError string) error {
	if nextAttemptAt.IsZero() {
		return fmt.Errorf("next attempt at is required")
	}
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	return s.runTransition(ctx, retryScript,
		[]string{taskKey(taskID), runningKey(task.QueueKey), delayedKey(task.QueueKey)},
		taskID, nextAttemptAt.UTC().UnixMilli(), lastError,
	)
}

// RequeueFailed moves a terminally failed task back to queued for an
// administrative retry.
func (s *Store) RequeueFailed(ctx context.Context, taskID string) error {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	score := pendingScore(task.Priority, task.CreatedAt.UTC().UnixMilli())
	return s.runTransition(ctx, requeueFailedScript,
		[]string{taskKey(taskID), failedKey(task.QueueKey), pendingKey(task.QueueKey)},
		taskID, score,
	)
}

// ReclaimStale requeues running tasks claimed before now-staleAfter across
// all queues.
func (s *Store) ReclaimStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if staleAfter <= 0 {
		return 0, fmt.Errorf("stale after must be greater than zero")
	}
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.UTC().Add(-staleAfter).UnixMilli()

	queues, err := s.allQueueKeys(ctx)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, queueKey := range queues {
		count, runErr := reclaimScript.Run(ctx, s.client,
			[]string{runningKey(queueKey), pendingKey(queueKey)},
			cutoff, keyPrefix+"task:", int64(priorityStride),
		).Int()
		if runErr != nil && runErr != redis.Nil {
			return reclaimed, unavailable("reclaim stale tasks", runErr)
		}
		reclaimed += count
	}
	return reclaimed, nil
}

// Get returns one task record.
func (s *Store) Get(ctx context.Context, taskID string) (domain.TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.TaskRecord{}, err
	}
	if s == nil || s.client == nil {
		return domain.TaskRecord{}, fmt.Errorf("storage is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return domain.TaskRecord{}, fmt.Errorf("task id is required")
	}

	fields, err := s.client.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return domain.TaskRecord{}, unavailable("get task", err)
	}
	if len(fields) == 0 {
		return domain.TaskRecord{}, storage.ErrNotFound
	}
	return taskFromHash(taskID, fields), nil
}

// Delete removes one task record and its index entries.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, taskKey(taskID))
	pipe.ZRem(ctx, pendingKey(task.QueueKey), taskID)
	pipe.ZRem(ctx, delayedKey(task.QueueKey), taskID)
	pipe.ZRem(ctx, runningKey(task.QueueKey), taskID)
	pipe.SRem(ctx, failedKey(task.QueueKey), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("delete task", err)
	}
	return nil
}

// ListQueues aggregates stats for the static catalog plus, optionally, any
// queues discovered in the backend's queue registry.
func (s *Store) ListQueues(ctx context.Context, includeDiscovered bool) ([]domain.QueueInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	infos := make([]domain.QueueInfo, 0, len(domain.KnownQueues()))
	seen := make(map[string]bool)
	for _, spec := range domain.KnownQueues() {
		seen[spec.Key] = true
		info, err := s.queueInfo(ctx, spec.Key)
		if err != nil {
			return nil, err
		}
		info.DisplayName = spec.DisplayName
		info.Kind = spec.Kind
		infos = append(infos, info)
	}
	if includeDiscovered {
		discovered, err := s.client.SMembers(ctx, queuesKey).Result()
		if err != nil {
			return nil, unavailable("list discovered queues", err)
		}
		sort.Strings(discovered)
		for _, key := range discovered {
			if seen[key] {
				continue
			}
			info, err := s.queueInfo(ctx, key)
			if err != nil {
				return nil, err
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// QueueStats aggregates stats for one queue key.
func (s *Store) QueueStats(ctx context.Context, queueKey string) (domain.QueueInfo, error) {
	if err := ctx.Err(); err != nil {
		return domain.QueueInfo{}, err
	}
	if s == nil || s.client == nil {
		return domain.QueueInfo{}, fmt.Errorf("storage is not configured")
	}
	queueKey = strings.TrimSpace(queueKey)
	if queueKey == "" {
		return domain.QueueInfo{}, fmt.Errorf("queue key is required")
	}

	spec, known := domain.KnownQueue(queueKey)
	if !known {
		registered, err := s.client.SIsMember(ctx, queuesKey, queueKey).Result()
		if err != nil {
			return domain.QueueInfo{}, unavailable("check queue registry", err)
		}
		if !registered {
			return domain.QueueInfo{}, storage.ErrNotFound
		}
	}
	info, err := s.queueInfo(ctx, queueKey)
	if err != nil {
		return domain.QueueInfo{}, err
	}
	if known {
		info.DisplayName = spec.DisplayName
		info.Kind = spec.Kind
	}
	return info, nil
}

// ClearQueue removes every task in one queue and its index entries.
func (s *Store) ClearQueue(ctx context.Context, queueKey string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	queueKey = strings.TrimSpace(queueKey)
	if queueKey == "" {
		return 0, fmt.Errorf("queue key is required")
	}

	ids := make(map[string]bool)
	for _, key := range []string{pendingKey(queueKey), delayedKey(queueKey), runningKey(queueKey)} {
		members, err := s.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return 0, unavailable("collect queue tasks", err)
		}
		for _, member := range members {
			ids[member] = true
		}
	}
	failed, err := s.client.SMembers(ctx, failedKey(queueKey)).Result()
	if err != nil {
		return 0, unavailable("collect failed tasks", err)
	}
	for _, member := range failed {
		ids[member] = true
	}

	pipe := s.client.TxPipeline()
	for taskID := range ids {
		pipe.Del(ctx, taskKey(taskID))
	}
	pipe.Del(ctx, pendingKey(queueKey), delayedKey(queueKey), runningKey(queueKey), failedKey(queueKey))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("clear queue", err)
	}
	return len(ids), nil
}

// ClearAll removes every task in every queue.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	queues, err := s.allQueueKeys(ctx)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, queueKey := range queues {
		count, clearErr := s.ClearQueue(ctx, queueKey)
		if clearErr != nil {
			return cleared, clearErr
		}
		cleared += count
	}
	return cleared, nil
}

// Pause suspends delivery for one queue.
func (s *Store) Pause(ctx context.Context, queueKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.client == nil {
		return fmt.Errorf("storage is not configured")
	}
	queueKey = strings.TrimSpace(queueKey)
	if queueKey == "" {
		return fmt.Errorf("queue key is required")
	}
	if err := s.client.Set(ctx, pausedKey(queueKey), "1", 0).Err(); err != nil {
		return unavailable("pause queue", err)
	}
	return nil
}

// Resume lifts a pause.
func (s *Store) Resume(ctx context.Context, queueKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.client == nil {
		return fmt.Errorf("storage is not configured")
	}
	queueKey = strings.TrimSpace(queueKey)
	if queueKey == "" {
		return fmt.Errorf("queue key is required")
	}
	if err := s.client.Del(ctx, pausedKey(queueKey)).Err(); err != nil {
		return unavailable("resume queue", err)
	}
	return nil
}

func (s *Store) queueInfo(ctx context.Context, queueKey string) (domain.QueueInfo, error) {
	pipe := s.client.Pipeline()
	pending := pipe.ZCard(ctx, pendingKey(queueKey))
	delayed := pipe.ZCard(ctx, delayedKey(queueKey))
	running := pipe.ZCard(ctx, runningKey(queueKey))
	failed := pipe.SCard(ctx, failedKey(queueKey))
	paused := pipe.Exists(ctx, pausedKey(queueKey))
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueInfo{}, unavailable("aggregate queue stats", err)
	}
	return domain.QueueInfo{
		Key:         queueKey,
		DisplayName: queueKey,
		Kind:        domain.QueueKindSystem,
		Depth:       int(pending.Val() + delayed.Val()),
		Running:     int(running.Val()),
		Failed:      int(failed.Val()),
		Paused:      paused.Val() > 0,
	}, nil
}

func (s *Store) allQueueKeys(ctx context.Context) ([]string, error) {
	registered, err := s.client.SMembers(ctx, queuesKey).Result()
	if err != nil {
		return nil, unavailable("list queue registry", err)
	}
	seen := make(map[string]bool)
	keys := make([]string, 0, len(registered)+len(domain.KnownQueues()))
	for _, spec := range domain.KnownQueues() {
		seen[spec.Key] = true
		keys = append(keys, spec.Key)
	}
	for _, key := range registered {
		if !seen[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) runTransition(ctx context.Context, script *redis.Script, keys []string, args ...any) error {
	result, err := script.Run(ctx, s.client, keys, args...).Int()
	if err != nil && err != redis.Nil {
		return unavailable("transition task", err)
	}
	if result == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func taskFromHash(taskID string, fields map[string]string) domain.TaskRecord {
	task := domain.TaskRecord{
		ID:          taskID,
		Type:        fields["type"],
		Name:        fields["name"],
		PayloadJSON: fields["payload_json"],
		Status:      domain.Status(fields["status"]),
		QueueKey:    fields["queue_key"],
		TriggeredBy: fields["triggered_by"],
		LastError:   fields["last_error"],
	}
	task.Priority = atoi(fields["priority"])
	task.RetryCount = atoi(fields["retry_count"])
	task.MaxRetries = atoi(fields["max_retries"])
	task.Timeout = time.Duration(atoi64(fields["timeout_ms"])) * time.Millisecond
	if createdAt := atoi64(fields["created_at"]); createdAt > 0 {
		task.CreatedAt = time.UnixMilli(createdAt).UTC()
	}
	if scheduledAt := atoi64(fields["scheduled_at"]); scheduledAt > 0 {
		task.ScheduledAt = time.UnixMilli(scheduledAt).UTC()
	}
	if startedAt := atoi64(fields["started_at"]); startedAt > 0 {
		value := time.UnixMilli(startedAt).UTC()
		task.StartedAt = &value
	}
	return task
}

func atoi(value string) int {
	parsed, _ := strconv.Atoi(value)
	return parsed
}

func atoi64(value string) int64 {
	parsed, _ := strconv.ParseInt(value, 10, 64)
	return parsed
}
