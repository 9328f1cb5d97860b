package domain

import "time"

// TaskHistoryRecord is the immutable outcome of one task execution attempt.
// It is created exactly once per attempt, never mutated, and survives the
// deletion of its originating task (TaskID is a weak reference).
type TaskHistoryRecord struct {
	ID           string
	TaskID       string
	TaskType     string
	Status       Status // StatusSuccess or StatusFailed
	StartedAt    time.Time
	FinishedAt   time.Time
	Duration     time.Duration
	Error        string
	ResultJSON   string
	MetadataJSON string
}
