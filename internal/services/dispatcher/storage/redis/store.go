// Package redis provides the low-latency Redis-backed queue store. Pending
// tasks live in per-queue sorted sets whose score encodes priority and
// creation time; task records live in hashes; claims run as Lua scripts so
// state transitions stay atomic.
package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/storage"
)

const (
	keyPrefix = "dispatcher:"
	queuesKey = keyPrefix + "queues"

	// priorityStride separates priority bands in the pending-set score.
	// Scores are createdAtMillis minus priority*stride, so a higher
	// priority always sorts before any creation time within a lower one.
	priorityStride = 1e13
)

// Store persists live task records in Redis.
type Store struct {
	client *redis.Client
}

// Options configures the Redis connection.
type Options struct {
	Addr string
	DB   int
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
		DB:   opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping redis: %v", storage.ErrUnavailable, err)
	}
	return &Store{client: client}, nil
}

// Driver reports the backend kind for diagnostics.
func (s *Store) Driver() string {
	return storage.DriverRedis
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func taskKey(taskID string) string {
	return keyPrefix + "task:" + taskID
}

func pendingKey(queueKey string) string {
	return keyPrefix + "queue:" + queueKey + ":pending"
}

func delayedKey(queueKey string) string {
	return keyPrefix + "queue:" + queueKey + ":delayed"
}

func runningKey(queueKey string) string {
	return keyPrefix + "queue:" + queueKey + ":running"
}

func failedKey(queueKey string) string {
	return keyPrefix + "queue:" + queueKey + ":failed"
}

func pausedKey(queueKey string) string {
	return keyPrefix + "queue:" + queueKey + ":paused"
}

func pendingScore(priority int, createdAtMillis int64) float64 {
	return float64(createdAtMillis) - float64(priority)*priorityStride
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", storage.ErrUnavailable, op, err)
}
