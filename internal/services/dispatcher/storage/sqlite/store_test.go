package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/taskdepot/taskdepot/internal/services/dispatcher/domain"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/storage"
)

func TestEnqueueAndDequeueOrdering(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ids := make(map[string]string)
	for name, task := range map[string]domain.TaskRecord{
		"low-old":   {Type: "email.send", QueueKey: "mail", Priority: 0, CreatedAt: base},
		"low-new":   {Type: "email.send", QueueKey: "mail", Priority: 0, CreatedAt: base.Add(time.Second)},
		"high-late": {Type: "email.send", QueueKey: "mail", Priority: 5, CreatedAt: base.Add(2 * time.Second)},
	} {
		id, err := store.Enqueue(ctx, task)
		if err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
		ids[name] = id
	}

	tasks, err := store.DequeueBatch(ctx, "mail", 10)
	if err != nil {
		t.Fatalf("dequeue batch: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("dequeued %d tasks, want 3", len(tasks))
	}
	if tasks[0].ID != ids["high-late"] {
		t.Fatalf("tasks[0] = %s, want high priority first", tasks[0].ID)
	}
	if tasks[1].ID != ids["low-old"] || tasks[2].ID != ids["low-new"] {
		t.Fatal("expected FIFO order within equal priority")
	}
}

func TestDequeueSkipsDelayedUntilDue(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, domain.TaskRecord{
		Type:        "cache.generate",
		QueueKey:    "system",
		ScheduledAt: time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}

	tasks, err := store.DequeueBatch(ctx, "system", 10)
	if err != nil {
		t.Fatalf("dequeue batch: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("dequeued %d tasks, want 0 (not yet due)", len(tasks))
	}

	task, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.StatusDelayed {
		t.Fatalf("status = %q, want %q", task.Status, domain.StatusDelayed)
	}
}

func TestMarkRunningClaimsOnce(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, domain.TaskRecord{Type: "email.send", QueueKey: "mail"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := store.MarkRunning(ctx, id, time.Now()); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := store.MarkRunning(ctx, id, time.Now()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second claim = %v, want ErrNotFound", err)
	}
}

func TestAtMostOneWorkerClaims(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, domain.TaskRecord{Type: "email.send", QueueKey: "mail"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	claims := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claims <- store.MarkRunning(ctx, id, time.Now())
		}()
	}
	wg.Wait()
	close(claims)

	claimed := 0
	for err := range claims {
		if err == nil {
			claimed++
		} else if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if claimed != 1 {
		t.Fatalf("claimed = %d, want exactly 1", claimed)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, domain.TaskRecord{Type: "email.send", QueueKey: "mail", MaxRetries: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := store.MarkRunning(ctx, id, time.Now()); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := store.RequeueForRetry(ctx, id, time.Now().UTC().Add(-time.Second), "boom"); err != nil {
		t.Fatalf("requeue for retry: %v", err)
	}

	task, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", task.RetryCount)
	}
	if task.LastError != "boom" {
		t.Fatalf("last error = %q, want %q", task.LastError, "boom")
	}

	tasks, err := store.DequeueBatch(ctx, "mail", 1)
	if err != nil {
		t.Fatalf("dequeue after retry: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != id {
		t.Fatal("expected retried task to be deliverable again")
	}

	if err := store.MarkRunning(ctx, id, time.Now()); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if err := store.MarkSuccess(ctx, id, time.Now()); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	task, err = store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get after success: %v", err)
	}
	if task.Status != domain.StatusSuccess {
		t.Fatalf("status = %q, want %q", task.Status, domain.StatusSuccess)
	}
}

func TestMarkFailedFromQueued(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, domain.TaskRecord{Type: "email.send", QueueKey: "mail"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.MarkFailed(ctx, id, `provide "to" or "recipients"`, time.Now()); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	task, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != domain.StatusFailed {
		t.Fatalf("status = %q, want %q", task.Status, domain.StatusFailed)
	}
	if task.LastError != `provide "to" or "recipients"` {
		t.Fatalf("last error = %q", task.LastError)
	}
}

func TestReclaimStale(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := store.Enqueue(ctx, domain.TaskRecord{Type: "email.send", QueueKey: "mail"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.MarkRunning(ctx, id, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	fresh, err := store.Enqueue(ctx, domain.TaskRecord{Type: "email.send", QueueKey: "mail"})
	if err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}
	if err := store.MarkRunning(ctx, fresh, now); err != nil {
		t.Fatalf("mark fresh running: %v", err)
	}

	reclaimed, err := store.ReclaimStale(ctx, now, 5*time.Minute)
	if err != nil {
		t.Fatalf("reclaim stale: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}

	task, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get stale task: %v", err)
	}
	if task.Status != domain.StatusQueued {
		t.Fatalf("stale task status = %q, want %q", task.Status, domain.StatusQueued)
	}
	running, err := store.Get(ctx, fresh)
	if err != nil {
		t.Fatalf("get fresh task: %v", err)
	}
	if running.Status != domain.StatusRunning {
		t.Fatalf("fresh task status = %q, want %q", running.Status, domain.StatusRunning)
	}
}

func TestListQueuesAndDiscovery(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, domain.TaskRecord{Type: "email.send", QueueKey: "mail"}); err != nil {
		t.Fatalf("enqueue mail: %v", err)
	}
	if _, err := store.Enqueue(ctx, domain.TaskRecord{Type: "import.run", QueueKey: "imports"}); err != nil {
		t.Fatalf("enqueue discovered: %v", err)
	}

	infos, err := store.ListQueues(ctx, false)
	if err != nil {
		t.Fatalf("list queues: %v", err)
	}
	if len(infos) != len(domain.KnownQueues()) {
		t.Fatalf("listed %d queues, want %d known", len(infos), len(domain.KnownQueues()))
	}

	infos, err = store.ListQueues(ctx, true)
	if err != nil {
		t.Fatalf("list queues discovered: %v", err)
	}
	found := false
	for _, info := range infos {
		if info.Key == "imports" {
			found = true
			if info.Depth != 1 {
				t.Fatalf("imports depth = %d, want 1", info.Depth)
			}
		}
	}
	if !found {
		t.Fatal("expected discovered queue 'imports'")
	}
}

func TestClearQueueAndClearAll(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Enqueue(ctx, domain.TaskRecord{Type: "email.send", QueueKey: "mail"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := store.Enqueue(ctx, domain.TaskRecord{Type: "cache.generate", QueueKey: "system"}); err != nil {
		t.Fatalf("enqueue system: %v", err)
	}

	cleared, err := store.ClearQueue(ctx, "mail")
	if err != nil {
		t.Fatalf("clear queue: %v", err)
	}
	if cleared != 3 {
		t.Fatalf("cleared = %d, want 3", cleared)
	}

	cleared, err = store.ClearAll(ctx)
	if err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("cleared = %d, want 1", cleared)
	}
}

func TestPauseUnsupported(t *testing.T) {
	store := openTempStore(t)
	if err := store.Pause(context.Background(), "mail"); !errors.Is(err, storage.ErrUnsupported) {
		t.Fatalf("pause = %v, want ErrUnsupported", err)
	}
	if err := store.Resume(context.Background(), "mail"); !errors.Is(err, storage.ErrUnsupported) {
		t.Fatalf("resume = %v, want ErrUnsupported", err)
	}
}

func TestHistoryAppendListPrune(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := store.AppendHistory(ctx, domain.TaskHistoryRecord{
			TaskID:     "task-1",
			TaskType:   "email.send",
			Status:     domain.StatusSuccess,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		}); err != nil {
			t.Fatalf("append history %d: %v", i, err)
		}
	}

	records, err := store.ListHistory(ctx, "task-1", 10, 0)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("history len = %d, want 5", len(records))
	}
	if !records[0].FinishedAt.After(records[4].FinishedAt) {
		t.Fatal("expected newest-first ordering")
	}

	count, err := store.CountHistory(ctx, "task-1")
	if err != nil {
		t.Fatalf("count history: %v", err)
	}
	if count != 5 {
		t.Fatalf("count = %d, want 5", count)
	}

	pruned, err := store.PruneHistory(ctx, 2)
	if err != nil {
		t.Fatalf("prune history: %v", err)
	}
	if pruned != 3 {
		t.Fatalf("pruned = %d, want 3", pruned)
	}
	count, err = store.CountHistory(ctx, "")
	if err != nil {
		t.Fatalf("count after prune: %v", err)
	}
	if count != 2 {
		t.Fatalf("count after prune = %d, want 2", count)
	}
}

func TestHistoryRejectsNonTerminalStatus(t *testing.T) {
	store := openTempStore(t)
	err := store.AppendHistory(context.Background(), domain.TaskHistoryRecord{
		TaskID: "task-1",
		Status: domain.StatusRunning,
	})
	if err == nil {
		t.Fatal("expected error for non-terminal history status")
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatcher.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
