package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taskdepot/taskdepot/internal/services/dispatcher/domain"
	sqlitestore "github.com/taskdepot/taskdepot/internal/services/dispatcher/storage/sqlite"
)

func openSeedStore(t *testing.T) (*sqlitestore.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatcher.db")
	store, err := sqlitestore.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return store, path
}

func seedTask(t *testing.T, store *sqlitestore.Store, status domain.Status) string {
	t.Helper()
	ctx := context.Background()
	taskID, err := store.Enqueue(ctx, domain.TaskRecord{
		Type:     "send-email",
		QueueKey: "mail",
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	switch status {
	case domain.StatusQueued:
	case domain.StatusRunning:
		if err := store.MarkRunning(ctx, taskID, time.Now().Add(-time.Hour)); err != nil {
			t.Fatalf("MarkRunning() error = %v", err)
		}
	case domain.StatusFailed:
		if err := store.MarkFailed(ctx, taskID, "relay unreachable", time.Now()); err != nil {
			t.Fatalf("MarkFailed() error = %v", err)
		}
	default:
		t.Fatalf("unsupported seed status %q", status)
	}
	return taskID
}

func seedHistory(t *testing.T, store *sqlitestore.Store, count int) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < count; i++ {
		err := store.AppendHistory(ctx, domain.TaskHistoryRecord{
			TaskID:     "task-1",
			TaskType:   "send-email",
			Status:     domain.StatusSuccess,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		})
		if err != nil {
			t.Fatalf("AppendHistory() error = %v", err)
		}
	}
}

func TestRunRequiresAnOperation(t *testing.T) {
	_, path := openSeedStore(t)
	err := Run(context.Background(), Config{DBPath: path}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "nothing to do") {
		t.Fatalf("Run() error = %v, want nothing to do", err)
	}
}

func TestRunPrunesHistory(t *testing.T) {
	store, path := openSeedStore(t)
	seedHistory(t, store, 5)

	var out bytes.Buffer
	err := Run(context.Background(), Config{DBPath: path, HistoryKeep: 2}, &out, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "history pruned: 3") {
		t.Errorf("output = %q, want history pruned: 3", out.String())
	}
	total, err := store.CountHistory(context.Background(), "")
	if err != nil {
		t.Fatalf("CountHistory() error = %v", err)
	}
	if total != 2 {
		t.Errorf("remaining history = %d, want 2", total)
	}
}

func TestRunDryRunLeavesHistoryUntouched(t *testing.T) {
	store, path := openSeedStore(t)
	seedHistory(t, store, 5)

	var out bytes.Buffer
	cfg := Config{DBPath: path, HistoryKeep: 2, DryRun: true, JSONOutput: true}
	if err := Run(context.Background(), cfg, &out, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var report Report
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !report.DryRun || report.HistoryPruned != 3 {
		t.Errorf("report = %+v, want dry run with 3 prunable", report)
	}
	total, err := store.CountHistory(context.Background(), "")
	if err != nil {
		t.Fatalf("CountHistory() error = %v", err)
	}
	if total != 5 {
		t.Errorf("history after dry run = %d, want 5", total)
	}
}

func TestRunReclaimsStaleTasks(t *testing.T) {
	store, path := openSeedStore(t)
	taskID := seedTask(t, store, domain.StatusRunning)

	var out bytes.Buffer
	cfg := Config{DBPath: path, ReclaimStale: true, LeaseTTL: 5 * time.Minute, JSONOutput: true}
	if err := Run(context.Background(), cfg, &out, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var report Report
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.StaleReclaimed != 1 {
		t.Errorf("StaleReclaimed = %d, want 1", report.StaleReclaimed)
	}
	task, err := store.Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if task.Status != domain.StatusQueued {
		t.Errorf("Status = %q, want queued after reclaim", task.Status)
	}
}

func TestRunDeletesFailedTasks(t *testing.T) {
	store, path := openSeedStore(t)
	failedA := seedTask(t, store, domain.StatusFailed)
	failedB := seedTask(t, store, domain.StatusFailed)
	queued := seedTask(t, store, domain.StatusQueued)

	var out bytes.Buffer
	cfg := Config{DBPath: path, DeleteFailed: true, JSONOutput: true}
	if err := Run(context.Background(), cfg, &out, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var report Report
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.FailedDeleted != 2 {
		t.Errorf("FailedDeleted = %d, want 2", report.FailedDeleted)
	}
	ctx := context.Background()
	for _, taskID := range []string{failedA, failedB} {
		if _, err := store.Get(ctx, taskID); err == nil {
			t.Errorf("Get(%s) succeeded, want deleted", taskID)
		}
	}
	if _, err := store.Get(ctx, queued); err != nil {
		t.Errorf("Get(queued) error = %v, want survivor", err)
	}
}

func TestRunDeleteFailedRespectsAgeCutoff(t *testing.T) {
	store, path := openSeedStore(t)
	fresh := seedTask(t, store, domain.StatusFailed)

	var out bytes.Buffer
	cfg := Config{DBPath: path, DeleteFailed: true, FailedOlderThan: time.Hour, JSONOutput: true}
	if err := Run(context.Background(), cfg, &out, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var report Report
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.FailedDeleted != 0 {
		t.Errorf("FailedDeleted = %d, want 0 for tasks younger than cutoff", report.FailedDeleted)
	}
	if _, err := store.Get(context.Background(), fresh); err != nil {
		t.Errorf("Get() error = %v, want fresh failure kept", err)
	}
}

func TestRunDryRunCountsFailedWithoutDeleting(t *testing.T) {
	store, path := openSeedStore(t)
	failed := seedTask(t, store, domain.StatusFailed)

	var out bytes.Buffer
	cfg := Config{DBPath: path, DeleteFailed: true, DryRun: true, JSONOutput: true}
	if err := Run(context.Background(), cfg, &out, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var report Report
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.FailedDeleted != 1 {
		t.Errorf("FailedDeleted = %d, want 1 counted", report.FailedDeleted)
	}
	if _, err := store.Get(context.Background(), failed); err != nil {
		t.Errorf("Get() error = %v, want task kept under dry run", err)
	}
}

func TestParseConfigFlags(t *testing.T) {
	fs := flag.NewFlagSet("maintenance", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{
		"-db-path", "/tmp/d.db",
		"-history-keep", "500",
		"-reclaim-stale",
		"-lease-ttl", "10m",
		"-delete-failed",
		"-failed-older-than", "24h",
		"-dry-run",
		"-json",
	})
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.DBPath != "/tmp/d.db" || cfg.HistoryKeep != 500 {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.ReclaimStale || cfg.LeaseTTL != 10*time.Minute {
		t.Errorf("reclaim config = %v %v", cfg.ReclaimStale, cfg.LeaseTTL)
	}
	if !cfg.DeleteFailed || cfg.FailedOlderThan != 24*time.Hour {
		t.Errorf("delete config = %v %v", cfg.DeleteFailed, cfg.FailedOlderThan)
	}
	if !cfg.DryRun || !cfg.JSONOutput {
		t.Errorf("output config = %v %v", cfg.DryRun, cfg.JSONOutput)
	}
	if cfg.Timeout != 10*time.Minute {
		t.Errorf("Timeout = %v, want default 10m", cfg.Timeout)
	}
}
