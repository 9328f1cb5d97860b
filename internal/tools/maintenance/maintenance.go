// Package maintenance provides offline administration over the dispatcher's
// SQLite store: history retention pruning, stale-claim reclaim, and failed
// task cleanup.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/domain"
	sqlitestore "github.com/taskdepot/taskdepot/internal/services/dispatcher/storage/sqlite"
)

// Config holds maintenance command configuration.
type Config struct {
	DBPath  string        `env:"TASKDEPOT_DISPATCHER_DB_PATH" envDefault:"data/dispatcher.db"`
	Timeout time.Duration `env:"TASKDEPOT_MAINTENANCE_TIMEOUT" envDefault:"10m"`

	HistoryKeep     int
	ReclaimStale    bool
	LeaseTTL        time.Duration
	DeleteFailed    bool
	FailedOlderThan time.Duration
	DryRun          bool
	JSONOutput      bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the dispatcher sqlite database")
	fs.IntVar(&cfg.HistoryKeep, "history-keep", 0, "prune history down to this many records (0 = skip)")
	fs.BoolVar(&cfg.ReclaimStale, "reclaim-stale", false, "requeue running tasks whose claim exceeded -lease-ttl")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", 5*time.Minute, "claim age treated as stale by -reclaim-stale")
	fs.BoolVar(&cfg.DeleteFailed, "delete-failed", false, "delete terminally failed tasks")
	fs.DurationVar(&cfg.FailedOlderThan, "failed-older-than", 0, "only delete failed tasks created at least this long ago (0 = all)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "report what would change without mutating")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output a JSON report")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Report summarizes one maintenance run.
type Report struct {
	DryRun         bool `json:"dry_run"`
	HistoryPruned  int  `json:"history_pruned"`
	StaleReclaimed int  `json:"stale_reclaimed"`
	FailedDeleted  int  `json:"failed_deleted"`
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	if cfg.HistoryKeep <= 0 && !cfg.ReclaimStale && !cfg.DeleteFailed {
		return errors.New("nothing to do: pass -history-keep, -reclaim-stale, or -delete-failed")
	}

	store, err := sqlitestore.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open dispatcher store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "close dispatcher store: %v\n", closeErr)
		}
	}()

	report := Report{DryRun: cfg.DryRun}

	if cfg.HistoryKeep > 0 {
		if cfg.DryRun {
			total, countErr := store.CountHistory(ctx, "")
			if countErr != nil {
				return fmt.Errorf("count history: %w", countErr)
			}
			if total > cfg.HistoryKeep {
				report.HistoryPruned = total - cfg.HistoryKeep
			}
		} else {
			pruned, pruneErr := store.PruneHistory(ctx, cfg.HistoryKeep)
			if pruneErr != nil {
				return fmt.Errorf("prune history: %w", pruneErr)
			}
			report.HistoryPruned = pruned
		}
	}

	if cfg.ReclaimStale {
		if cfg.DryRun {
			fmt.Fprintln(errOut, "skipping -reclaim-stale under -dry-run")
		} else {
			reclaimed, reclaimErr := store.ReclaimStale(ctx, time.Now(), cfg.LeaseTTL)
			if reclaimErr != nil {
				return fmt.Errorf("reclaim stale tasks: %w", reclaimErr)
			}
			report.StaleReclaimed = reclaimed
		}
	}

	if cfg.DeleteFailed {
		deleted, deleteErr := deleteFailed(ctx, store, cfg.FailedOlderThan, cfg.DryRun)
		if deleteErr != nil {
			return deleteErr
		}
		report.FailedDeleted = deleted
	}

	if cfg.JSONOutput {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	fmt.Fprintf(out, "history pruned: %d\nstale reclaimed: %d\nfailed deleted: %d\n",
		report.HistoryPruned, report.StaleReclaimed, report.FailedDeleted)
	if cfg.DryRun {
		fmt.Fprintln(out, "(dry run, nothing was changed)")
	}
	return nil
}

func deleteFailed(ctx context.Context, store *sqlitestore.Store, olderThan time.Duration, dryRun bool) (int, error) {
	failedIDs, err := store.ListFailedTaskIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list failed tasks: %w", err)
	}
	var cutoff time.Time
	if olderThan > 0 {
		cutoff = time.Now().Add(-olderThan)
	}
	deleted := 0
	for _, taskID := range failedIDs {
		task, getErr := store.Get(ctx, taskID)
		if getErr != nil {
			continue
		}
		if task.Status != domain.StatusFailed {
			continue
		}
		if !cutoff.IsZero() && task.CreatedAt.After(cutoff) {
			continue
		}
		if dryRun {
			deleted++
			continue
		}
		if deleteErr := store.Delete(ctx, taskID); deleteErr != nil {
			return deleted, fmt.Errorf("delete task %s: %w", taskID, deleteErr)
		}
		deleted++
	}
	return deleted, nil
}
