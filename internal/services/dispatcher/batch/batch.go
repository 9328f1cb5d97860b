// Package batch runs many items with bounded concurrency and partial-failure
// aggregation. Items are processed in sequential chunks; within a chunk all
// items run concurrently, so one slow item delays its chunk, never the whole
// set.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/taskdepot/taskdepot/internal/platform/errors"
	"github.com/taskdepot/taskdepot/internal/platform/timeouts"
)

// ErrSkip marks an item as deliberately not processed, for example a cache
// artifact that already exists. Skips are counted apart from successes.
var ErrSkip = errors.New("item skipped")

// Options bounds one batch run. Zero fields fall back to defaults.
type Options struct {
	// BatchSize is the chunk size and the concurrency bound within a
	// chunk.
	BatchSize int
	// ItemTimeout caps each item; exceeding it records a synthetic
	// timeout failure without crashing the batch.
	ItemTimeout time.Duration
	// ChunkDelay is the pause between chunks, smoothing load spikes on
	// the downstream service.
	ChunkDelay time.Duration
}

func (o Options) normalized() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 5
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = timeouts.CollaboratorRequest
	}
	if o.ChunkDelay < 0 {
		o.ChunkDelay = 0
	}
	return o
}

// ItemError records one failed item by its position in the input.
type ItemError struct {
	Index int
	Err   error
}

// Result aggregates one batch run. Success+Failed+Skipped always equals the
// number of input items, regardless of completion order.
type Result struct {
	Success int
	Failed  int
	Skipped int
	Errors  []ItemError
}

// Run processes items in chunks of opts.BatchSize, each chunk concurrently.
// fn returning ErrSkip counts the item as skipped; any other error, or
// exceeding the per-item timeout, counts it as failed.
func Run[T any](ctx context.Context, items []T, opts Options, fn func(ctx context.Context, item T) error) Result {
	opts = opts.normalized()
	outcomes := make([]error, len(items))

	for start := 0; start < len(items); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			for i := start; i < len(items); i++ {
				outcomes[i] = fmt.Errorf("batch canceled: %w", err)
			}
			break
		}

		end := start + opts.BatchSize
		if end > len(items) {
			end = len(items)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				outcomes[idx] = runItem(ctx, items[idx], idx, opts.ItemTimeout, fn)
			}(i)
		}
		wg.Wait()

		if end < len(items) && opts.ChunkDelay > 0 {
			select {
			case <-time.After(opts.ChunkDelay):
			case <-ctx.Done():
			}
		}
	}

	var result Result
	for idx, err := range outcomes {
		switch {
		case err == nil:
			result.Success++
		case errors.Is(err, ErrSkip):
			result.Skipped++
		default:
			result.Failed++
			result.Errors = append(result.Errors, ItemError{Index: idx, Err: err})
		}
	}
	return result
}

// runItem bounds one item with its own deadline. A stuck fn cannot stall the
// chunk: the timeout is recorded and the chunk moves on.
func runItem[T any](ctx context.Context, item T, idx int, timeout time.Duration, fn func(ctx context.Context, item T) error) error {
	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(itemCtx, item)
	}()

	select {
	case err := <-done:
		return err
	case <-itemCtx.Done():
		return apperrors.New(
			apperrors.CodeExecutionTimeout,
			fmt.Sprintf("item %d timed out after %s", idx, timeout),
		)
	}
}
