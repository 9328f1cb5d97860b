// Package dispatch orchestrates task execution: it polls queues, resolves
// handlers, runs them through the circuit breaker and retry executor, records
// history, and notifies triggering users.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/taskdepot/taskdepot/internal/platform/errors"
	"github.com/taskdepot/taskdepot/internal/platform/timeouts"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/breaker"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/cleanup"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/domain"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/notify"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/registry"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/retry"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/storage"
)

// Notification event types pushed to the triggering user.
const (
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
)

// DependencyNamer lets a handler name the external dependency its execution
// calls, so every task type sharing that dependency shares one breaker.
// Handlers without it get a breaker keyed by their task type.
type DependencyNamer interface {
	Dependency() (string, breaker.Config)
}

// Config bounds the dispatcher's poll loops. Zero fields fall back to
// defaults.
type Config struct {
	// Queues lists the queue keys to poll. Empty means the static
	// catalog.
	Queues []string
	// Workers bounds concurrent task executions per queue.
	Workers int
	// BatchSize is the dequeue batch size per poll.
	BatchSize int
	// PollInterval is the idle delay between polls.
	PollInterval time.Duration
	// MaxPollBackoff caps the delay after consecutive backend failures.
	MaxPollBackoff time.Duration
	// ElevatedPriority is assigned to administrative run-now tasks.
	ElevatedPriority int
}

func (c Config) normalized() Config {
	if len(c.Queues) == 0 {
		for _, spec := range domain.KnownQueues() {
			c.Queues = append(c.Queues, spec.Key)
		}
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxPollBackoff <= 0 {
		c.MaxPollBackoff = 30 * time.Second
	}
	if c.ElevatedPriority <= 0 {
		c.ElevatedPriority = 100
	}
	return c
}

// Dispatcher pulls tasks from the queue backend and executes them.
type Dispatcher struct {
	backend  storage.QueueBackend
	history  storage.HistoryStore
	registry *registry.Registry
	breakers *breaker.Registry
	notifier notify.Notifier
	tracer   trace.Tracer
	config   Config

	now func() time.Time
}

// New wires a dispatcher. The breaker registry and handler registry are
// shared process-wide; the caller owns their lifetimes.
func New(backend storage.QueueBackend, history storage.HistoryStore, reg *registry.Registry, breakers *breaker.Registry, notifier notify.Notifier, config Config) (*Dispatcher, error) {
	if backend == nil {
		return nil, fmt.Errorf("queue backend is required")
	}
	if history == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("handler registry is required")
	}
	if breakers == nil {
		breakers = breaker.NewRegistry()
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Dispatcher{
		backend:  backend,
		history:  history,
		registry: reg,
		breakers: breakers,
		notifier: notify.BestEffort{Notifier: notifier},
		tracer:   otel.Tracer("taskdepot/dispatcher"),
		config:   config.normalized(),
		now:      time.Now,
	}, nil
}

// Enqueue appends a task to its queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task domain.TaskRecord) (string, error) {
	return d.backend.Enqueue(ctx, task)
}

// RunNow re-enqueues a copy of an existing task with elevated priority,
// tagged with the triggering user so completion notifies them. Validation
// and retry rules stay exactly as for scheduled tasks of the same type.
func (d *Dispatcher) RunNow(ctx context.Context, taskID, userID string) (string, error) {
	original, err := d.backend.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	copyTask := domain.TaskRecord{
		Type:        original.Type,
		Name:        original.Name,
		PayloadJSON: original.PayloadJSON,
		Priority:    d.config.ElevatedPriority,
		MaxRetries:  original.MaxRetries,
		QueueKey:    original.QueueKey,
		TriggeredBy: strings.TrimSpace(userID),
		Timeout:     original.Timeout,
	}
	if copyTask.Priority < original.Priority {
		copyTask.Priority = original.Priority
	}
	return d.backend.Enqueue(ctx, copyTask)
}

// Run polls every configured queue until ctx is canceled. Worker pools are
// per queue so one saturated queue cannot starve the others.
func (d *Dispatcher) Run(ctx context.Context) error {
	done := make(chan struct{}, len(d.config.Queues))
	for _, queueKey := range d.config.Queues {
		go func(queueKey string) {
			defer func() { done <- struct{}{} }()
			d.pollQueue(ctx, queueKey)
		}(queueKey)
	}
	for range d.config.Queues {
		<-done
	}
	return ctx.Err()
}

// pollQueue runs the dequeue loop for one queue. Backend unavailability
// backs off the poll; it never marks a task failed.
func (d *Dispatcher) pollQueue(ctx context.Context, queueKey string) {
	sem := make(chan struct{}, d.config.Workers)
	delay := d.config.PollInterval
	for {
		select {
		case <-ctx.Done():
			// Drain in-flight executions before returning.
			for i := 0; i < d.config.Workers; i++ {
				sem <- struct{}{}
			}
			return
		case <-time.After(delay):
		}

		tasks, err := d.backend.DequeueBatch(ctx, queueKey, d.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			delay *= 2
			if delay > d.config.MaxPollBackoff {
				delay = d.config.MaxPollBackoff
			}
			log.Printf("dequeue %s: %v (next poll in %s)", queueKey, err, delay)
			continue
		}
		delay = d.config.PollInterval

		for _, task := range tasks {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(task domain.TaskRecord) {
				defer func() { <-sem }()
				d.process(ctx, task)
			}(task)
		}
	}
}

// process drives one task through its lifecycle. Handler errors are
// converted to history records here; they never crash the loop.
func (d *Dispatcher) process(ctx context.Context, task domain.TaskRecord) {
	// State transitions and history must land even when shutdown cancels
	// the poll context mid-task.
	bookCtx := context.WithoutCancel(ctx)

	handler, err := d.registry.Resolve(task.Type)
	if err != nil {
		d.failBeforeRunning(bookCtx, task, err)
		return
	}

	payload, err := decodePayload(task.PayloadJSON)
	if err == nil {
		err = handler.Validate(payload)
	}
	if err != nil {
		// Invalid payloads never enter running.
		d.failBeforeRunning(bookCtx, task, err)
		return
	}

	startedAt := d.now()
	if err := d.backend.MarkRunning(bookCtx, task.ID, startedAt); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Another worker won the claim.
			return
		}
		log.Printf("claim task %s: %v", task.ID, err)
		return
	}

	result, execErr := d.execute(ctx, handler, task)
	finishedAt := d.now()

	if execErr == nil {
		if err := d.backend.MarkSuccess(bookCtx, task.ID, finishedAt); err != nil {
			log.Printf("mark task %s success: %v", task.ID, err)
		}
		d.appendHistory(bookCtx, task, domain.StatusSuccess, startedAt, finishedAt, "", result)
		d.notifier.Send(bookCtx, task.TriggeredBy, EventTaskCompleted, map[string]any{
			"task_id": task.ID,
			"name":    task.Name,
			"type":    task.Type,
		}, []string{"web"})
		return
	}

	d.appendHistory(bookCtx, task, domain.StatusFailed, startedAt, finishedAt, execErr.Error(), nil)

	if apperrors.IsRetryable(execErr) && task.RetryCount < task.MaxRetries {
		nextAttemptAt := finishedAt.Add(handler.RetryPolicy().DelayFor(task.RetryCount))
		if err := d.backend.RequeueForRetry(bookCtx, task.ID, nextAttemptAt, execErr.Error()); err != nil {
			log.Printf("requeue task %s: %v", task.ID, err)
		}
		return
	}

	if err := d.backend.MarkFailed(bookCtx, task.ID, execErr.Error(), finishedAt); err != nil {
		log.Printf("mark task %s failed: %v", task.ID, err)
	}
	d.notifier.Send(bookCtx, task.TriggeredBy, EventTaskFailed, map[string]any{
		"task_id": task.ID,
		"name":    task.Name,
		"type":    task.Type,
		"error":   execErr.Error(),
	}, []string{"web"})
}

// execute runs the handler through breaker(retry(execute)) under the task's
// deadline, with a scoped cleanup stack for temporary resources.
func (d *Dispatcher) execute(ctx context.Context, handler registry.Handler, task domain.TaskRecord) (map[string]any, error) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = timeouts.TaskExecution
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCtx, span := d.tracer.Start(execCtx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", task.Type),
		attribute.String("queue.key", task.QueueKey),
		attribute.Int("task.retry_count", task.RetryCount),
	))
	defer span.End()

	execCtx, stack := cleanup.NewContext(execCtx)
	defer stack.Run()

	var result map[string]any
	execErr := d.breakerFor(handler, task).Execute(execCtx, func(callCtx context.Context) error {
		return retry.Do(callCtx, handler.RetryPolicy(), func(attemptCtx context.Context) error {
			out, err := handler.Execute(attemptCtx, task)
			if err == nil {
				result = out
			}
			return err
		})
	})

	if execErr != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		execErr = apperrors.Wrap(
			apperrors.CodeExecutionTimeout,
			fmt.Sprintf("task %s exceeded its %s deadline", task.ID, timeout),
			execErr,
		)
	}
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(execErr)))
		return nil, execErr
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (d *Dispatcher) breakerFor(handler registry.Handler, task domain.TaskRecord) *breaker.Breaker {
	if namer, ok := handler.(DependencyNamer); ok {
		name, config := namer.Dependency()
		return d.breakers.GetOrCreate(name, config)
	}
	return d.breakers.GetOrCreate(task.Type, breaker.Config{})
}

// failBeforeRunning terminally fails a task that never entered running:
// unknown type or payload validation failure. Exactly one history record is
// written.
func (d *Dispatcher) failBeforeRunning(ctx context.Context, task domain.TaskRecord, cause error) {
	now := d.now()
	if err := d.backend.MarkFailed(ctx, task.ID, cause.Error(), now); err != nil {
		log.Printf("mark task %s failed: %v", task.ID, err)
	}
	d.appendHistory(ctx, task, domain.StatusFailed, now, now, cause.Error(), nil)
	d.notifier.Send(ctx, task.TriggeredBy, EventTaskFailed, map[string]any{
		"task_id": task.ID,
		"name":    task.Name,
		"type":    task.Type,
		"error":   cause.Error(),
	}, []string{"web"})
}

func (d *Dispatcher) appendHistory(ctx context.Context, task domain.TaskRecord, status domain.Status, startedAt, finishedAt time.Time, errMessage string, result map[string]any) {
	record := domain.TaskHistoryRecord{
		TaskID:     task.ID,
		TaskType:   task.Type,
		Status:     status,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startedAt),
		Error:      errMessage,
	}
	if len(result) > 0 {
		if encoded, err := json.Marshal(result); err == nil {
			record.ResultJSON = string(encoded)
		}
	}
	if err := d.history.AppendHistory(ctx, record); err != nil {
		log.Printf("append history for task %s: %v", task.ID, err)
	}
}

func decodePayload(payloadJSON string) (map[string]any, error) {
	payloadJSON = strings.TrimSpace(payloadJSON)
	if payloadJSON == "" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTaskValidation, "task payload is not a JSON object", err)
	}
	return payload, nil
}
