// Package registry maps task type strings to handler implementations and
// exposes their payload schemas to the administrative surface.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/taskdepot/taskdepot/internal/platform/errors"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/domain"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/retry"
)

// Field describes one accepted payload field.
type Field struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Schema describes the payload a task type accepts.
type Schema struct {
	Type        string  `json:"type"`
	Description string  `json:"description,omitempty"`
	Fields      []Field `json:"fields"`
}

// Handler executes one task type. Validate runs before a task ever reaches
// running; Execute must honor ctx cancellation since the dispatcher enforces
// per-task deadlines with it.
type Handler interface {
	Schema() Schema
	Validate(payload map[string]any) error
	Execute(ctx context.Context, task domain.TaskRecord) (map[string]any, error)

	// RetryPolicy bounds the in-process retry sequence around one Execute
	// call. This is separate from the task-level retry budget.
	RetryPolicy() retry.Policy
}

// Registry holds the handler for each task type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns an empty handler registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task type. Registering a type twice fails so
// a restart without clean shutdown cannot double-count work.
func (r *Registry) Register(taskType string, handler Handler) error {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" {
		return apperrors.New(apperrors.CodeTaskValidation, "task type is required")
	}
	if handler == nil {
		return apperrors.New(apperrors.CodeTaskValidation, fmt.Sprintf("handler for %q is nil", taskType))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		return apperrors.New(apperrors.CodeDuplicateTaskType, fmt.Sprintf("task type %q is already registered", taskType))
	}
	r.handlers[taskType] = handler
	return nil
}

// Resolve returns the handler for a task type. The dispatcher treats an
// unknown type as a permanent failure.
func (r *Registry) Resolve(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[taskType]
	if !ok {
		return nil, apperrors.New(apperrors.CodeUnknownTaskType, fmt.Sprintf("no handler registered for task type %q", taskType))
	}
	return handler, nil
}

// Types lists the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for taskType := range r.handlers {
		types = append(types, taskType)
	}
	sort.Strings(types)
	return types
}

// Schemas lists every registered handler's schema, sorted by type.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]Schema, 0, len(r.handlers))
	for _, handler := range r.handlers {
		schemas = append(schemas, handler.Schema())
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Type < schemas[j].Type })
	return schemas
}
