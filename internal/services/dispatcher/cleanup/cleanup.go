// Package cleanup collects temporary-resource teardown callbacks during task
// execution. Handlers register cleanups as they acquire resources; the
// dispatcher runs the whole stack on every exit path, success or failure.
package cleanup

import (
	"context"
	"log"
	"sync"
)

type contextKey struct{}

// Stack accumulates cleanup callbacks. Callbacks run in reverse registration
// order, so later acquisitions tear down first.
type Stack struct {
	mu  sync.Mutex
	fns []func() error
}

// NewContext returns ctx carrying a fresh stack, plus the stack itself for
// the owner to run.
func NewContext(ctx context.Context) (context.Context, *Stack) {
	stack := &Stack{}
	return context.WithValue(ctx, contextKey{}, stack), stack
}

// FromContext returns the stack carried by ctx, if any.
func FromContext(ctx context.Context) (*Stack, bool) {
	stack, ok := ctx.Value(contextKey{}).(*Stack)
	return stack, ok
}

// Register adds fn to the stack carried by ctx. It reports false when ctx
// carries no stack; callers then own their cleanup directly.
func Register(ctx context.Context, fn func() error) bool {
	stack, ok := FromContext(ctx)
	if !ok {
		return false
	}
	stack.Register(fn)
	return true
}

// Register adds fn to the stack.
func (s *Stack) Register(fn func() error) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

// Run executes every registered cleanup in reverse order. Failures are
// logged and do not stop the remaining cleanups.
func (s *Stack) Run() {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](); err != nil {
			log.Printf("cleanup failed: %v", err)
		}
	}
}
