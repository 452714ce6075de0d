package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/conductorone/baton-offline/pkg/queue"
	"github.com/conductorone/baton-offline/pkg/retry"
)

var ErrNoExecutor = errors.New("executor: no executor registered for resource type")

// Registry dispatches operations to the executor registered for their resource type.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]queue.Executor
	fallback  queue.Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]queue.Executor)}
}

// Register sets the executor for resourceType, replacing any previous one.
func (r *Registry) Register(resourceType string, e queue.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[resourceType] = e
}

// SetFallback sets the executor used for resource types without a registration.
func (r *Registry) SetFallback(e queue.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = e
}

// ResourceTypes returns the registered resource types in sorted order.
func (r *Registry) ResourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for rt := range r.executors {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Execute(ctx context.Context, op queue.Operation) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.executors[op.ResourceType]
	if !ok {
		e = r.fallback
	}
	r.mu.RUnlock()

	if e == nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrNoExecutor, op.ResourceType))
	}
	return e.Execute(ctx, op)
}
