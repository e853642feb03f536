package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ActionHandler executes one named capability of a worker.
type ActionHandler func(ctx context.Context, params map[string]any) (any, error)

// ActionRegistry maps action names to handlers. It replaces reflective
// "call whatever method exists" dispatch with an explicit, validated
// capability table. Workers embed one and route Invoke through it.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

// NewActionRegistry creates an empty action registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]ActionHandler)}
}

// Register binds a handler to an action name, replacing any previous
// binding for the same name.
func (r *ActionRegistry) Register(name string, h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Invoke runs the handler bound to name. Fails with ErrActionNotFound when
// no handler is registered.
func (r *ActionRegistry) Invoke(ctx context.Context, name string, params map[string]any) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("action %q: %w", name, ErrActionNotFound)
	}
	return h(ctx, params)
}

// Has reports whether a handler is registered for name.
func (r *ActionRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered action names in sorted order.
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
