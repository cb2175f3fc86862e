package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// HandlerFunc is a type-erased job handler that accepts the raw payload.
// The typed Definition[T] is converted to a HandlerFunc at registration
// time by closing over JSON unmarshal + the typed handler.
type HandlerFunc func(ctx context.Context, payload []byte) error

// kindEntry pairs the type-erased handler with the kind's policies.
type kindEntry struct {
	handler HandlerFunc
	retry   RetryPolicy
	timeout time.Duration
}

// Registry maps job kinds to handlers and their retry policies.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]kindEntry
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]kindEntry)}
}

// RegisterDefinition registers a typed job definition. The generic
// handler is wrapped in a closure that JSON-unmarshals the payload into
// T before calling the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, payload []byte) error {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return fmt.Errorf("unmarshal payload for kind %q: %w", def.Kind, err)
			}
		}
		return def.Handler(ctx, t)
	}

	retry := def.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[def.Kind] = kindEntry{
		handler: handler,
		retry:   retry,
		timeout: def.Timeout,
	}
}

// Get returns the handler for the given kind. Returns false if no
// handler is registered.
func (r *Registry) Get(kind string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.kinds[kind]
	return e.handler, ok
}

// RetryPolicy returns the retry policy attached to the kind, or the
// default policy for unknown kinds.
func (r *Registry) RetryPolicy(kind string) RetryPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.kinds[kind]; ok {
		return e.retry
	}
	return DefaultRetryPolicy()
}

// Timeout returns the execution deadline for the kind. Zero means none.
func (r *Registry) Timeout(kind string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kinds[kind].timeout
}

// Kinds returns all registered kind names.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	return names
}
