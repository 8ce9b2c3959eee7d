package rpc

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Handler serves one inbound method. The returned value must be JSON
// serializable; a non-nil error becomes an _error reply carrying only
// err.Error().
//
// ctx is cancelled when the context given to Serve ends, or once Drain
// returns, whether it finished or timed out.
type Handler func(ctx context.Context, args Args) (any, error)

// Registry maps method names to handlers.
//
// Registration happens during startup; the engine seals the registry when
// it begins serving, after which lookups take no lock.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]Handler
	sealed   atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h. A later registration for the same name wins.
// Panics if the registry is sealed or h is nil.
func (r *Registry) Register(name string, h Handler) {
	if h == nil {
		panic(fmt.Sprintf("rpc: nil handler for %q", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		panic(fmt.Sprintf("rpc: register %q after registry was sealed", name))
	}
	r.handlers[name] = h
}

// RegisterAll binds every entry of m.
func (r *Registry) RegisterAll(m map[string]Handler) {
	for name, h := range m {
		r.Register(name, h)
	}
}

// Seal freezes the registry. Idempotent.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	if r.sealed.Load() {
		h, ok := r.handlers[name]
		return h, ok
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Methods returns the registered method names, sorted.
func (r *Registry) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
