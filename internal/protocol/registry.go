package protocol

import (
	"fmt"
	"sync"
)

// Registry holds the protocol handlers in the order they are tried.
type Registry struct {
	handlers []Handler
	byName   map[string]Handler
	disabled map[string]bool
	mu       sync.RWMutex
}

// NewRegistry creates a registry with the given handlers, in order.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{
		byName:   make(map[string]Handler),
		disabled: make(map[string]bool),
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a handler to the attempt order.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := h.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("protocol %s already registered", name)
	}

	r.handlers = append(r.handlers, h)
	r.byName[name] = h
	return nil
}

// Get returns a handler by protocol name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byName[name]
	return h, ok
}

// Handlers returns the handlers in attempt order.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

// Names returns the protocol names in attempt order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.handlers))
	for i, h := range r.handlers {
		names[i] = h.Name()
	}
	return names
}

// Disable prevents the named protocols from being tried regardless of what
// their handlers report.
func (r *Registry) Disable(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range names {
		r.disabled[n] = true
	}
}

// Enabled reports whether h may be tried.
func (r *Registry) Enabled(h Handler) bool {
	r.mu.RLock()
	disabled := r.disabled[h.Name()]
	r.mu.RUnlock()

	return !disabled && h.Enabled()
}
