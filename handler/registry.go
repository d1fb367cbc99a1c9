package handler

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/xraph/bed"
)

// Registry maps handler names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a typed definition, replacing any handler registered
// under the same name.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[C bed.Command](r *Registry, def *Definition[C]) {
	r.Add(Erase(def))
}

// Add registers an erased handler.
func (r *Registry) Add(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Unregister removes a handler. Tasks already stored for it become
// unrecognized at their next dispatch.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

// Resolve returns the handler registered under name, or an error wrapping
// bed.ErrHandlerNotFound.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", bed.ErrHandlerNotFound, name)
	}
	return h, nil
}

// All returns every registered handler ordered by name.
func (r *Registry) All() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		all = append(all, h)
	}
	slices.SortFunc(all, func(a, b Handler) int {
		return cmp.Compare(a.Name(), b.Name())
	})
	return all
}

// Names returns all registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Resources returns the distinct resource names of the registered
// handlers, sorted.
func (r *Registry) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, h := range r.handlers {
		if _, ok := seen[h.Resource()]; ok {
			continue
		}
		seen[h.Resource()] = struct{}{}
		out = append(out, h.Resource())
	}
	slices.Sort(out)
	return out
}
