// Package reclaim recovers capture hardware held by stray handles. Handles are
// tracked in an explicit Registry; Reclaim stops and forgets every camera-like
// handle in a scope and waits for the hardware to settle.
package reclaim

import (
	"sort"
	"sync"
)

// Scope is a mutable set of named values that Reclaim scans and prunes.
type Scope interface {
	Names() []string
	Lookup(name string) (any, bool)
	Remove(name string)
}

// Registry is a concurrency-safe Scope of active capture handles.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]any)}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Register adds or replaces the handle stored under name.
func (r *Registry) Register(name string, handle any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[name] = handle
}

// Deregister removes name. Unknown names are ignored.
func (r *Registry) Deregister(name string) {
	r.Remove(name)
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Lookup returns the handle stored under name.
func (r *Registry) Lookup(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[name]
	return h, ok
}

// Remove deletes name from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, name)
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// MapScope adapts a plain map to Scope. It is not safe for concurrent use.
type MapScope map[string]any

func (m MapScope) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m MapScope) Lookup(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

func (m MapScope) Remove(name string) {
	delete(m, name)
}
