// Package endstop provides a registry of queryable endstop switches. Tool
// parking detection polls these to confirm a tool reached its dock.
package endstop

import (
	"sort"
	"sync"

	"ktcc-go/pkg/errors"
)

// QueryFunc reports whether the switch is triggered at the given print time.
type QueryFunc func(printTime float64) (bool, error)

// Registry holds the named endstops of the machine.
type Registry struct {
	mu       sync.RWMutex
	endstops map[string]QueryFunc
}

// NewRegistry creates an empty endstop registry.
func NewRegistry() *Registry {
	return &Registry{endstops: make(map[string]QueryFunc)}
}

// Register adds an endstop. Re-registering a name replaces the query
// function.
func (r *Registry) Register(name string, query QueryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endstops[name] = query
}

// EndstopNames returns all registered endstop names, sorted.
func (r *Registry) EndstopNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.endstops))
	for name := range r.endstops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// QueryEndstop polls one endstop by name.
func (r *Registry) QueryEndstop(name string, printTime float64) (bool, error) {
	r.mu.RLock()
	query, ok := r.endstops[name]
	r.mu.RUnlock()
	if !ok {
		return false, errors.UnknownEndstop(name)
	}
	return query(printTime)
}
