package compiler

import (
	"context"
	"sort"
	"sync"
)

// NativeFunc is a task implemented in Go. It receives a private copy of the
// job context and returns the (possibly modified) copy.
type NativeFunc func(ctx context.Context, job map[string]any) (map[string]any, error)

// Registry maps names to native task implementations. A task body of the
// form "native:<name>" resolves against it. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]NativeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]NativeFunc)}
}

// Register adds or replaces the native task stored under name.
func (r *Registry) Register(name string, fn NativeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = fn
}

// Get returns the native task registered under name.
func (r *Registry) Get(name string) (NativeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tasks[name]
	return fn, ok
}

// Names returns the registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins installs the native tasks every deployment ships with.
func RegisterBuiltins(r *Registry) {
	r.Register("noop", func(_ context.Context, job map[string]any) (map[string]any, error) {
		return job, nil
	})
	r.Register("fail", func(_ context.Context, job map[string]any) (map[string]any, error) {
		return job, &TaskError{Message: "native fail task"}
	})
}
