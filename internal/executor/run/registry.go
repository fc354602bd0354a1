package run

import (
	"context"
	"fmt"
	"sync"
)

// EntrypointFunc is an in-process work source addressed by the payload's
// node_execution block.
type EntrypointFunc func(ctx context.Context, request, requestContext map[string]any) (output, routing map[string]any, err error)

// Registry maps entrypoint names to functions. Registration happens at init
// time; the set is closed once execution starts.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]EntrypointFunc
}

func NewRegistry() *Registry {
	return &Registry{funcs: map[string]EntrypointFunc{}}
}

var defaultRegistry = NewRegistry()

// Register adds an entrypoint. Duplicate names are a programming error.
func (r *Registry) Register(name string, fn EntrypointFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("entrypoint %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

func (r *Registry) lookup(name string) (EntrypointFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// RegisterDefault adds an entrypoint to the process-wide registry used when
// Options carries none.
func RegisterDefault(name string, fn EntrypointFunc) error {
	return defaultRegistry.Register(name, fn)
}
