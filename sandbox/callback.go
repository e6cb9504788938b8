package sandbox

import (
	"context"
	"fmt"
	"sync"
)

// Callback is a host function guest code reaches through invoke. Args
// and results cross the boundary as JSON.
type Callback interface {
	// Name is the identifier guest code invokes.
	Name() string

	// Description is human-readable documentation surfaced to the
	// guest through list-callbacks.
	Description() string

	// Schema is the JSON schema of the callback's arguments.
	Schema() string

	// Invoke runs the callback. The context carries the per-invocation
	// deadline; cooperative callbacks should honor it.
	Invoke(ctx context.Context, args []byte) ([]byte, error)
}

// Func adapts a plain function into a Callback.
func Func(name, description, schema string, fn func(ctx context.Context, args []byte) ([]byte, error)) Callback {
	return &funcCallback{name: name, description: description, schema: schema, fn: fn}
}

type funcCallback struct {
	name        string
	description string
	schema      string
	fn          func(ctx context.Context, args []byte) ([]byte, error)
}

func (c *funcCallback) Name() string        { return c.name }
func (c *funcCallback) Description() string { return c.description }
func (c *funcCallback) Schema() string      { return c.schema }

func (c *funcCallback) Invoke(ctx context.Context, args []byte) ([]byte, error) {
	return c.fn(ctx, args)
}

// Registry holds the callbacks one engine exposes. Registration order
// is preserved for list-callbacks.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Callback
	order  []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Callback)}
}

// Register adds a callback. Names must be unique and non-empty.
func (r *Registry) Register(cb Callback) error {
	if cb == nil {
		return fmt.Errorf("register nil callback")
	}
	name := cb.Name()
	if name == "" {
		return fmt.Errorf("register callback with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("callback %q already registered", name)
	}
	r.byName[name] = cb
	r.order = append(r.order, name)
	return nil
}

// Get looks a callback up by name.
func (r *Registry) Get(name string) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.byName[name]
	return cb, ok
}

// List returns the callbacks in registration order.
func (r *Registry) List() []Callback {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Callback, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Len returns the number of registered callbacks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
