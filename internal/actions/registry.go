package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// InvokeFunc is one callable action implementation. Errors are reported back
// to the model as failed results, never propagated past the engine.
type InvokeFunc func(ctx context.Context, args map[string]any) (any, error)

// Callable pairs an invocable with its declared parameter order. An empty
// ParameterOrder means the action takes its arguments as one free-form map.
type Callable struct {
	Invoke         InvokeFunc
	ParameterOrder []string
}

// Registry resolves action names to callables. Multiple registries may be
// consulted in priority order; see ResolveAcross.
type Registry interface {
	Has(name string) bool
	Resolve(name string) (Callable, bool)
}

// ResolveAcross looks name up in each registry in order and returns the first
// match.
func ResolveAcross(name string, registries []Registry) (Callable, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Callable{}, false
	}
	for _, reg := range registries {
		if reg == nil {
			continue
		}
		if c, ok := reg.Resolve(name); ok {
			return c, true
		}
	}
	return Callable{}, false
}

// InMemoryRegistry is the default Registry, populated explicitly at startup.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	items map[string]Callable
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{items: make(map[string]Callable)}
}

// Register adds one action under a dotted Namespace.method name. Registering
// a name twice is a wiring bug and returns an error.
func (r *InMemoryRegistry) Register(name string, parameterOrder []string, fn InvokeFunc) error {
	if r == nil {
		return errors.New("nil registry")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("action name is required")
	}
	if fn == nil {
		return fmt.Errorf("action %s missing implementation", name)
	}
	if IsCompletionSentinel(name) {
		return fmt.Errorf("action %s is a reserved name", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[name]; ok {
		return fmt.Errorf("duplicate action %q", name)
	}
	order := make([]string, 0, len(parameterOrder))
	for _, p := range parameterOrder {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		order = append(order, p)
	}
	r.items[name] = Callable{Invoke: fn, ParameterOrder: order}
	return nil
}

func (r *InMemoryRegistry) Has(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

func (r *InMemoryRegistry) Resolve(name string) (Callable, bool) {
	if r == nil {
		return Callable{}, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Callable{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[name]
	return c, ok
}

// Names returns the registered action names, sorted. The extractor scans the
// response text for each of these.
func (r *InMemoryRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for name := range r.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ParameterNames returns the declared parameter order for name, or nil when
// the action is unknown or takes a free-form map.
func (r *InMemoryRegistry) ParameterNames(name string) []string {
	c, ok := r.Resolve(name)
	if !ok {
		return nil
	}
	return append([]string(nil), c.ParameterOrder...)
}
