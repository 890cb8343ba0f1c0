// Package tools holds the tool registry the agent loop executes against.
// Built-in tools are compiled in; external tools are loaded from plugin
// manifests and refreshed atomically when the plugin directory changes.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is one invocable capability. Write tools mutate external state and
// are subject to the approval policy; read tools are retried on failure.
type Tool interface {
	Name() string
	Description() string
	Write() bool
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Info is the registry's public view of a tool.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Write       bool   `json:"write"`
}

// Registry maps tool names to implementations. Lookups take a read lock;
// Replace swaps the whole external set in one step so a plugin reload
// never exposes a half-updated view.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]Tool
	external map[string]Tool
}

// NewRegistry creates a registry preloaded with the given built-in tools.
// Duplicate built-in names are a programming error.
func NewRegistry(builtins ...Tool) (*Registry, error) {
	r := &Registry{
		builtins: make(map[string]Tool, len(builtins)),
		external: make(map[string]Tool),
	}
	for _, t := range builtins {
		if _, dup := r.builtins[t.Name()]; dup {
			return nil, fmt.Errorf("duplicate builtin tool %q", t.Name())
		}
		r.builtins[t.Name()] = t
	}
	return r, nil
}

// Get returns the tool by name. Built-ins shadow external tools of the
// same name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.builtins[name]; ok {
		return t, true
	}
	t, ok := r.external[name]
	return t, ok
}

// Replace swaps the external tool set. External tools shadowed by a
// builtin are dropped with an error.
func (r *Registry) Replace(external []Tool) error {
	next := make(map[string]Tool, len(external))
	for _, t := range external {
		if _, dup := next[t.Name()]; dup {
			return fmt.Errorf("duplicate external tool %q", t.Name())
		}
		next[t.Name()] = t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range next {
		if _, shadowed := r.builtins[name]; shadowed {
			return fmt.Errorf("external tool %q shadows a builtin", name)
		}
	}
	r.external = next
	return nil
}

// List returns all tools sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.builtins)+len(r.external))
	for _, t := range r.builtins {
		out = append(out, Info{Name: t.Name(), Description: t.Description(), Write: t.Write()})
	}
	for _, t := range r.external {
		out = append(out, Info{Name: t.Name(), Description: t.Description(), Write: t.Write()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
