package toolexec

import (
	"slices"
	"sync"

	"github.com/martinemde/toolloop/unifiedllm"
)

// Registry maps tool names to tools. It is safe for concurrent use.
type Registry struct {
	tools map[string]ExecutableTool
	mu    sync.RWMutex
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...ExecutableTool) *Registry {
	r := &Registry{tools: make(map[string]ExecutableTool, len(tools))}
	r.Register(tools...)
	return r
}

// Register adds or replaces tools by name.
func (r *Registry) Register(tools ...ExecutableTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		r.tools[t.Definition().Name] = t
	}
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (ExecutableTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every tool definition, sorted by name.
func (r *Registry) Definitions() []unifiedllm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]unifiedllm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	slices.SortFunc(defs, func(a, b unifiedllm.ToolDefinition) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return defs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clone returns a registry holding the same tools. Changes to either
// registry do not affect the other.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := &Registry{tools: make(map[string]ExecutableTool, len(r.tools))}
	for name, t := range r.tools {
		clone.tools[name] = t
	}
	return clone
}

// MergeFrom copies every tool from other. Tools with the same name are
// replaced.
func (r *Registry) MergeFrom(other *Registry) {
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, t := range other.tools {
		r.tools[name] = t
	}
}
