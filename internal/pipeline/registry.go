package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the named pipelines a gateway can execute.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

// NewRegistry creates an empty pipeline registry.
func NewRegistry() *Registry {
	return &Registry{
		pipelines: make(map[string]*Pipeline),
	}
}

// Register adds a pipeline under its name, replacing any previous entry.
func (r *Registry) Register(p *Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.Name] = p
}

// Resolve returns the pipeline registered under name.
func (r *Registry) Resolve(name string) (*Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("pipeline %q is not registered", name)
	}
	return p, nil
}

// Names returns the registered pipeline names, sorted for a stable API response.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
