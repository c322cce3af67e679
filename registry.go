package bunmap

import (
	"fmt"
	"sort"
	"sync"
)

// registry owns the models registered on one connection. Names are unique
// within the connection and registration is permanent: models cannot be
// replaced or removed, so a *Model handle stays valid for the connection's
// lifetime.
type registry struct {
	mu     sync.RWMutex
	models map[string]*Model
}

func (r *registry) add(m *Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[m.name]; ok {
		return &DuplicateModelError{Name: m.name}
	}
	r.models[m.name] = m
	return nil
}

func (r *registry) get(name string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("model %q: %w", name, ErrModelNotFound)
	}
	return m, nil
}

func (r *registry) names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.models))
	for name := range r.models {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
