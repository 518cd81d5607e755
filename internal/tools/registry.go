package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Param describes one declared tool parameter. Only Required is enforced.
type Param struct {
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Definition is a named, independently invocable unit of work.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]Param
	// Timeout of zero uses the harness default.
	Timeout time.Duration
	// ReadOnly tools may have their results cached.
	ReadOnly bool
	Invoke   func(ctx context.Context, params map[string]any) (any, error)
}

func (d Definition) validate() error {
	if d.Name == "" {
		return errors.New("tool name required")
	}
	if d.Invoke == nil {
		return fmt.Errorf("tool %s has no implementation", d.Name)
	}
	return nil
}

// Registry holds tool definitions by name. Definitions are immutable once stored.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition)}
}

// Register stores def, failing with ErrToolExists on a duplicate name.
func (r *Registry) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolExists, def.Name)
	}
	r.tools[def.Name] = def
	return nil
}

// Ensure registers every definition not already present. Existing names keep
// their first definition.
func (r *Registry) Ensure(defs ...Definition) error {
	for _, def := range defs {
		if err := r.Register(def); err != nil && !errors.Is(err, ErrToolExists) {
			return err
		}
	}
	return nil
}

func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return def, nil
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}
