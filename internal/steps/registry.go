package steps

import (
	"sort"
	"sync"

	"github.com/rendis/playbooks/pkg/schema"
)

// Registry maps step type names to implementations. It is safe for
// concurrent use and is normally filled once at startup.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds a step type. Returns error on duplicate name.
func (r *Registry) Register(step Step) error {
	if step == nil {
		return schema.NewError(schema.ErrCodeValidation, "step is nil")
	}
	name := step.Descriptor().Name
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "step name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step type %q already registered", name)
	}
	r.steps[name] = step
	return nil
}

// Get retrieves a step type by name.
func (r *Registry) Get(name string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	step, ok := r.steps[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStepTypeUnavailable, "step type %q not registered", name)
	}
	return step, nil
}

// List returns the descriptors of all registered step types, sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.steps))
	for _, s := range r.steps {
		out = append(out, s.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// Has checks if a step type is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.steps[name]
	return ok
}

// Count returns the number of registered step types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}
