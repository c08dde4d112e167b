package executor

import (
	"sync"

	"github.com/rendis/docflow/pkg/schema"
)

// Registry is a thread-safe lookup of executors by step type.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.StepType]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[schema.StepType]Executor)}
}

// Register adds an executor. Returns an error on duplicate type.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	t := e.Type()
	if !schema.ValidStepTypes[t] {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for %q already registered", t)
	}
	r.executors[t] = e
	return nil
}

// Get retrieves the executor for a step type.
func (r *Registry) Get(t schema.StepType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "no executor registered for step type %q", t)
	}
	return e, nil
}

// Count returns the number of registered executors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}
