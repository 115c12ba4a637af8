package operation

import (
	"errors"
	"sort"
	"sync"

	"github.com/rendis/dynsched/pkg/schema"
)

// Sentinels wrapped by the registry errors; match them with errors.Is.
var (
	ErrOperationAlreadyRegistered = errors.New("operation already registered")
	ErrOperationNotFound          = errors.New("operation not found")
	ErrStepNotFoundInOperation    = errors.New("step not found in operation")
)

type entry struct {
	op    *Operation
	steps map[string]Step
}

// Registry is the process-wide catalog of named operations. It is populated
// at startup and read concurrently afterwards.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]entry)}
}

// Register validates op and adds it under name. Nothing is stored if either
// validation fails or the name is taken.
func (r *Registry) Register(name string, op *Operation) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "operation name is empty")
	}
	if err := Validate(op).ToError(); err != nil {
		var se *schema.Error
		if errors.As(err, &se) {
			se.Message = "operation " + name + ": " + se.Message
		}
		return err
	}

	steps := make(map[string]Step)
	for _, g := range op.Groups {
		for _, s := range GroupSteps(g) {
			steps[s.Info().Name] = s
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ops[name]; exists {
		return schema.NewErrorf(schema.ErrCodeOperationAlreadyRegistered,
			"operation %q already registered", name).WithCause(ErrOperationAlreadyRegistered)
	}
	r.ops[name] = entry{op: op, steps: steps}
	return nil
}

// Unregister removes the operation registered under name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ops[name]; !ok {
		return r.notFound(name)
	}
	delete(r.ops, name)
	return nil
}

// Operation returns the operation registered under name.
func (r *Registry) Operation(name string) (*Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.ops[name]
	if !ok {
		return nil, r.notFound(name)
	}
	return e.op, nil
}

// Step returns the step called stepName inside the operation called name.
func (r *Registry) Step(name, stepName string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.ops[name]
	if !ok {
		return nil, r.notFound(name)
	}
	s, ok := e.steps[stepName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStepNotFoundInOperation,
			"step %q not found in operation %q", stepName, name).
			WithCause(ErrStepNotFoundInOperation).
			WithDetails(map[string]any{"steps": sortedKeys(e.steps)})
	}
	return s, nil
}

// Names returns the registered operation names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.ops)
}

// notFound must be called with r.mu held.
func (r *Registry) notFound(name string) error {
	return schema.NewErrorf(schema.ErrCodeOperationNotFound, "operation %q not found", name).
		WithCause(ErrOperationNotFound).
		WithDetails(map[string]any{"registered_operations": sortedKeys(r.ops)})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
