package operation

import (
	"context"
	"maps"
	"time"
)

// Context is the key/value data a schedule accumulates while it runs.
// Values must survive a JSON round trip since the context is persisted.
type Context map[string]any

// Clone returns a shallow copy of c. A nil Context clones to an empty one.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	maps.Copy(out, c)
	return out
}

// StepInfo describes a step template. It is a pure function of the step type,
// never of an individual invocation.
type StepInfo struct {
	// Name must be unique within an operation.
	Name string
	// CreatesKeys are the only keys Create may write into the context.
	CreatesKeys []string
	// UndoesKeys are the only keys Undo may write into the context.
	UndoesKeys []string
	// RequiresKeys must be present in the context before Create is called.
	RequiresKeys []string
	// ManualIntervention pauses the schedule after a successful Create until
	// it is explicitly resumed.
	ManualIntervention bool
	// Timeout bounds a single Create/Undo invocation. Zero uses the engine default.
	Timeout time.Duration
	// Retries is the number of additional attempts after a failed invocation.
	Retries int
	// RetryWait is the pause between attempts.
	RetryWait time.Duration
}

// Step is the smallest unit of work: a forward action and its compensation.
// Implementations must be stateless and Create must tolerate being called
// again after a partial run.
type Step interface {
	Info() StepInfo
	Create(ctx context.Context, required Context) (Context, error)
	Undo(ctx context.Context, required Context) (Context, error)
}

// HandlerFunc is the signature of Create and Undo.
type HandlerFunc func(ctx context.Context, required Context) (Context, error)

type funcStep struct {
	info   StepInfo
	create HandlerFunc
	undo   HandlerFunc
}

// NewStep builds a Step from plain functions. A nil undo compensates nothing.
func NewStep(info StepInfo, create, undo HandlerFunc) Step {
	return &funcStep{info: info, create: create, undo: undo}
}

func (s *funcStep) Info() StepInfo { return s.info }

func (s *funcStep) Create(ctx context.Context, required Context) (Context, error) {
	if s.create == nil {
		return nil, nil
	}
	return s.create(ctx, required)
}

func (s *funcStep) Undo(ctx context.Context, required Context) (Context, error) {
	if s.undo == nil {
		return nil, nil
	}
	return s.undo(ctx, required)
}
