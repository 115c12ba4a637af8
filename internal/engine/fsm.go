package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/dynsched/pkg/schema"
)

// TransitionHook is called before or after a phase transition.
type TransitionHook func(ctx context.Context, scheduleID string, from, to schema.Phase) error

// TransitionObserver is notified of every accepted transition.
type TransitionObserver func(ctx context.Context, scheduleID string, from, to schema.Phase)

type phaseHookKey struct {
	from, to schema.Phase
}

// PhaseFSM validates schedule phase transitions and runs hooks around them.
// The caller persists the new phase.
type PhaseFSM struct {
	mu       sync.Mutex
	observer TransitionObserver
	before   map[phaseHookKey][]TransitionHook
	after    map[phaseHookKey][]TransitionHook
}

// NewPhaseFSM creates a PhaseFSM reporting transitions to observer (may be nil).
func NewPhaseFSM(observer TransitionObserver) *PhaseFSM {
	return &PhaseFSM{
		observer: observer,
		before:   make(map[phaseHookKey][]TransitionHook),
		after:    make(map[phaseHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error vetoes it.
func (f *PhaseFSM) OnBefore(from, to schema.Phase, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := phaseHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *PhaseFSM) OnAfter(from, to schema.Phase, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := phaseHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to and runs the registered hooks.
func (f *PhaseFSM) Transition(ctx context.Context, scheduleID string, from, to schema.Phase) error {
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid phase transition: %s -> %s", from, to).
			WithDetails(map[string]any{"schedule_id": scheduleID, "from": string(from), "to": string(to)})
	}

	key := phaseHookKey{from, to}
	f.mu.Lock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, scheduleID, from, to); err != nil {
			return err
		}
	}
	if f.observer != nil {
		f.observer(ctx, scheduleID, from, to)
	}
	for _, hook := range after {
		if err := hook(ctx, scheduleID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether the phase table allows from -> to.
func IsValidTransition(from, to schema.Phase) bool {
	return slices.Contains(ValidPhaseTransitions[from], to)
}

// ValidPhaseTransitions defines the allowed schedule phase transitions.
// UNDOING -> RUNNING is taken when a failed pass of a repeating group was
// compensated and the group will be retried.
var ValidPhaseTransitions = map[schema.Phase][]schema.Phase{
	schema.PhaseRunning:                   {schema.PhaseWaitingManualIntervention, schema.PhaseUndoing, schema.PhaseDone},
	schema.PhaseWaitingManualIntervention: {schema.PhaseRunning, schema.PhaseUndoing},
	schema.PhaseUndoing:                   {schema.PhaseFailed, schema.PhaseRunning},
	schema.PhaseDone:                      {},
	schema.PhaseFailed:                    {},
}
