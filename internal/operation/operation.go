package operation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultRepeatEvery is the pause before a repeating group runs again.
const DefaultRepeatEvery = 5 * time.Second

// StepGroup is one execution unit of an operation. The set of variants is
// closed: Single and Parallel.
type StepGroup interface {
	stepGroup()
	Repeats() bool
	RepeatInterval() time.Duration
}

// Single runs exactly one step.
type Single struct {
	Step        Step
	Repeat      bool
	RepeatEvery time.Duration
}

// Parallel starts all of its steps concurrently; the group succeeds only if
// every step succeeds.
type Parallel struct {
	Steps       []Step
	Repeat      bool
	RepeatEvery time.Duration
}

func (Single) stepGroup()   {}
func (Parallel) stepGroup() {}

func (g Single) Repeats() bool   { return g.Repeat }
func (g Parallel) Repeats() bool { return g.Repeat }

func (g Single) RepeatInterval() time.Duration   { return repeatInterval(g.RepeatEvery) }
func (g Parallel) RepeatInterval() time.Duration { return repeatInterval(g.RepeatEvery) }

func repeatInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultRepeatEvery
	}
	return d
}

// GroupSteps returns the steps of g in declaration order.
func GroupSteps(g StepGroup) []Step {
	switch g := g.(type) {
	case Single:
		return []Step{g.Step}
	case *Single:
		return []Step{g.Step}
	case Parallel:
		return g.Steps
	case *Parallel:
		return g.Steps
	default:
		panic(fmt.Sprintf("operation: unknown step group %T", g))
	}
}

// GroupName returns the stable name of the group at index, e.g. "0S", "2PR".
func GroupName(g StepGroup, index int) string {
	kind := "S"
	if isParallel(g) {
		kind = "P"
	}
	if g.Repeats() {
		kind += "R"
	}
	return fmt.Sprintf("%d%s", index, kind)
}

func isParallel(g StepGroup) bool {
	switch g.(type) {
	case Single, *Single:
		return false
	case Parallel, *Parallel:
		return true
	default:
		panic(fmt.Sprintf("operation: unknown step group %T", g))
	}
}

// Operation is an immutable workflow template: an ordered list of groups.
type Operation struct {
	Groups []StepGroup
	// RequiredKeys must be present in the initial context of every schedule.
	RequiredKeys []string
	// ContextSchema optionally constrains the initial context (JSON Schema 2020-12).
	ContextSchema json.RawMessage
	// Uncancellable operations reject cancellation requests.
	Uncancellable bool
}

// New builds an Operation from groups.
func New(groups ...StepGroup) *Operation {
	return &Operation{Groups: groups}
}

// WithRequiredKeys sets the keys the initial context must carry.
func (o *Operation) WithRequiredKeys(keys ...string) *Operation {
	o.RequiredKeys = keys
	return o
}

// WithContextSchema sets the JSON Schema the initial context must satisfy.
func (o *Operation) WithContextSchema(schema json.RawMessage) *Operation {
	o.ContextSchema = schema
	return o
}

// String renders the operation shape, e.g. "Operation(Single(a), Parallel(b, c))".
func (o *Operation) String() string {
	parts := make([]string, 0, len(o.Groups))
	for _, g := range o.Groups {
		names := make([]string, 0)
		for _, s := range GroupSteps(g) {
			if s != nil {
				names = append(names, s.Info().Name)
			}
		}
		kind := "Single"
		if isParallel(g) {
			kind = "Parallel"
		}
		parts = append(parts, fmt.Sprintf("%s(%s)", kind, strings.Join(names, ", ")))
	}
	return fmt.Sprintf("Operation(%s)", strings.Join(parts, ", "))
}

// ProvidedKeys returns every key the operation's steps may write.
func (o *Operation) ProvidedKeys() []string {
	var keys []string
	for _, g := range o.Groups {
		for _, s := range GroupSteps(g) {
			info := s.Info()
			keys = append(keys, info.CreatesKeys...)
			keys = append(keys, info.UndoesKeys...)
		}
	}
	return keys
}

// HasManualIntervention reports whether any step of g pauses for approval.
func HasManualIntervention(g StepGroup) bool {
	for _, s := range GroupSteps(g) {
		if s != nil && s.Info().ManualIntervention {
			return true
		}
	}
	return false
}
