package operation

import (
	"fmt"
	"slices"

	"github.com/rendis/dynsched/internal/validation"
	"github.com/rendis/dynsched/pkg/schema"
)

const minParallelSteps = 2

// Validate runs the structural checks an operation must pass before it can
// be registered. Every problem found is reported, not just the first.
func Validate(op *Operation) *schema.ValidationResult {
	r := &schema.ValidationResult{}
	if op == nil {
		r.AddError("/", schema.ErrCodeValidation, "operation is nil")
		return r
	}
	if len(op.Groups) == 0 {
		r.AddError("groups", schema.ErrCodeValidation, "operation should have at least 1 step group")
		return r
	}

	stepOwner := make(map[string]string)   // step name -> group path
	createOwner := make(map[string]string) // context key -> step name
	undoOwner := make(map[string]string)
	last := len(op.Groups) - 1

	for i, g := range op.Groups {
		path := fmt.Sprintf("groups[%d]", i)
		if g == nil {
			r.AddError(path, schema.ErrCodeValidation, "step group is nil")
			continue
		}

		steps := GroupSteps(g)
		if isParallel(g) && len(steps) < minParallelSteps {
			r.AddError(path, schema.ErrCodeValidation, fmt.Sprintf(
				"parallel group at index %d needs at least %d steps, has %d; use a single group instead",
				i, minParallelSteps, len(steps)))
		}
		if g.Repeats() && i < last {
			r.AddError(path, schema.ErrCodeValidation, fmt.Sprintf(
				"only the last step group can repeat; group at index %d repeats", i))
		}

		for j, s := range steps {
			spath := fmt.Sprintf("%s.steps[%d]", path, j)
			if s == nil {
				r.AddError(spath, schema.ErrCodeValidation, "step is nil")
				continue
			}
			info := s.Info()
			if info.Name == "" {
				r.AddError(spath, schema.ErrCodeValidation, "step name is empty")
				continue
			}
			if prev, dup := stepOwner[info.Name]; dup {
				r.AddError(spath, schema.ErrCodeValidation, fmt.Sprintf(
					"step %q is used more than once (first in %s)", info.Name, prev))
			} else {
				stepOwner[info.Name] = path
			}

			for _, key := range info.CreatesKeys {
				if slices.Contains(op.RequiredKeys, key) {
					r.AddError(spath, schema.ErrCodeValidation, fmt.Sprintf(
						"step %q creates key %q which is already part of the required initial context", info.Name, key))
				}
				if owner, dup := createOwner[key]; dup {
					r.AddError(spath, schema.ErrCodeValidation, fmt.Sprintf(
						"step %q creates key %q already created by step %q", info.Name, key, owner))
					continue
				}
				createOwner[key] = info.Name
			}
			for _, key := range info.UndoesKeys {
				if owner, dup := undoOwner[key]; dup {
					r.AddError(spath, schema.ErrCodeValidation, fmt.Sprintf(
						"step %q provides key %q on undo, already provided on undo by step %q", info.Name, key, owner))
					continue
				}
				undoOwner[key] = info.Name
			}
		}

		if g.Repeats() && HasManualIntervention(g) {
			r.AddError(path, schema.ErrCodeValidation, fmt.Sprintf(
				"repeating group at index %d contains a step requiring manual intervention; it would pause on every cycle", i))
		}
	}

	if len(op.ContextSchema) > 0 {
		if err := validation.CompileContextSchema(op.ContextSchema); err != nil {
			r.AddError("context_schema", schema.ErrCodeValidation, fmt.Sprintf("invalid context schema: %v", err))
		}
	}

	return r
}
