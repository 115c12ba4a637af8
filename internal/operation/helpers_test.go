package operation

import "context"

func step(name string, creates ...string) Step {
	return NewStep(StepInfo{Name: name, CreatesKeys: creates},
		func(context.Context, Context) (Context, error) { return nil, nil }, nil)
}

func manualStep(name string) Step {
	return NewStep(StepInfo{Name: name, ManualIntervention: true}, nil, nil)
}

func undoStep(name string, undoes ...string) Step {
	return NewStep(StepInfo{Name: name, UndoesKeys: undoes}, nil, nil)
}
