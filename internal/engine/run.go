package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/dynsched/internal/logging"
	"github.com/rendis/dynsched/internal/operation"
	"github.com/rendis/dynsched/internal/store"
	"github.com/rendis/dynsched/internal/streaming"
	"github.com/rendis/dynsched/pkg/schema"
)

// Advance drives one schedule under its advisory lock until it is finished,
// waiting for manual intervention, or between two repetitions of its last
// group. The returned status reflects the persisted state.
//
// If ctx ends for a reason other than Cancel or Shutdown the pass stops
// where it is, leaving the persisted progress for a later Advance or Recover.
// The lock is extended in the background while the pass runs; if it is lost
// the pass stops the same way and Advance returns store.ErrLockLost.
func (e *Engine) Advance(ctx context.Context, id string) (*ScheduleStatus, error) {
	rec := newScheduleRecord(e.store, id)
	lock, err := rec.proxy.Lock(ctx, e.lockOptions())
	if err != nil {
		return nil, err
	}
	defer e.unlock(ctx, lock, id)

	s, err := rec.load(ctx, id)
	if err != nil {
		return nil, err
	}
	op, err := e.registry.Operation(s.operation)
	if err != nil {
		return s.status(nil), err
	}

	runCtx, cancel := context.WithCancelCause(logging.WithSchedule(ctx, id, s.operation))
	defer cancel(nil)
	e.attach(id, cancel)
	defer e.detach(id)

	p := &pass{engine: e, rec: rec, lock: lock, s: s, op: op, cancel: cancel}
	stop := p.heartbeat(runCtx)
	err = p.run(runCtx)
	stop()
	if p.lost.Load() && !errors.Is(err, store.ErrLockLost) {
		err = errors.Join(store.ErrLockLost, err)
	}
	return s.status(op), err
}

// heartbeat extends the lock every third of its TTL until the returned
// func is called. A failed extension marks the pass lost and interrupts it.
func (p *pass) heartbeat(ctx context.Context) (stop func()) {
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	every := max(p.engine.cfg.LockTTL/3, minHeartbeat)

	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-t.C:
			}
			if err := p.lock.Extend(hctx); err != nil {
				if hctx.Err() != nil {
					return
				}
				if !errors.Is(err, store.ErrLockLost) {
					err = fmt.Errorf("%w: %w", store.ErrLockLost, err)
				}
				p.engine.logger.WarnContext(ctx, "schedule lock lost", slog.Any("error", err))
				p.lost.Store(true)
				p.cancel(err)
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// held returns store.ErrLockLost once the heartbeat failed. Writes must not
// happen after that; another executor may own the schedule.
func (p *pass) held() error {
	if p.lost.Load() {
		return store.ErrLockLost
	}
	return nil
}

func (e *Engine) attach(id string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runFor(id).cancel = cancel
}

func (e *Engine) detach(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[id]; ok {
		r.cancel = nil
		e.releaseLocked(id)
	}
}

// pass is one locked traversal of a schedule.
type pass struct {
	engine *Engine
	rec    scheduleRecord
	lock   store.Lock
	op     *operation.Operation
	cancel context.CancelCauseFunc

	mu sync.Mutex // guards s while parallel steps report back
	s  *schedule

	lost atomic.Bool
}

const minHeartbeat = 10 * time.Millisecond

func (p *pass) run(ctx context.Context) error {
	s := p.s
	for {
		switch s.phase {
		case schema.PhaseDone, schema.PhaseFailed:
			return nil

		case schema.PhaseWaitingManualIntervention:
			if !s.cancelRequested {
				return nil
			}
			if err := p.beginUndo(ctx, undoAll, cancelledError(errScheduleCancelled)); err != nil {
				return err
			}

		case schema.PhaseUndoing:
			if err := p.compensate(ctx); err != nil {
				return err
			}
			if s.phase == schema.PhaseRunning {
				// A repeating group's failed pass was rolled back; retry after the interval.
				return nil
			}

		case schema.PhaseRunning:
			repeatWait, err := p.runCurrentGroup(ctx)
			if err != nil || repeatWait {
				return err
			}

		default:
			return schema.NewErrorf(schema.ErrCodeStore, "schedule %q has unknown phase %q", s.id, s.phase)
		}
	}
}

// runCurrentGroup executes the group at s.groupIndex and moves the schedule
// on. repeatWait reports that the last group finished a repetition.
func (p *pass) runCurrentGroup(ctx context.Context) (repeatWait bool, err error) {
	s := p.s
	if p.cancelRequested(ctx) {
		return false, p.beginUndo(ctx, undoAll, cancelledError(errScheduleCancelled))
	}
	if s.groupIndex >= len(p.op.Groups) {
		return false, p.finish(ctx, schema.PhaseDone)
	}

	g := p.op.Groups[s.groupIndex]
	groupErr := p.runGroup(ctx, g)
	if err := p.held(); err != nil {
		return false, err
	}
	if groupErr != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, errScheduleCancelled), errors.Is(cause, errShutdown):
			return false, p.beginUndo(ctx, undoAll, cancelledError(cause))
		case cause != nil:
			// Caller went away: stop without compensating.
			return false, cause
		case g.Repeats():
			return false, p.beginUndo(ctx, undoGroup, groupErr)
		default:
			return false, p.beginUndo(ctx, undoAll, groupErr)
		}
	}

	if g.Repeats() {
		s.iteration++
		s.groupDone = nil
		if err := p.rec.save(ctx, s, fieldIteration, fieldGroupDone); err != nil {
			return false, err
		}
		p.engine.emit(ctx, streaming.StreamEvent{
			ScheduleID: s.id,
			Operation:  s.operation,
			GroupIndex: s.groupIndex,
			EventType:  schema.EventScheduleRepeated,
			Payload:    map[string]any{"iteration": s.iteration},
		})
		return true, nil
	}

	s.groupIndex++
	s.groupDone = nil
	switch {
	case operation.HasManualIntervention(g):
		if err := p.engine.fsm.Transition(ctx, s.id, s.phase, schema.PhaseWaitingManualIntervention); err != nil {
			return false, err
		}
		s.phase = schema.PhaseWaitingManualIntervention
		return false, p.rec.save(ctx, s, fieldPhase, fieldGroupIndex, fieldGroupDone)
	case s.groupIndex >= len(p.op.Groups):
		if err := p.rec.save(ctx, s, fieldGroupIndex, fieldGroupDone); err != nil {
			return false, err
		}
		return false, p.finish(ctx, schema.PhaseDone)
	default:
		return false, p.rec.save(ctx, s, fieldGroupIndex, fieldGroupDone)
	}
}

// runGroup runs the steps of g not already completed in this pass. Parallel
// steps all run to completion; every failure is reported.
func (p *pass) runGroup(ctx context.Context, g operation.StepGroup) error {
	var pending []operation.Step
	for _, st := range operation.GroupSteps(g) {
		if !slices.Contains(p.s.groupDone, st.Info().Name) {
			pending = append(pending, st)
		}
	}

	switch len(pending) {
	case 0:
		return nil
	case 1:
		return p.runStep(ctx, pending[0])
	}

	errs := make([]error, len(pending))
	var wg sync.WaitGroup
	for i, st := range pending {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.runStep(ctx, st)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (p *pass) runStep(ctx context.Context, st operation.Step) error {
	e := p.engine
	info := st.Info()
	sctx := logging.WithStep(ctx, info.Name)

	p.mu.Lock()
	input := p.s.context.Clone()
	groupIndex := p.s.groupIndex
	p.mu.Unlock()

	event := streaming.StreamEvent{
		ScheduleID: p.s.id,
		Operation:  p.s.operation,
		GroupIndex: groupIndex,
		Step:       info.Name,
	}

	if missing := missingKeys(input, info.RequiresKeys); len(missing) > 0 {
		err := schema.NewErrorf(schema.ErrCodeMissingContextKey,
			"context is missing keys %v", missing).WithStep(info.Name)
		p.stepFailed(sctx, event, err)
		return err
	}

	event.EventType = schema.EventStepStarted
	e.emit(sctx, event)
	e.logger.DebugContext(sctx, "step started", slog.Int("group_index", groupIndex))

	var provided operation.Context
	err := retry(sctx, info.Retries, retryWait(info),
		func(attempt int, err error) {
			ev := event
			ev.EventType = schema.EventStepRetrying
			ev.Payload = map[string]any{"attempt": attempt, "error": err.Error()}
			e.emit(sctx, ev)
			e.logger.WarnContext(sctx, "retrying step", slog.Int("attempt", attempt), slog.Any("error", err))
		},
		func(ctx context.Context) error {
			out, err := p.invoke(ctx, info, st.Create, input)
			if err != nil {
				return err
			}
			if err := checkDeclared(out, info.CreatesKeys, info.Name); err != nil {
				return err
			}
			provided = out
			return nil
		})
	if err != nil {
		err = stepError(info.Name, err)
		p.stepFailed(sctx, event, err)
		return err
	}

	p.mu.Lock()
	if err := p.held(); err != nil {
		p.mu.Unlock()
		return err
	}
	s := p.s
	mergeContext(s.context, provided)
	if !slices.Contains(s.completed, info.Name) {
		s.completed = append(s.completed, info.Name)
	}
	s.groupDone = append(s.groupDone, info.Name)
	err = p.rec.save(sctx, s, fieldContext, fieldCompleted, fieldGroupDone)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	event.EventType = schema.EventStepCompleted
	event.Outcome = "ok"
	e.emit(sctx, event)
	e.logger.InfoContext(sctx, "step completed", slog.Int("group_index", groupIndex))

	if p.cancelRequested(sctx) {
		p.cancel(errScheduleCancelled)
	}
	return nil
}

func (p *pass) stepFailed(ctx context.Context, event streaming.StreamEvent, err error) {
	event.EventType = schema.EventStepFailed
	event.Outcome = schema.CodeOf(err)
	event.Payload = map[string]any{"error": err.Error()}
	p.engine.emit(ctx, event)
	p.engine.logger.WarnContext(ctx, "step failed", slog.Any("error", err))
}

// invoke calls fn with the step timeout and turns panics into errors.
func (p *pass) invoke(ctx context.Context, info operation.StepInfo, fn operation.HandlerFunc, input operation.Context) (out operation.Context, err error) {
	timeout := info.Timeout
	if timeout <= 0 {
		timeout = p.engine.cfg.StepTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", info.Name, r)
		}
	}()

	out, err = fn(callCtx, input.Clone())
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "timed out after %s", timeout).
			WithStep(info.Name).WithCause(err)
	}
	return out, err
}

// cancelRequested re-reads the flag so requests from other processes are seen.
func (p *pass) cancelRequested(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.s.cancelRequested {
		return true
	}
	var flag bool
	if err := p.rec.proxy.Read(ctx, fieldCancelRequested, &flag); err == nil && flag {
		p.s.cancelRequested = true
	}
	return p.s.cancelRequested
}

// beginUndo records cause and moves the schedule to UNDOING.
func (p *pass) beginUndo(ctx context.Context, scope undoScope, cause error) error {
	s := p.s
	if err := p.engine.fsm.Transition(ctx, s.id, s.phase, schema.PhaseUndoing); err != nil {
		return err
	}
	s.phase = schema.PhaseUndoing
	s.undoScope = scope
	s.lastError = errorInfo(cause)
	return p.rec.save(ctx, s, fieldPhase, fieldUndoScope, fieldLastError)
}

// compensate undoes completed steps in reverse completion order, one at a
// time. Every step is attempted even after an undo failure.
func (p *pass) compensate(ctx context.Context) error {
	s := p.s
	// Undo must not be interrupted by the cancellation that caused it.
	uctx := context.WithoutCancel(ctx)

	targets := s.completed
	if s.undoScope == undoGroup {
		targets = s.groupDone
	}
	targets = slices.Clone(targets)

	var undoErrs []error
	for i := len(targets) - 1; i >= 0; i-- {
		name := targets[i]
		st := p.step(name)
		if st == nil {
			undoErrs = append(undoErrs, schema.NewErrorf(schema.ErrCodeStepNotFoundInOperation,
				"completed step %q is not part of operation %q", name, s.operation).WithStep(name))
			continue
		}
		if err := p.undoStep(uctx, st); err != nil {
			undoErrs = append(undoErrs, err)
			continue
		}
		// The undo ran but is not recorded; the next owner repeats it.
		if err := p.held(); err != nil {
			return err
		}
		s.completed = slices.DeleteFunc(s.completed, func(n string) bool { return n == name })
		s.groupDone = slices.DeleteFunc(s.groupDone, func(n string) bool { return n == name })
		if err := p.rec.save(uctx, s, fieldContext, fieldCompleted, fieldGroupDone); err != nil {
			return err
		}
	}
	if err := p.held(); err != nil {
		return err
	}

	if len(undoErrs) > 0 {
		s.undoError = errorInfo(schema.NewErrorf(schema.ErrCodeUndoFailed, "%v", errors.Join(undoErrs...)))
		if err := p.rec.save(uctx, s, fieldUndoError); err != nil {
			return err
		}
		return p.finish(uctx, schema.PhaseFailed)
	}

	if s.undoScope == undoGroup {
		if p.cancelRequested(uctx) {
			// Cancelled while rolling back a repetition: widen to everything.
			s.undoScope = undoAll
			if err := p.rec.save(uctx, s, fieldUndoScope); err != nil {
				return err
			}
			return p.compensate(ctx)
		}
		if err := p.engine.fsm.Transition(uctx, s.id, s.phase, schema.PhaseRunning); err != nil {
			return err
		}
		s.phase = schema.PhaseRunning
		s.iteration++
		s.groupDone = nil
		return p.rec.save(uctx, s, fieldPhase, fieldIteration, fieldGroupDone)
	}
	return p.finish(uctx, schema.PhaseFailed)
}

func (p *pass) undoStep(ctx context.Context, st operation.Step) error {
	e := p.engine
	info := st.Info()
	sctx := logging.WithStep(ctx, info.Name)
	event := streaming.StreamEvent{
		ScheduleID: p.s.id,
		Operation:  p.s.operation,
		GroupIndex: p.s.groupIndex,
		Step:       info.Name,
		EventType:  schema.EventUndoStarted,
	}
	e.emit(sctx, event)

	var provided operation.Context
	input := p.s.context.Clone()
	err := retry(sctx, info.Retries, retryWait(info), nil, func(ctx context.Context) error {
		out, err := p.invoke(ctx, info, st.Undo, input)
		if err != nil {
			return err
		}
		if err := checkDeclared(out, info.UndoesKeys, info.Name); err != nil {
			return err
		}
		provided = out
		return nil
	})
	if err != nil {
		err = schema.NewErrorf(schema.ErrCodeUndoFailed, "%v", err).WithStep(info.Name).WithCause(err)
		event.EventType = schema.EventUndoFailed
		event.Outcome = schema.ErrCodeUndoFailed
		event.Payload = map[string]any{"error": err.Error()}
		e.emit(sctx, event)
		e.logger.ErrorContext(sctx, "undo failed", slog.Any("error", err))
		return err
	}

	mergeContext(p.s.context, provided)
	event.EventType = schema.EventUndoCompleted
	event.Outcome = "ok"
	e.emit(sctx, event)
	e.logger.InfoContext(sctx, "step undone")
	return nil
}

// finish moves the schedule to a terminal phase.
func (p *pass) finish(ctx context.Context, to schema.Phase) error {
	s := p.s
	if err := p.engine.fsm.Transition(ctx, s.id, s.phase, to); err != nil {
		return err
	}
	s.phase = to
	return p.rec.save(ctx, s, fieldPhase)
}

func (p *pass) step(name string) operation.Step {
	for _, g := range p.op.Groups {
		for _, st := range operation.GroupSteps(g) {
			if st.Info().Name == name {
				return st
			}
		}
	}
	return nil
}

func cancelledError(cause error) error {
	return schema.NewErrorf(schema.ErrCodeCancelled, "%v", cause).WithCause(cause)
}

func stepError(step string, err error) error {
	code := schema.CodeOf(err)
	if code == "" {
		code = schema.ErrCodeStepFailed
	}
	var se *schema.Error
	if errors.As(err, &se) && se.Step == step {
		return err
	}
	return schema.NewErrorf(code, "%v", err).WithStep(step).WithCause(err)
}

// checkDeclared rejects provided keys the step did not declare.
func checkDeclared(provided operation.Context, declared []string, step string) error {
	var undeclared []string
	for k := range provided {
		if !slices.Contains(declared, k) {
			undeclared = append(undeclared, k)
		}
	}
	if len(undeclared) == 0 {
		return nil
	}
	slices.Sort(undeclared)
	return schema.NewErrorf(schema.ErrCodeUndeclaredContextKey,
		"step wrote undeclared context keys %v (declared %v)", undeclared, declared).
		WithStep(step).
		WithDetails(map[string]any{"undeclared": undeclared, "declared": slices.Clone(declared)})
}

func mergeContext(dst, provided operation.Context) {
	for k, v := range provided {
		dst[k] = v
	}
}

func missingKeys(ctx operation.Context, keys []string) []string {
	var missing []string
	for _, k := range keys {
		if _, ok := ctx[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

func retryWait(info operation.StepInfo) time.Duration {
	if info.RetryWait > 0 {
		return info.RetryWait
	}
	return DefaultRetryWait
}
