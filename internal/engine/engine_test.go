package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dynsched/internal/operation"
	"github.com/rendis/dynsched/internal/store"
	"github.com/rendis/dynsched/internal/streaming"
	"github.com/rendis/dynsched/pkg/schema"
)

// recorder records every create/undo call made through the steps it builds.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (p *recorder) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *recorder) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

func (p *recorder) count(call string) int {
	n := 0
	for _, c := range p.all() {
		if c == call {
			n++
		}
	}
	return n
}

func (p *recorder) step(info operation.StepInfo, create, undo operation.HandlerFunc) operation.Step {
	return operation.NewStep(info,
		func(ctx context.Context, c operation.Context) (operation.Context, error) {
			p.record("create:" + info.Name)
			if create == nil {
				return nil, nil
			}
			return create(ctx, c)
		},
		func(ctx context.Context, c operation.Context) (operation.Context, error) {
			p.record("undo:" + info.Name)
			if undo == nil {
				return nil, nil
			}
			return undo(ctx, c)
		})
}

func (p *recorder) ok(name string, creates ...string) operation.Step {
	return p.step(operation.StepInfo{Name: name, CreatesKeys: creates}, provides(creates...), nil)
}

func (p *recorder) failing(name string) operation.Step {
	return p.step(operation.StepInfo{Name: name}, fails(name+" exploded"), nil)
}

// provides returns a handler writing "<key>-value" for every key.
func provides(keys ...string) operation.HandlerFunc {
	return func(context.Context, operation.Context) (operation.Context, error) {
		out := operation.Context{}
		for _, k := range keys {
			out[k] = k + "-value"
		}
		return out, nil
	}
}

func fails(msg string) operation.HandlerFunc {
	return func(context.Context, operation.Context) (operation.Context, error) {
		return nil, errors.New(msg)
	}
}

// blocks signals started and then waits for cancellation.
func blocks(started chan<- struct{}) operation.HandlerFunc {
	var once sync.Once
	return func(ctx context.Context, _ operation.Context) (operation.Context, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func testConfig() Config {
	return Config{
		StepTimeout: time.Second,
		LockWait:    2 * time.Second,
		Logger:      slog.New(slog.DiscardHandler),
	}
}

func newTestEngine(t *testing.T, st store.Store, ops map[string]*operation.Operation, cfg Config) *Engine {
	t.Helper()
	reg := operation.NewRegistry()
	for name, op := range ops {
		require.NoError(t, reg.Register(name, op))
	}
	e := New(reg, st, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func create(t *testing.T, e *Engine, op string, input operation.Context) string {
	t.Helper()
	id, created, err := e.Create(context.Background(), "", op, input)
	require.NoError(t, err)
	require.True(t, created)
	return id
}

func eventuallyPhase(t *testing.T, e *Engine, id string, phase schema.Phase) *ScheduleStatus {
	t.Helper()
	var st *ScheduleStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = e.Status(context.Background(), id)
		return err == nil && st.Phase == phase
	}, 3*time.Second, 10*time.Millisecond)
	return st
}

func drain(ch <-chan streaming.StreamEvent) []streaming.StreamEvent {
	var out []streaming.StreamEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestAdvance_RunsToDone(t *testing.T) {
	p := &recorder{}
	op := operation.New(
		operation.Single{Step: p.ok("provision", "host")},
		operation.Parallel{Steps: []operation.Step{p.ok("configure_a", "a"), p.ok("configure_b", "b")}},
		operation.Single{Step: p.step(operation.StepInfo{Name: "activate", RequiresKeys: []string{"host", "a"}}, nil, nil)},
	).WithRequiredKeys("node")
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"deploy": op}, testConfig())

	id := create(t, e, "deploy", operation.Context{"node": "n1"})
	st, err := e.Advance(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, schema.PhaseDone, st.Phase)
	assert.Equal(t, operation.Context{
		"node": "n1",
		"host": "host-value",
		"a":    "a-value",
		"b":    "b-value",
	}, st.Context)
	assert.Equal(t, "provision", st.Completed[0])
	assert.Equal(t, "activate", st.Completed[3])
	assert.ElementsMatch(t, []string{"configure_a", "configure_b"}, st.Completed[1:3])
	assert.Nil(t, st.LastError)
	assert.Zero(t, p.count("undo:provision"))
}

func TestAdvance_ProvisionConfigureActivate(t *testing.T) {
	p := &recorder{}
	op := operation.New(
		operation.Single{Step: p.ok("provision", "node_host")},
		operation.Single{Step: p.failing("configure")},
		operation.Single{Step: p.ok("activate")},
	)
	hub := streaming.NewMemoryHub()
	cfg := testConfig()
	cfg.Hub = hub
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"setup": op}, cfg)

	id := create(t, e, "setup", nil)
	events, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{ScheduleID: id})
	require.NoError(t, err)
	defer cancel()

	st, err := e.Advance(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, schema.PhaseFailed, st.Phase)
	assert.Equal(t, 1, p.count("undo:provision"))
	assert.Zero(t, p.count("create:activate"))
	assert.Zero(t, p.count("undo:configure"))
	require.NotNil(t, st.LastError)
	assert.Equal(t, schema.ErrCodeStepFailed, st.LastError.Code)
	assert.Equal(t, "configure", st.LastError.Step)
	assert.Contains(t, st.LastError.Message, "configure exploded")
	assert.Nil(t, st.UndoError)
	assert.Empty(t, st.Completed)

	var phases, steps []string
	for _, ev := range drain(events) {
		switch ev.EventType {
		case schema.EventPhaseChanged:
			phases = append(phases, ev.Outcome)
		case schema.EventStepStarted, schema.EventStepCompleted, schema.EventStepFailed,
			schema.EventUndoStarted, schema.EventUndoCompleted:
			steps = append(steps, ev.EventType+":"+ev.Step)
		}
	}
	assert.Equal(t, []string{"UNDOING", "FAILED"}, phases)
	assert.Equal(t, []string{
		"step_started:provision", "step_completed:provision",
		"step_started:configure", "step_failed:configure",
		"undo_started:provision", "undo_completed:provision",
	}, steps)
}

func TestAdvance_ParallelFailureUndoesOnlyCompleted(t *testing.T) {
	p := &recorder{}
	slowOK := p.step(operation.StepInfo{Name: "C", CreatesKeys: []string{"c"}},
		func(context.Context, operation.Context) (operation.Context, error) {
			time.Sleep(30 * time.Millisecond)
			return operation.Context{"c": 1}, nil
		}, nil)
	op := operation.New(
		operation.Single{Step: p.ok("A", "a")},
		operation.Parallel{Steps: []operation.Step{p.failing("B"), slowOK}},
	)
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())

	id := create(t, e, "op", nil)
	st, err := e.Advance(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, schema.PhaseFailed, st.Phase)
	assert.Zero(t, p.count("undo:B"))
	assert.Equal(t, 1, p.count("undo:C"))
	assert.Equal(t, 1, p.count("undo:A"))

	calls := p.all()
	assert.Less(t, slices.Index(calls, "undo:C"), slices.Index(calls, "undo:A"), "undo runs in reverse completion order")
}

func TestAdvance_ParallelFailuresAreAllReported(t *testing.T) {
	p := &recorder{}
	op := operation.New(
		operation.Parallel{Steps: []operation.Step{p.failing("left"), p.failing("right")}},
	)
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())

	id := create(t, e, "op", nil)
	st, err := e.Advance(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, schema.PhaseFailed, st.Phase)
	require.NotNil(t, st.LastError)
	assert.Contains(t, st.LastError.Message, "left exploded")
	assert.Contains(t, st.LastError.Message, "right exploded")
}

func TestAdvance_UndoFailureKeepsBothErrors(t *testing.T) {
	p := &recorder{}
	op := operation.New(
		operation.Single{Step: p.ok("A")},
		operation.Single{Step: p.step(operation.StepInfo{Name: "B"}, nil, fails("cannot release B"))},
		operation.Single{Step: p.failing("C")},
	)
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())

	id := create(t, e, "op", nil)
	st, err := e.Advance(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, schema.PhaseFailed, st.Phase)
	require.NotNil(t, st.LastError)
	require.NotNil(t, st.UndoError)
	assert.Contains(t, st.LastError.Message, "C exploded")
	assert.Equal(t, schema.ErrCodeUndoFailed, st.UndoError.Code)
	assert.Contains(t, st.UndoError.Message, "cannot release B")

	// A is still compensated after B's undo failed.
	assert.Equal(t, 1, p.count("undo:A"))
	assert.Equal(t, []string{"B"}, st.Completed)
}

func TestAdvance_UndeclaredKeyFailsStep(t *testing.T) {
	p := &recorder{}
	sneaky := p.step(operation.StepInfo{Name: "sneaky", CreatesKeys: []string{"allowed"}},
		func(context.Context, operation.Context) (operation.Context, error) {
			return operation.Context{"allowed": 1, "secret": 2}, nil
		}, nil)
	op := operation.New(
		operation.Single{Step: p.ok("first", "x")},
		operation.Single{Step: sneaky},
	)
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())

	id := create(t, e, "op", nil)
	st, err := e.Advance(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, schema.PhaseFailed, st.Phase)
	require.NotNil(t, st.LastError)
	assert.Equal(t, schema.ErrCodeUndeclaredContextKey, st.LastError.Code)
	assert.Contains(t, st.LastError.Message, "secret")
	assert.Equal(t, 1, p.count("undo:first"))
	assert.NotContains(t, st.Context, "secret")
}

func TestAdvance_TimeoutIsAFailure(t *testing.T) {
	p := &recorder{}
	slow := p.step(operation.StepInfo{Name: "slow", Timeout: 30 * time.Millisecond},
		func(ctx context.Context, _ operation.Context) (operation.Context, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
	op := operation.New(operation.Single{Step: p.ok("A")}, operation.Single{Step: slow})
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())

	id := create(t, e, "op", nil)
	st, err := e.Advance(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, schema.PhaseFailed, st.Phase)
	assert.Equal(t, schema.ErrCodeTimeout, st.LastError.Code)
	assert.Equal(t, 1, p.count("undo:A"))
}

func TestAdvance_RetriesStep(t *testing.T) {
	p := &recorder{}
	attempts := 0
	flaky := p.step(operation.StepInfo{Name: "flaky", Retries: 2, RetryWait: time.Millisecond},
		func(context.Context, operation.Context) (operation.Context, error) {
			attempts++
			if attempts < 2 {
				return nil, errors.New("transient")
			}
			return nil, nil
		}, nil)
	op := operation.New(operation.Single{Step: flaky})
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())

	id := create(t, e, "op", nil)
	st, err := e.Advance(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, schema.PhaseDone, st.Phase)
	assert.Equal(t, 2, p.count("create:flaky"))
}

func TestAdvance_PanickingStepFails(t *testing.T) {
	p := &recorder{}
	op := operation.New(operation.Single{Step: p.step(operation.StepInfo{Name: "boom"},
		func(context.Context, operation.Context) (operation.Context, error) { panic("kaboom") }, nil)})
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())

	id := create(t, e, "op", nil)
	st, err := e.Advance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.PhaseFailed, st.Phase)
	assert.Contains(t, st.LastError.Message, "kaboom")
}

func TestManualIntervention(t *testing.T) {
	p := &recorder{}
	op := operation.New(
		operation.Single{Step: p.ok("prepare", "plan")},
		operation.Single{Step: p.step(operation.StepInfo{Name: "approve", ManualIntervention: true}, nil, nil)},
		operation.Single{Step: p.ok("apply")},
	)
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())
	ctx := context.Background()

	id := create(t, e, "op", nil)
	st, err := e.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.PhaseWaitingManualIntervention, st.Phase)
	assert.Equal(t, 2, st.GroupIndex)
	assert.Equal(t, "2S", st.Group)
	assert.Zero(t, p.count("create:apply"))

	// Advancing a waiting schedule does nothing.
	st, err = e.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.PhaseWaitingManualIntervention, st.Phase)
	assert.Zero(t, p.count("create:apply"))

	require.NoError(t, e.Resume(ctx, id))
	require.NoError(t, e.Resume(ctx, id))

	st = eventuallyPhase(t, e, id, schema.PhaseDone)
	assert.Equal(t, "plan-value", st.Context["plan"])

	require.NoError(t, e.Resume(ctx, id))
	e.pool.Wait()
	assert.Equal(t, 1, p.count("create:apply"))
	assert.Equal(t, 1, p.count("create:approve"))
}

func TestRestartResumesAtSameGroup(t *testing.T) {
	p := &recorder{}
	st := store.NewMemoryStore()
	started := make(chan struct{})

	build := func(b operation.HandlerFunc) *operation.Operation {
		return operation.New(
			operation.Single{Step: p.ok("A", "a")},
			operation.Parallel{Steps: []operation.Step{
				p.step(operation.StepInfo{Name: "B", CreatesKeys: []string{"b"}, Timeout: 10 * time.Second}, b, nil),
				p.ok("C", "c"),
			}},
			operation.Single{Step: p.ok("D", "d")},
		)
	}

	first := newTestEngine(t, st, map[string]*operation.Operation{"op": build(blocks(started))}, testConfig())
	id := create(t, first, "op", operation.Context{"seed": "s"})

	// The first process dies while B is in flight.
	ctx, crash := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := first.Advance(ctx, id)
		result <- err
	}()
	<-started
	require.Eventually(t, func() bool { return p.count("create:C") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	crash()
	require.ErrorIs(t, <-result, context.Canceled)

	mid, err := first.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.PhaseRunning, mid.Phase)
	assert.Equal(t, 1, mid.GroupIndex)
	assert.Equal(t, []string{"A", "C"}, mid.Completed)

	second := newTestEngine(t, st, map[string]*operation.Operation{"op": build(provides("b"))}, testConfig())
	final, err := second.Advance(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, schema.PhaseDone, final.Phase)
	assert.Equal(t, operation.Context{
		"seed": "s", "a": "a-value", "b": "b-value", "c": "c-value", "d": "d-value",
	}, final.Context)
	assert.Equal(t, 1, p.count("create:A"))
	assert.Equal(t, 1, p.count("create:C"))
	assert.Equal(t, 2, p.count("create:B"))
	assert.Zero(t, p.count("undo:A"))
}

func TestRecover(t *testing.T) {
	p := &recorder{}
	st := store.NewMemoryStore()
	op := operation.New(operation.Single{Step: p.ok("A")}, operation.Single{Step: p.ok("B")})
	ops := map[string]*operation.Operation{"op": op}

	first := newTestEngine(t, st, ops, testConfig())
	pending1 := create(t, first, "op", nil)
	pending2 := create(t, first, "op", nil)
	done := create(t, first, "op", nil)
	_, err := first.Advance(context.Background(), done)
	require.NoError(t, err)

	second := newTestEngine(t, st, ops, testConfig())
	n, err := second.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	eventuallyPhase(t, second, pending1, schema.PhaseDone)
	eventuallyPhase(t, second, pending2, schema.PhaseDone)
	assert.Equal(t, 3, p.count("create:B"))
}

func TestCancelRunningSchedule(t *testing.T) {
	p := &recorder{}
	started := make(chan struct{})
	op := operation.New(
		operation.Single{Step: p.ok("A", "a")},
		operation.Single{Step: p.step(operation.StepInfo{Name: "B", Timeout: 10 * time.Second}, blocks(started), nil)},
	)
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())
	ctx := context.Background()

	id, err := e.Start(ctx, "op", nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, e.Cancel(ctx, id))
	st := eventuallyPhase(t, e, id, schema.PhaseFailed)

	require.NotNil(t, st.LastError)
	assert.Equal(t, schema.ErrCodeCancelled, st.LastError.Code)
	assert.Equal(t, 1, p.count("undo:A"))
	assert.Zero(t, p.count("undo:B"))

	// Cancelling a finished schedule is a no-op.
	require.NoError(t, e.Cancel(ctx, id))
}

func TestCancelWaitingSchedule(t *testing.T) {
	p := &recorder{}
	op := operation.New(
		operation.Single{Step: p.ok("A")},
		operation.Single{Step: p.step(operation.StepInfo{Name: "approve", ManualIntervention: true}, nil, nil)},
		operation.Single{Step: p.ok("C")},
	)
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())
	ctx := context.Background()

	id := create(t, e, "op", nil)
	_, err := e.Advance(ctx, id)
	require.NoError(t, err)

	require.NoError(t, e.Cancel(ctx, id))
	st := eventuallyPhase(t, e, id, schema.PhaseFailed)

	assert.Equal(t, schema.ErrCodeCancelled, st.LastError.Code)
	assert.Equal(t, []string{"create:A", "create:approve", "undo:approve", "undo:A"}, p.all())
}

func TestCancelUncancellable(t *testing.T) {
	p := &recorder{}
	op := operation.New(operation.Single{Step: p.ok("A")})
	op.Uncancellable = true
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())

	id := create(t, e, "op", nil)
	err := e.Cancel(context.Background(), id)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestShutdownCompensatesRunningSchedules(t *testing.T) {
	p := &recorder{}
	started := make(chan struct{})
	op := operation.New(
		operation.Single{Step: p.ok("A")},
		operation.Single{Step: p.step(operation.StepInfo{Name: "B", Timeout: 10 * time.Second}, blocks(started), nil)},
	)
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())

	id, err := e.Start(context.Background(), "op", nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, e.Shutdown(context.Background()))
	st, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.PhaseFailed, st.Phase)
	assert.Equal(t, schema.ErrCodeCancelled, st.LastError.Code)
	assert.Equal(t, 1, p.count("undo:A"))
}

func TestRepeatingGroup(t *testing.T) {
	p := &recorder{}
	op := operation.New(
		operation.Single{Step: p.ok("provision", "host")},
		operation.Parallel{Steps: []operation.Step{p.ok("check_cpu"), p.ok("check_disk")}, Repeat: true, RepeatEvery: time.Hour},
	)
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"monitor": op}, testConfig())
	ctx := context.Background()

	id := create(t, e, "monitor", nil)
	st, err := e.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.PhaseRunning, st.Phase)
	assert.Equal(t, 1, st.Iteration)
	assert.Equal(t, "1PR", st.Group)

	st, err = e.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.PhaseRunning, st.Phase)
	assert.Equal(t, 2, st.Iteration)
	assert.Equal(t, "host-value", st.Context["host"])
	assert.Equal(t, 2, p.count("create:check_cpu"))
	assert.Equal(t, 1, p.count("create:provision"))
}

func TestRepeatingGroupFailureRetriesGroup(t *testing.T) {
	p := &recorder{}
	calls := 0
	var mu sync.Mutex
	flappy := p.step(operation.StepInfo{Name: "check_b"},
		func(context.Context, operation.Context) (operation.Context, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 2 {
				return nil, errors.New("check_b flapped")
			}
			return nil, nil
		}, nil)
	op := operation.New(
		operation.Single{Step: p.ok("provision", "host")},
		operation.Parallel{Steps: []operation.Step{p.ok("check_a"), flappy}, Repeat: true, RepeatEvery: time.Hour},
	)
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"monitor": op}, testConfig())
	ctx := context.Background()

	id := create(t, e, "monitor", nil)
	_, err := e.Advance(ctx, id)
	require.NoError(t, err)

	st, err := e.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.PhaseRunning, st.Phase)
	require.NotNil(t, st.LastError)
	assert.Contains(t, st.LastError.Message, "check_b flapped")
	assert.Equal(t, 1, p.count("undo:check_a"))
	assert.Zero(t, p.count("undo:provision"))

	st, err = e.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.PhaseRunning, st.Phase)
	assert.Equal(t, 3, p.count("create:check_a"))
}

func TestTriggerWakesRepeatingSchedule(t *testing.T) {
	p := &recorder{}
	op := operation.New(
		operation.Single{Step: p.ok("tick"), Repeat: true, RepeatEvery: time.Hour},
	)
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"ticker": op}, testConfig())
	ctx := context.Background()

	id, err := e.Start(ctx, "ticker", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.count("create:tick") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Trigger(ctx, id))
	require.Eventually(t, func() bool { return p.count("create:tick") == 2 }, time.Second, 5*time.Millisecond)
}

func TestCreate(t *testing.T) {
	p := &recorder{}
	op := operation.New(operation.Single{Step: p.ok("A")}).
		WithRequiredKeys("service_id").
		WithContextSchema([]byte(`{"type":"object","properties":{"service_id":{"type":"string"}}}`))
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())
	ctx := context.Background()

	t.Run("missing required key", func(t *testing.T) {
		_, _, err := e.Create(ctx, "", "op", operation.Context{})
		assert.Equal(t, schema.ErrCodeMissingContextKey, schema.CodeOf(err))
	})

	t.Run("schema violation", func(t *testing.T) {
		_, _, err := e.Create(ctx, "", "op", operation.Context{"service_id": 42})
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	})

	t.Run("unknown operation", func(t *testing.T) {
		_, _, err := e.Create(ctx, "", "nope", nil)
		assert.ErrorIs(t, err, operation.ErrOperationNotFound)
	})

	t.Run("duplicate id is a no-op", func(t *testing.T) {
		id, created, err := e.Create(ctx, "fixed", "op", operation.Context{"service_id": "s1"})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "fixed", id)

		_, created, err = e.Create(ctx, "fixed", "op", operation.Context{"service_id": "s2"})
		require.NoError(t, err)
		assert.False(t, created)

		st, err := e.Status(ctx, "fixed")
		require.NoError(t, err)
		assert.Equal(t, "s1", st.Context["service_id"])
	})
}

func TestStartWithIDIsIdempotent(t *testing.T) {
	p := &recorder{}
	op := operation.New(operation.Single{Step: p.ok("A")})
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())
	ctx := context.Background()

	for range 3 {
		id, err := e.StartWithID(ctx, "once", "op", nil)
		require.NoError(t, err)
		assert.Equal(t, "once", id)
	}
	eventuallyPhase(t, e, "once", schema.PhaseDone)
	e.pool.Wait()
	assert.Equal(t, 1, p.count("create:A"))
}

func TestForget(t *testing.T) {
	p := &recorder{}
	op := operation.New(
		operation.Single{Step: p.ok("A")},
		operation.Single{Step: p.step(operation.StepInfo{Name: "gate", ManualIntervention: true}, nil, nil)},
		operation.Single{Step: p.ok("B")},
	)
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())
	ctx := context.Background()

	id := create(t, e, "op", nil)
	_, err := e.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(e.Forget(ctx, id)))

	require.NoError(t, e.Resume(ctx, id))
	eventuallyPhase(t, e, id, schema.PhaseDone)
	e.pool.Wait()

	require.NoError(t, e.Forget(ctx, id))
	_, err = e.Status(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdvance_LockHeldElsewhere(t *testing.T) {
	p := &recorder{}
	st := store.NewMemoryStore()
	op := operation.New(operation.Single{Step: p.ok("A")})
	cfg := testConfig()
	cfg.LockWait = 50 * time.Millisecond
	e := newTestEngine(t, st, map[string]*operation.Operation{"op": op}, cfg)
	ctx := context.Background()

	id := create(t, e, "op", nil)
	l, err := st.Lock(ctx, store.LockKey(store.ScheduleKey(id)), store.LockOptions{TTL: time.Minute})
	require.NoError(t, err)
	defer l.Unlock(ctx)

	_, err = e.Advance(ctx, id)
	assert.ErrorIs(t, err, store.ErrLockTimeout)
	assert.Zero(t, p.count("create:A"))
}

func TestConcurrentSchedules(t *testing.T) {
	p := &recorder{}
	op := operation.New(
		operation.Single{Step: p.ok("A", "a")},
		operation.Parallel{Steps: []operation.Step{p.ok("B"), p.ok("C")}},
	)
	e := newTestEngine(t, store.NewMemoryStore(), map[string]*operation.Operation{"op": op}, testConfig())
	ctx := context.Background()

	ids := make([]string, 10)
	for i := range ids {
		id, err := e.StartWithID(ctx, fmt.Sprintf("s-%d", i), "op", nil)
		require.NoError(t, err)
		ids[i] = id
	}
	for _, id := range ids {
		eventuallyPhase(t, e, id, schema.PhaseDone)
	}
	assert.Equal(t, 10, p.count("create:C"))
}
