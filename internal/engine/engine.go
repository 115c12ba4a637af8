package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/dynsched/internal/logging"
	"github.com/rendis/dynsched/internal/operation"
	"github.com/rendis/dynsched/internal/store"
	"github.com/rendis/dynsched/internal/streaming"
	"github.com/rendis/dynsched/internal/validation"
	"github.com/rendis/dynsched/pkg/schema"
)

const (
	DefaultStepTimeout = 5 * time.Second
	DefaultRetryWait   = 5 * time.Second
	DefaultPoolSize    = 64

	// submitRetry is how soon a driver rejected by a full pool tries again.
	submitRetry = 50 * time.Millisecond
	// maxLockRetry caps the pause between attempts on a foreign lock.
	maxLockRetry = 5 * time.Second
)

var (
	errScheduleCancelled = errors.New("schedule cancelled")
	errShutdown          = errors.New("engine shutting down")
)

// Config holds engine settings. Zero values select the defaults.
type Config struct {
	StepTimeout time.Duration
	LockTTL     time.Duration
	LockWait    time.Duration
	PoolSize    int
	Logger      *slog.Logger
	Hub         streaming.EventHub
}

// Engine drives schedules through their operations. Several engines may
// share one store; the per-schedule advisory lock keeps a schedule on a
// single executor at a time.
type Engine struct {
	registry  *operation.Registry
	store     store.Store
	cfg       Config
	logger    *slog.Logger
	hub       streaming.EventHub
	fsm       *PhaseFSM
	validator *validation.ContextValidator
	pool      *WorkerPool

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu   sync.Mutex
	runs map[string]*localRun
}

// localRun is this process's handle on a schedule it is driving. A driver
// is a chain of pool jobs, each running one Advance; between jobs it holds
// no pool slot, only a timer. All fields are guarded by Engine.mu.
type localRun struct {
	cancel       context.CancelCauseFunc // set while a pass executes
	driving      bool                    // a job is queued, running or timed
	running      bool                    // a job is on the pool
	woken        bool                    // a wake arrived while running
	timer        *time.Timer             // next job while idle
	lockDeadline time.Time               // stop retrying a foreign lock after this
}

// New creates an Engine over registry and st.
func New(registry *operation.Registry, st store.Store, cfg Config) *Engine {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = store.DefaultLockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = store.DefaultLockWait
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "engine"))

	e := &Engine{
		registry:  registry,
		store:     st,
		cfg:       cfg,
		logger:    logger,
		hub:       cfg.Hub,
		validator: validation.NewContextValidator(),
		pool:      NewWorkerPool(cfg.PoolSize, logger),
		runs:      make(map[string]*localRun),
	}
	e.fsm = NewPhaseFSM(e.observeTransition)
	e.baseCtx, e.baseCancel = context.WithCancelCause(context.Background())
	return e
}

// FSM exposes the phase machine so callers can hook transitions.
func (e *Engine) FSM() *PhaseFSM { return e.fsm }

// Registry returns the operation registry the engine runs from.
func (e *Engine) Registry() *operation.Registry { return e.registry }

// Create persists a new RUNNING schedule without running it. An empty id is
// replaced by a fresh one. If a schedule with id already exists nothing is
// written and created is false.
func (e *Engine) Create(ctx context.Context, id, operationName string, input operation.Context) (string, bool, error) {
	op, err := e.registry.Operation(operationName)
	if err != nil {
		return "", false, err
	}
	if err := e.checkInput(op, input); err != nil {
		return "", false, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	rec := newScheduleRecord(e.store, id)
	lock, err := rec.proxy.Lock(ctx, e.lockOptions())
	if err != nil {
		return "", false, err
	}
	defer e.unlock(ctx, lock, id)

	exists, err := rec.proxy.Exists(ctx)
	if err != nil {
		return "", false, err
	}
	if exists {
		var existing string
		if err := rec.proxy.Read(ctx, fieldOperation, &existing); err != nil {
			return "", false, err
		}
		if existing != operationName {
			return "", false, schema.NewErrorf(schema.ErrCodeConflict,
				"schedule %q already exists for operation %q", id, existing)
		}
		return id, false, nil
	}

	now := time.Now().UTC()
	s := &schedule{
		id:        id,
		operation: operationName,
		phase:     schema.PhaseRunning,
		context:   input.Clone(),
		createdAt: now,
	}
	if err := rec.saveAll(ctx, s); err != nil {
		return "", false, err
	}

	lctx := logging.WithSchedule(ctx, id, operationName)
	e.emit(lctx, streaming.StreamEvent{
		ScheduleID: id,
		Operation:  operationName,
		EventType:  schema.EventScheduleCreated,
		Outcome:    string(schema.PhaseRunning),
	})
	e.logger.InfoContext(lctx, "schedule created", slog.String("shape", op.String()))
	return id, true, nil
}

// Start creates a schedule and runs it in the background.
func (e *Engine) Start(ctx context.Context, operationName string, input operation.Context) (string, error) {
	return e.StartWithID(ctx, "", operationName, input)
}

// StartWithID is Start with a caller-chosen id. Starting an id that already
// exists is a no-op.
func (e *Engine) StartWithID(ctx context.Context, id, operationName string, input operation.Context) (string, error) {
	id, created, err := e.Create(ctx, id, operationName, input)
	if err != nil {
		return "", err
	}
	if !created {
		return id, nil
	}
	return id, e.launch(id, false)
}

// Status returns the persisted state of a schedule.
func (e *Engine) Status(ctx context.Context, id string) (*ScheduleStatus, error) {
	s, err := newScheduleRecord(e.store, id).load(ctx, id)
	if err != nil {
		return nil, err
	}
	op, _ := e.registry.Operation(s.operation)
	return s.status(op), nil
}

// Resume continues a schedule waiting for manual intervention. Resuming a
// schedule in any other phase is a no-op.
func (e *Engine) Resume(ctx context.Context, id string) error {
	resumed, err := e.resume(ctx, id)
	if err != nil || !resumed {
		return err
	}
	return e.launch(id, true)
}

func (e *Engine) resume(ctx context.Context, id string) (bool, error) {
	rec := newScheduleRecord(e.store, id)
	lock, err := rec.proxy.Lock(ctx, e.lockOptions())
	if err != nil {
		return false, err
	}
	defer e.unlock(ctx, lock, id)

	s, err := rec.load(ctx, id)
	if err != nil {
		return false, err
	}
	if s.phase != schema.PhaseWaitingManualIntervention || s.cancelRequested {
		return false, nil
	}

	lctx := logging.WithSchedule(ctx, id, s.operation)
	if err := e.fsm.Transition(lctx, id, s.phase, schema.PhaseRunning); err != nil {
		return false, err
	}
	s.phase = schema.PhaseRunning
	if err := rec.save(ctx, s, fieldPhase); err != nil {
		return false, err
	}
	e.emit(lctx, streaming.StreamEvent{
		ScheduleID: id,
		Operation:  s.operation,
		GroupIndex: s.groupIndex,
		EventType:  schema.EventScheduleResumed,
	})
	return true, nil
}

// Cancel requests compensation of a schedule. A schedule running in this
// process is interrupted immediately; one owned by another process observes
// the request between steps. Cancelling a finished schedule is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	rec := newScheduleRecord(e.store, id)
	s, err := rec.load(ctx, id)
	if err != nil {
		return err
	}
	op, err := e.registry.Operation(s.operation)
	if err != nil {
		return err
	}
	if op.Uncancellable {
		return schema.NewErrorf(schema.ErrCodeConflict, "operation %q cannot be cancelled", s.operation)
	}
	if s.phase.Terminal() || s.cancelRequested {
		return nil
	}

	lctx := logging.WithSchedule(ctx, id, s.operation)
	e.emit(lctx, streaming.StreamEvent{
		ScheduleID: id,
		Operation:  s.operation,
		GroupIndex: s.groupIndex,
		EventType:  schema.EventCancelRequested,
	})

	e.mu.Lock()
	if r := e.runs[id]; r != nil && r.cancel != nil {
		r.cancel(errScheduleCancelled)
	}
	e.mu.Unlock()

	requested, err := e.requestCancel(ctx, rec, id)
	if err != nil || !requested {
		return err
	}
	return e.launch(id, true)
}

// requestCancel persists the cancel flag under the schedule lock. If another
// executor holds the lock for longer than LockWait the flag is written
// without it; that executor re-reads the flag between steps.
func (e *Engine) requestCancel(ctx context.Context, rec scheduleRecord, id string) (bool, error) {
	lock, err := rec.proxy.Lock(ctx, e.lockOptions())
	switch {
	case err == nil:
		defer e.unlock(ctx, lock, id)
	case !errors.Is(err, store.ErrLockTimeout):
		return false, err
	}

	// Reload: the schedule may have finished or been forgotten meanwhile.
	s, err := rec.load(ctx, id)
	if err != nil {
		return false, err
	}
	if s.phase.Terminal() || s.cancelRequested {
		return false, nil
	}
	s.cancelRequested = true
	if err := rec.save(ctx, s, fieldCancelRequested); err != nil {
		return false, err
	}
	return true, nil
}

// Trigger wakes a repeating schedule before its interval elapses, or picks
// up a schedule no local driver is running.
func (e *Engine) Trigger(ctx context.Context, id string) error {
	if _, err := newScheduleRecord(e.store, id).load(ctx, id); err != nil {
		return err
	}
	return e.launch(id, true)
}

// Recover relaunches every persisted schedule that still has work to do,
// typically right after process start. It returns how many were launched.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	ids, err := store.IDs(ctx, e.store, store.SchedulePrefix)
	if err != nil {
		return 0, err
	}
	launched := 0
	var errs []error
	for _, id := range ids {
		s, err := newScheduleRecord(e.store, id).load(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch {
		case s.phase == schema.PhaseRunning, s.phase == schema.PhaseUndoing,
			s.phase == schema.PhaseWaitingManualIntervention && s.cancelRequested:
		default:
			continue
		}
		if err := e.launch(id, false); err != nil {
			errs = append(errs, err)
			continue
		}
		launched++
	}
	e.logger.InfoContext(ctx, "recovered schedules", slog.Int("launched", launched), slog.Int("scanned", len(ids)))
	return launched, errors.Join(errs...)
}

// Forget deletes a finished schedule once its result has been consumed.
func (e *Engine) Forget(ctx context.Context, id string) error {
	rec := newScheduleRecord(e.store, id)
	lock, err := rec.proxy.Lock(ctx, e.lockOptions())
	if err != nil {
		return err
	}
	defer e.unlock(ctx, lock, id)

	s, err := rec.load(ctx, id)
	if err != nil {
		return err
	}
	if !s.phase.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q is %s, not finished", id, s.phase)
	}
	return rec.proxy.Delete(ctx)
}

// Shutdown interrupts local runs and waits for them to finish compensating.
// Schedules between repeats are left RUNNING for Recover.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.baseCancel(errShutdown)
	e.mu.Lock()
	for id, r := range e.runs {
		if r.timer != nil && r.timer.Stop() {
			e.stopLocked(id, r)
		}
	}
	e.mu.Unlock()
	return e.pool.Shutdown(ctx)
}

// PoolMetrics reports the state of the engine's worker pool.
func (e *Engine) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// launch makes sure a driver is working on id. It never blocks: a full pool
// delays the first job instead of the caller. With now set, a driver idle
// between jobs runs its next job immediately.
func (e *Engine) launch(id string, now bool) error {
	if e.baseCtx.Err() != nil {
		return ErrPoolShutdown
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.runFor(id)
	switch {
	case !r.driving:
		r.driving = true
		e.submitLocked(id, r)
	case !now:
	case r.running:
		r.woken = true
	case r.timer != nil && r.timer.Stop():
		e.submitLocked(id, r)
	}
	return nil
}

// submitLocked queues the next job for r. Requires e.mu.
func (e *Engine) submitLocked(id string, r *localRun) {
	r.timer = nil
	if e.baseCtx.Err() != nil {
		e.stopLocked(id, r)
		return
	}
	r.running = true
	if e.pool.TrySubmit(e.baseCtx, func(ctx context.Context) error { return e.tick(ctx, id, r) }) {
		return
	}
	r.running = false
	e.afterLocked(id, r, submitRetry)
}

// afterLocked arms r's timer. Requires e.mu.
func (e *Engine) afterLocked(id string, r *localRun, d time.Duration) {
	r.timer = time.AfterFunc(d, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.submitLocked(id, r)
	})
}

// stopLocked ends the driver. Requires e.mu.
func (e *Engine) stopLocked(id string, r *localRun) {
	r.driving = false
	r.running = false
	r.woken = false
	r.timer = nil
	r.lockDeadline = time.Time{}
	e.releaseLocked(id)
}

// tick is one driver job: a single Advance, then the decision when the next
// job runs. A lock held elsewhere is retried until it must have expired, so
// the schedule of a crashed owner is picked up once its lease runs out.
func (e *Engine) tick(ctx context.Context, id string, r *localRun) error {
	st, err := e.Advance(ctx, id)

	e.mu.Lock()
	defer e.mu.Unlock()
	r.running = false
	woken := r.woken
	r.woken = false

	switch {
	case ctx.Err() != nil:
		e.stopLocked(id, r)
		return nil

	case errors.Is(err, store.ErrLockTimeout), errors.Is(err, store.ErrLockLost):
		now := time.Now()
		if r.lockDeadline.IsZero() {
			r.lockDeadline = now.Add(e.cfg.LockTTL + e.cfg.LockWait)
		}
		if now.After(r.lockDeadline) {
			e.logger.DebugContext(ctx, "schedule owned elsewhere", slog.String("schedule_id", id))
			e.stopLocked(id, r)
			return nil
		}
		e.afterLocked(id, r, e.lockRetry())
		return nil

	case err != nil:
		e.stopLocked(id, r)
		return err
	}

	r.lockDeadline = time.Time{}
	if woken {
		e.submitLocked(id, r)
		return nil
	}
	if st.Phase != schema.PhaseRunning {
		e.stopLocked(id, r)
		return nil
	}
	op, err := e.registry.Operation(st.Operation)
	if err != nil {
		e.stopLocked(id, r)
		return err
	}
	e.afterLocked(id, r, op.Groups[len(op.Groups)-1].RepeatInterval())
	return nil
}

func (e *Engine) lockRetry() time.Duration {
	return min(max(e.cfg.LockTTL/4, submitRetry), maxLockRetry)
}

// runFor must be called with e.mu held.
func (e *Engine) runFor(id string) *localRun {
	r, ok := e.runs[id]
	if !ok {
		r = &localRun{}
		e.runs[id] = r
	}
	return r
}

// releaseLocked drops the handle once nothing uses it. Requires e.mu.
func (e *Engine) releaseLocked(id string) {
	if r, ok := e.runs[id]; ok && !r.driving && r.cancel == nil {
		delete(e.runs, id)
	}
}

func (e *Engine) lockOptions() store.LockOptions {
	return store.LockOptions{TTL: e.cfg.LockTTL, Wait: e.cfg.LockWait}
}

func (e *Engine) unlock(ctx context.Context, lock store.Lock, id string) {
	if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
		e.logger.WarnContext(ctx, "release schedule lock", slog.String("schedule_id", id), slog.Any("error", err))
	}
}

// checkInput validates the initial context against the operation contract.
func (e *Engine) checkInput(op *operation.Operation, input operation.Context) error {
	var missing []string
	for _, k := range op.RequiredKeys {
		if _, ok := input[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeMissingContextKey,
			"initial context is missing required keys %v", missing).
			WithDetails(map[string]any{"missing": missing, "required": slices.Clone(op.RequiredKeys)})
	}
	if len(op.ContextSchema) > 0 {
		return e.validator.Validate(input, op.ContextSchema)
	}
	return nil
}
