// Package controller reconciles the desired state of managed services with
// their observed state by starting operations on the engine.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/dynsched/internal/engine"
	"github.com/rendis/dynsched/internal/logging"
	"github.com/rendis/dynsched/internal/operation"
	"github.com/rendis/dynsched/internal/services"
	"github.com/rendis/dynsched/internal/store"
	"github.com/rendis/dynsched/internal/streaming"
	"github.com/rendis/dynsched/pkg/schema"
)

const (
	DefaultReconcileEvery = 10 * time.Second
	// DefaultResourceLockWait is how long a pass waits for a busy resource
	// before skipping it.
	DefaultResourceLockWait = 100 * time.Millisecond
)

// Scheduler is the part of the engine the controller drives.
type Scheduler interface {
	StartWithID(ctx context.Context, id, operationName string, input operation.Context) (string, error)
	Status(ctx context.Context, id string) (*engine.ScheduleStatus, error)
	Forget(ctx context.Context, id string) error
}

// Action is what one reconciliation of a resource did.
type Action string

const (
	ActionNone      Action = "none"      // desired and current agree
	ActionBusy      Action = "busy"      // another pass holds the resource
	ActionPending   Action = "pending"   // a schedule is still pursuing the divergence
	ActionStarted   Action = "started"   // a new schedule was started
	ActionCompleted Action = "completed" // a schedule finished and its result was applied
	ActionFailed    Action = "failed"    // a schedule failed; a later pass retries
)

// Config holds controller settings. Zero values select the defaults.
type Config struct {
	ReconcileEvery time.Duration
	LockTTL        time.Duration
	LockWait       time.Duration
	Logger         *slog.Logger
	Hub            streaming.EventHub
}

// Controller keeps every tracked service moving towards its desired state.
type Controller struct {
	store     store.Store
	scheduler Scheduler
	cfg       Config
	logger    *slog.Logger
	hub       streaming.EventHub
	monitor   *StatusMonitor

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a Controller. Call Start to run it periodically.
func New(st store.Store, scheduler Scheduler, cfg Config) *Controller {
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = DefaultReconcileEvery
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = store.DefaultLockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultResourceLockWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:     st,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "controller")),
		hub:       cfg.Hub,
	}
}

// SetDesired records the state id should reach, with the data the matching
// operation is started with, and reconciles id right away.
func (c *Controller) SetDesired(ctx context.Context, id string, state schema.ServiceState, data map[string]any) (Action, error) {
	if id == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "service id is empty")
	}
	dataField := fieldDesiredStartData
	switch state {
	case schema.ServiceRunning:
	case schema.ServiceStopped:
		dataField = fieldDesiredStopData
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"desired state must be %s or %s, got %q", schema.ServiceRunning, schema.ServiceStopped, state)
	}

	rec := newServiceRecord(c.store, id)
	lock, err := rec.proxy.Lock(ctx, store.LockOptions{TTL: c.cfg.LockTTL, Wait: store.DefaultLockWait})
	if err != nil {
		return "", err
	}
	svc, err := rec.load(ctx, id)
	if err == nil {
		values := map[string]any{fieldDesiredState: state, dataField: data}
		if svc == nil {
			values[fieldCurrentState] = schema.ServiceUnknown
		}
		err = rec.save(ctx, values)
	}
	c.unlock(ctx, lock, id)
	if err != nil {
		return "", err
	}

	lctx := logging.WithResourceID(ctx, id)
	c.logger.InfoContext(lctx, "desired state set", slog.String("desired_state", string(state)))
	return c.ReconcileOne(ctx, id)
}

// Service returns the tracked state of id.
func (c *Controller) Service(ctx context.Context, id string) (*Service, error) {
	rec := newServiceRecord(c.store, id)
	svc, err := rec.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, notTracked(id)
	}
	return svc, nil
}

// Untrack stops managing id. A service with a schedule in flight cannot be
// untracked.
func (c *Controller) Untrack(ctx context.Context, id string) error {
	rec := newServiceRecord(c.store, id)
	lock, err := rec.proxy.Lock(ctx, store.LockOptions{TTL: c.cfg.LockTTL, Wait: store.DefaultLockWait})
	if err != nil {
		return err
	}
	defer c.unlock(ctx, lock, id)

	svc, err := rec.load(ctx, id)
	if err != nil {
		return err
	}
	if svc == nil {
		return nil
	}
	if svc.CurrentScheduleID != "" {
		st, err := c.scheduler.Status(ctx, svc.CurrentScheduleID)
		if err == nil && !st.Phase.Terminal() {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"service %q has schedule %s in phase %s", id, st.ID, st.Phase)
		}
	}
	return rec.proxy.Delete(ctx)
}

// Reconcile runs one pass over every tracked service.
func (c *Controller) Reconcile(ctx context.Context) error {
	ids, err := store.IDs(ctx, c.store, store.ServicePrefix)
	if err != nil {
		return err
	}
	var errs []error
	counts := make(map[Action]int)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		action, err := c.ReconcileOne(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", id, err))
			continue
		}
		counts[action]++
	}
	c.logger.DebugContext(ctx, "reconcile pass",
		slog.Int("services", len(ids)),
		slog.Int("started", counts[ActionStarted]),
		slog.Int("pending", counts[ActionPending]),
		slog.Int("busy", counts[ActionBusy]),
		slog.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// ReconcileOne compares desired and current state of id and starts the
// operation that closes the gap, unless a schedule is already on it.
func (c *Controller) ReconcileOne(ctx context.Context, id string) (Action, error) {
	ctx = logging.WithResourceID(ctx, id)
	rec := newServiceRecord(c.store, id)
	lock, err := rec.proxy.Lock(ctx, store.LockOptions{TTL: c.cfg.LockTTL, Wait: c.cfg.LockWait})
	if errors.Is(err, store.ErrLockTimeout) {
		return ActionBusy, nil
	}
	if err != nil {
		return "", err
	}
	defer c.unlock(ctx, lock, id)

	svc, err := rec.load(ctx, id)
	if err != nil {
		return "", err
	}
	if svc == nil {
		return "", notTracked(id)
	}

	freed := ActionNone
	if svc.CurrentScheduleID != "" {
		action, err := c.collect(ctx, rec, svc)
		if err != nil {
			return "", err
		}
		if action == ActionPending || action == ActionFailed {
			return action, nil
		}
		freed = action
	}
	// The desired state may have moved while the previous schedule ran.
	if svc.InSync() {
		return freed, nil
	}
	return c.startSchedule(ctx, rec, svc)
}

// collect looks at the schedule recorded for svc and, once it is finished,
// applies its result and frees the slot.
func (c *Controller) collect(ctx context.Context, rec serviceRecord, svc *Service) (Action, error) {
	scheduleID := svc.CurrentScheduleID
	st, err := c.scheduler.Status(ctx, scheduleID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.logger.WarnContext(ctx, "recorded schedule is gone", slog.String("schedule_id", scheduleID))
		svc.CurrentScheduleID, svc.CurrentOperation = "", ""
		return ActionNone, rec.save(ctx, map[string]any{fieldCurrentScheduleID: "", fieldCurrentOperation: ""})
	case err != nil:
		return "", err
	case !st.Phase.Terminal():
		return ActionPending, nil
	}

	values := map[string]any{fieldCurrentScheduleID: "", fieldCurrentOperation: ""}
	action := ActionCompleted
	if st.Phase == schema.PhaseDone {
		target, dataField := outcome(svc.CurrentOperation)
		data, _ := st.Context[services.KeyData].(map[string]any)
		values[fieldCurrentState] = target
		values[fieldLastObservedStatus] = target
		values[dataField] = data
		values[fieldLastError] = nil
		svc.CurrentState = target
		svc.LastObservedStatus = target
		svc.LastError = nil
		c.logger.InfoContext(ctx, "schedule applied",
			slog.String("schedule_id", scheduleID), slog.String("current_state", string(target)))
	} else {
		action = ActionFailed
		values[fieldLastError] = st.LastError
		svc.LastError = st.LastError
		c.logger.WarnContext(ctx, "schedule failed",
			slog.String("schedule_id", scheduleID), slog.Any("last_error", st.LastError))
	}
	svc.CurrentScheduleID, svc.CurrentOperation = "", ""
	if err := rec.save(ctx, values); err != nil {
		return "", err
	}
	c.emit(ctx, svc.ID, scheduleID, schema.EventServiceScheduled, string(st.Phase))

	if err := c.scheduler.Forget(ctx, scheduleID); err != nil {
		c.logger.WarnContext(ctx, "forget schedule", slog.String("schedule_id", scheduleID), slog.Any("error", err))
	}
	return action, nil
}

func (c *Controller) startSchedule(ctx context.Context, rec serviceRecord, svc *Service) (Action, error) {
	opName, data := services.OperationStart, svc.DesiredStartData
	if svc.DesiredState == schema.ServiceStopped {
		opName, data = services.OperationStop, svc.DesiredStopData
	}
	scheduleID := uuid.NewString()

	// Record the id before starting. A crash in between leaves an id with no
	// schedule behind it, which collect clears.
	err := rec.save(ctx, map[string]any{fieldCurrentScheduleID: scheduleID, fieldCurrentOperation: opName})
	if err != nil {
		return "", err
	}
	if _, err := c.scheduler.StartWithID(ctx, scheduleID, opName, services.Input(svc.ID, data)); err != nil {
		c.logger.ErrorContext(ctx, "start schedule", slog.String("operation", opName), slog.Any("error", err))
		saveErr := rec.save(ctx, map[string]any{
			fieldCurrentScheduleID: "",
			fieldCurrentOperation:  "",
			fieldLastError:         engineErrorInfo(err),
		})
		return "", errors.Join(err, saveErr)
	}

	svc.CurrentScheduleID, svc.CurrentOperation = scheduleID, opName
	c.logger.InfoContext(ctx, "schedule started",
		slog.String("schedule_id", scheduleID),
		slog.String("operation", opName),
		slog.String("desired_state", string(svc.DesiredState)),
		slog.String("current_state", string(svc.CurrentState)))
	c.emit(ctx, svc.ID, scheduleID, schema.EventServiceScheduled, opName)
	return ActionStarted, nil
}

// Observe records a status reported by the runtime. It returns false when
// the status equals the last one observed, in which case nothing is written.
func (c *Controller) Observe(ctx context.Context, id string, status schema.ServiceState) (bool, error) {
	ctx = logging.WithResourceID(ctx, id)
	rec := newServiceRecord(c.store, id)
	lock, err := rec.proxy.Lock(ctx, store.LockOptions{TTL: c.cfg.LockTTL, Wait: store.DefaultLockWait})
	if err != nil {
		return false, err
	}
	defer c.unlock(ctx, lock, id)

	svc, err := rec.load(ctx, id)
	if err != nil {
		return false, err
	}
	if svc == nil {
		return false, notTracked(id)
	}
	if svc.LastObservedStatus == status {
		return false, nil
	}

	err = rec.save(ctx, map[string]any{fieldLastObservedStatus: status, fieldCurrentState: status})
	if err != nil {
		return false, err
	}
	c.logger.InfoContext(ctx, "service status changed",
		slog.String("from", string(svc.LastObservedStatus)), slog.String("to", string(status)))
	c.emit(ctx, id, "", schema.EventServiceStatusChanged, string(status))
	return true, nil
}

// Start runs Reconcile, and the status monitor's Poll when one is attached,
// on their cron cadence until Stop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return fmt.Errorf("controller already started")
	}

	clog := cronLogger{c.logger}
	cr := cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	_, err := cr.AddFunc(every(c.cfg.ReconcileEvery), func() {
		if err := c.Reconcile(ctx); err != nil {
			c.logger.ErrorContext(ctx, "reconcile", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	if m := c.monitor; m != nil {
		if _, err := cr.AddFunc(every(m.cfg.PollEvery), func() { m.Poll(ctx) }); err != nil {
			return fmt.Errorf("schedule status poll: %w", err)
		}
	}
	cr.Start()
	c.cron = cr
	c.logger.InfoContext(ctx, "controller started", slog.Duration("reconcile_every", c.cfg.ReconcileEvery))
	return nil
}

// Stop halts the cadence and waits for a running pass to end.
func (c *Controller) Stop() {
	c.mu.Lock()
	cr, m := c.cron, c.monitor
	c.cron = nil
	c.mu.Unlock()
	if cr == nil {
		return
	}
	<-cr.Stop().Done()
	if m != nil {
		m.Wait()
	}
	c.logger.Info("controller stopped")
}

func (c *Controller) emit(ctx context.Context, resourceID, scheduleID, eventType, outcome string) {
	if c.hub == nil {
		return
	}
	err := c.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		ScheduleID: scheduleID,
		ResourceID: resourceID,
		EventType:  eventType,
		Outcome:    outcome,
	})
	if err != nil {
		c.logger.DebugContext(ctx, "publish event", slog.String("event", eventType), slog.Any("error", err))
	}
}

func (c *Controller) unlock(ctx context.Context, lock store.Lock, id string) {
	if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
		c.logger.WarnContext(ctx, "release service lock", slog.String("service_id", id), slog.Any("error", err))
	}
}

// outcome maps a finished operation to the state it establishes and the
// current_* field its data is copied to.
func outcome(operationName string) (schema.ServiceState, string) {
	if operationName == services.OperationStop {
		return schema.ServiceStopped, fieldCurrentStopData
	}
	return schema.ServiceRunning, fieldCurrentStartData
}

func engineErrorInfo(err error) *engine.ErrorInfo {
	code := schema.CodeOf(err)
	if code == "" {
		code = schema.ErrCodeStepFailed
	}
	return &engine.ErrorInfo{Code: code, Message: err.Error()}
}

func notTracked(id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "service %q is not tracked", id).WithCause(store.ErrNotFound)
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
