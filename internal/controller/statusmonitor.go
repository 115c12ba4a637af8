package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/dynsched/internal/driver"
	"github.com/rendis/dynsched/internal/engine"
	"github.com/rendis/dynsched/internal/logging"
	"github.com/rendis/dynsched/internal/services"
	"github.com/rendis/dynsched/internal/store"
	"github.com/rendis/dynsched/pkg/schema"
)

const (
	DefaultPollEvery   = 5 * time.Second
	DefaultPollTimeout = 5 * time.Second
	DefaultPollWorkers = 8
)

// StatusCheck is one deferred poll of the outside world.
type StatusCheck interface {
	Run(ctx context.Context) (schema.ServiceState, error)
	OnResult(ctx context.Context, status schema.ServiceState) error
	OnFinishedWithError(ctx context.Context, err error)
}

// DeferredStatusCheck asks the runtime for the live status of one service
// and feeds the answer to the controller.
type DeferredStatusCheck struct {
	ServiceID string
	monitor   *StatusMonitor
}

func (d *DeferredStatusCheck) Run(ctx context.Context) (schema.ServiceState, error) {
	return services.ObserveStatus(ctx, d.monitor.runtime, d.ServiceID)
}

// OnResult records status once per distinct value and reconciles the
// service when it changed.
func (d *DeferredStatusCheck) OnResult(ctx context.Context, status schema.ServiceState) error {
	c := d.monitor.controller
	changed, err := c.Observe(ctx, d.ServiceID, status)
	if err != nil || !changed {
		return err
	}
	_, err = c.ReconcileOne(ctx, d.ServiceID)
	return err
}

func (d *DeferredStatusCheck) OnFinishedWithError(ctx context.Context, err error) {
	level := slog.LevelWarn
	if errors.Is(err, context.DeadlineExceeded) {
		level = slog.LevelInfo
	}
	d.monitor.logger.Log(ctx, level, "status check failed", slog.Any("error", err))
}

// MonitorConfig holds status monitor settings. Zero values select the defaults.
type MonitorConfig struct {
	PollEvery   time.Duration
	PollTimeout time.Duration
	Workers     int
}

// StatusMonitor polls the runtime for every tracked service with bounded
// concurrency. A service never has more than one check in flight, and a
// slow check only occupies its own worker.
type StatusMonitor struct {
	controller *Controller
	runtime    driver.Runtime
	pool       *engine.WorkerPool
	cfg        MonitorConfig
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewStatusMonitor creates a monitor feeding c and attaches it, so that
// c.Start also runs Poll on its cadence.
func NewStatusMonitor(c *Controller, rt driver.Runtime, cfg MonitorConfig) *StatusMonitor {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = DefaultPollEvery
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultPollWorkers
	}
	logger := c.logger.With(slog.String("component", "status_monitor"))
	m := &StatusMonitor{
		controller: c,
		runtime:    rt,
		pool:       engine.NewWorkerPool(cfg.Workers, logger),
		cfg:        cfg,
		logger:     logger,
		inflight:   make(map[string]struct{}),
	}
	c.mu.Lock()
	c.monitor = m
	c.mu.Unlock()
	return m
}

// Poll schedules a check for every tracked service that has none running
// and a free worker. It returns how many checks were submitted.
func (m *StatusMonitor) Poll(ctx context.Context) int {
	ids, err := store.IDs(ctx, m.controller.store, store.ServicePrefix)
	if err != nil {
		m.logger.ErrorContext(ctx, "list services", slog.Any("error", err))
		return 0
	}
	submitted := 0
	for _, id := range ids {
		if m.Submit(ctx, &DeferredStatusCheck{ServiceID: id, monitor: m}, id) {
			submitted++
		}
	}
	return submitted
}

// Submit runs check for resource id in the background unless a check for
// id is already in flight or every worker is busy.
func (m *StatusMonitor) Submit(ctx context.Context, check StatusCheck, id string) bool {
	if !m.acquire(id) {
		return false
	}
	ok := m.pool.TrySubmit(ctx, func(ctx context.Context) error {
		defer m.release(id)
		m.Execute(ctx, check, id)
		return nil
	})
	if !ok {
		m.release(id)
	}
	return ok
}

// Execute runs check synchronously with the per-check timeout.
func (m *StatusMonitor) Execute(ctx context.Context, check StatusCheck, id string) {
	ctx = logging.WithResourceID(ctx, id)
	rctx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
	defer cancel()

	status, err := check.Run(rctx)
	if err == nil {
		err = check.OnResult(rctx, status)
	}
	if err != nil {
		check.OnFinishedWithError(ctx, err)
	}
}

// Check polls one service synchronously.
func (m *StatusMonitor) Check(ctx context.Context, id string) {
	m.Execute(ctx, &DeferredStatusCheck{ServiceID: id, monitor: m}, id)
}

// InFlight reports whether a check for id is running.
func (m *StatusMonitor) InFlight(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[id]
	return ok
}

// Wait blocks until submitted checks finish.
func (m *StatusMonitor) Wait() {
	m.pool.Wait()
}

// Metrics reports the monitor's worker pool counters.
func (m *StatusMonitor) Metrics() engine.PoolMetrics {
	return m.pool.Metrics()
}

func (m *StatusMonitor) acquire(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[id]; ok {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *StatusMonitor) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, id)
}
