package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dynsched/internal/driver"
	"github.com/rendis/dynsched/internal/store"
	"github.com/rendis/dynsched/internal/streaming"
	"github.com/rendis/dynsched/pkg/schema"
)

// gatedCheck blocks in Run until released and records what it was told.
type gatedCheck struct {
	release chan struct{}
	started chan struct{}

	mu     sync.Mutex
	result schema.ServiceState
	err    error
}

func newGatedCheck() *gatedCheck {
	return &gatedCheck{release: make(chan struct{}), started: make(chan struct{}, 1)}
}

func (g *gatedCheck) Run(ctx context.Context) (schema.ServiceState, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return schema.ServiceRunning, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *gatedCheck) OnResult(_ context.Context, status schema.ServiceState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.result = status
	return nil
}

func (g *gatedCheck) OnFinishedWithError(_ context.Context, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *gatedCheck) outcome() (schema.ServiceState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.result, g.err
}

func newTestMonitor(t *testing.T, cfg MonitorConfig) (*StatusMonitor, *Controller, *fakeScheduler, *driver.MemoryRuntime, *streaming.MemoryHub) {
	t.Helper()
	hub := streaming.NewMemoryHub()
	ccfg := testConfig()
	ccfg.Hub = hub
	fs := newFakeScheduler()
	c := New(store.NewMemoryStore(), fs, ccfg)
	rt := driver.NewMemoryRuntime()
	return NewStatusMonitor(c, rt, cfg), c, fs, rt, hub
}

func TestStatusMonitor_AppliesIdenticalStatusOnce(t *testing.T) {
	m, c, fs, rt, hub := newTestMonitor(t, MonitorConfig{})
	ctx := context.Background()

	_, err := c.SetDesired(ctx, "node-1", schema.ServiceRunning, nil)
	require.NoError(t, err)
	fs.finish(fs.startCalls()[0].id, schema.PhaseDone, nil)
	_, err = c.ReconcileOne(ctx, "node-1")
	require.NoError(t, err)
	_, err = rt.CreateService(ctx, "node-1", nil)
	require.NoError(t, err)

	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{schema.EventServiceStatusChanged}})
	require.NoError(t, err)
	defer cancel()

	m.Check(ctx, "node-1")
	m.Check(ctx, "node-1")
	assert.Empty(t, drainEvents(events), "RUNNING was already known after the start schedule")
	assert.Len(t, fs.startCalls(), 1)

	rt.SetState("node-1", schema.ServiceStopped)
	m.Check(ctx, "node-1")
	m.Check(ctx, "node-1")
	assert.Len(t, drainEvents(events), 1)

	starts := fs.startCalls()
	require.Len(t, starts, 2, "observed divergence triggers exactly one new start")

	svc, err := c.Service(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ServiceStopped, svc.CurrentState)
	assert.Equal(t, starts[1].id, svc.CurrentScheduleID)
}

func TestStatusMonitor_MissingServiceIsStopped(t *testing.T) {
	m, c, fs, _, _ := newTestMonitor(t, MonitorConfig{})
	ctx := context.Background()

	fs.setStartErr(errors.New("later"))
	_, _ = c.SetDesired(ctx, "node-1", schema.ServiceStopped, nil)

	m.Check(ctx, "node-1")

	svc, err := c.Service(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ServiceStopped, svc.CurrentState)
	assert.True(t, svc.InSync())
}

func TestStatusMonitor_ErrorLeavesStateUnchanged(t *testing.T) {
	m, c, fs, rt, _ := newTestMonitor(t, MonitorConfig{})
	ctx := context.Background()

	fs.setStartErr(errors.New("later"))
	_, _ = c.SetDesired(ctx, "node-1", schema.ServiceRunning, nil)
	rt.Fail(driver.MethodStatus, errors.New("runtime down"))

	m.Check(ctx, "node-1")

	svc, err := c.Service(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ServiceUnknown, svc.CurrentState)
	assert.Empty(t, svc.LastObservedStatus)

	rt.Fail(driver.MethodStatus, nil)
	m.Check(ctx, "node-1")
	svc, err = c.Service(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ServiceStopped, svc.CurrentState, "a later poll recovers")
}

func TestStatusMonitor_OneCheckInFlightPerResource(t *testing.T) {
	m, _, _, _, _ := newTestMonitor(t, MonitorConfig{Workers: 4, PollTimeout: 5 * time.Second})
	ctx := context.Background()

	first := newGatedCheck()
	require.True(t, m.Submit(ctx, first, "node-1"))
	<-first.started
	assert.True(t, m.InFlight("node-1"))

	assert.False(t, m.Submit(ctx, newGatedCheck(), "node-1"))

	other := newGatedCheck()
	require.True(t, m.Submit(ctx, other, "node-2"), "a slow resource does not block others")
	<-other.started
	close(other.release)

	close(first.release)
	m.Wait()

	assert.False(t, m.InFlight("node-1"))
	status, err := first.outcome()
	require.NoError(t, err)
	assert.Equal(t, schema.ServiceRunning, status)
}

func TestStatusMonitor_BoundedWorkers(t *testing.T) {
	m, _, _, _, _ := newTestMonitor(t, MonitorConfig{Workers: 1, PollTimeout: 5 * time.Second})
	ctx := context.Background()

	busy := newGatedCheck()
	require.True(t, m.Submit(ctx, busy, "node-1"))
	<-busy.started

	assert.False(t, m.Submit(ctx, newGatedCheck(), "node-2"))
	assert.False(t, m.InFlight("node-2"), "a rejected check does not stay in flight")
	assert.Equal(t, int64(1), m.Metrics().Rejected)

	close(busy.release)
	m.Wait()
}

func TestStatusMonitor_Timeout(t *testing.T) {
	m, _, _, _, _ := newTestMonitor(t, MonitorConfig{PollTimeout: 20 * time.Millisecond})

	check := newGatedCheck()
	m.Execute(context.Background(), check, "node-1")

	_, err := check.outcome()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatusMonitor_Poll(t *testing.T) {
	m, c, fs, rt, _ := newTestMonitor(t, MonitorConfig{})
	ctx := context.Background()

	fs.setStartErr(errors.New("later"))
	for _, id := range []string{"a", "b"} {
		_, _ = c.SetDesired(ctx, id, schema.ServiceStopped, nil)
	}
	fs.setStartErr(nil)

	assert.Equal(t, 2, m.Poll(ctx))
	m.Wait()
	assert.Equal(t, 2, rt.Calls(driver.MethodStatus))

	for _, id := range []string{"a", "b"} {
		svc, err := c.Service(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.ServiceStopped, svc.CurrentState)
	}
	assert.Empty(t, fs.startCalls())
}
