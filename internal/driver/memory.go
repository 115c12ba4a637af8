package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/rendis/dynsched/pkg/schema"
)

// Method names accepted by MemoryRuntime.Fail and MemoryRuntime.Calls.
const (
	MethodCreate = "create"
	MethodRemove = "remove"
	MethodStatus = "status"
)

// MemoryRuntime is an in-process Runtime for development runs and tests.
// Created services report StartState, RUNNING unless set otherwise.
type MemoryRuntime struct {
	StartState schema.ServiceState

	mu       sync.Mutex
	services map[string]*Service
	failures map[string]error
	calls    map[string]int
}

func NewMemoryRuntime() *MemoryRuntime {
	return &MemoryRuntime{
		StartState: schema.ServiceRunning,
		services:   make(map[string]*Service),
		failures:   make(map[string]error),
		calls:      make(map[string]int),
	}
}

func (m *MemoryRuntime) CreateService(ctx context.Context, id string, data map[string]any) (*Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MethodCreate); err != nil {
		return nil, err
	}
	svc, ok := m.services[id]
	if !ok {
		svc = &Service{ID: id, State: m.StartState, Endpoint: fmt.Sprintf("mem://%s", id)}
		m.services[id] = svc
	}
	out := *svc
	return &out, nil
}

func (m *MemoryRuntime) RemoveService(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MethodRemove); err != nil {
		return err
	}
	if _, ok := m.services[id]; !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	delete(m.services, id)
	return nil
}

func (m *MemoryRuntime) ServiceStatus(ctx context.Context, id string) (schema.ServiceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MethodStatus); err != nil {
		return "", err
	}
	svc, ok := m.services[id]
	if !ok {
		return "", fmt.Errorf("status %s: %w", id, ErrNotFound)
	}
	return svc.State, nil
}

// SetState changes the reported state of an existing service.
func (m *MemoryRuntime) SetState(id string, state schema.ServiceState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc, ok := m.services[id]; ok {
		svc.State = state
	}
}

// Exists reports whether id is currently known.
func (m *MemoryRuntime) Exists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.services[id]
	return ok
}

// Fail makes every call to method return err until cleared with a nil err.
func (m *MemoryRuntime) Fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// Calls reports how often method was invoked.
func (m *MemoryRuntime) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// enter requires m.mu.
func (m *MemoryRuntime) enter(ctx context.Context, method string) error {
	m.calls[method]++
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.failures[method]
}
