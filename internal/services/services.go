// Package services defines the operations the reconciliation controller
// schedules to bring a managed service to its desired state.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/dynsched/internal/driver"
	"github.com/rendis/dynsched/internal/operation"
	"github.com/rendis/dynsched/pkg/schema"
)

// Registered operation names.
const (
	OperationStart = "start_service"
	OperationStop  = "stop_service"
)

// Context keys shared by the service operations.
const (
	KeyServiceID = "service_id"
	KeyData      = "data"
	KeyEndpoint  = "endpoint"
	KeyReadyAt   = "ready_at"
	KeyRemoved   = "removed"
)

const (
	DefaultReadyAttempts = 30
	DefaultReadyWait     = 2 * time.Second
)

var inputSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "service_id": {"type": "string", "minLength": 1},
    "data": {"type": "object"}
  },
  "required": ["service_id"]
}`)

var errNotReady = errors.New("service not ready")

// Config tunes the readiness wait of start_service.
type Config struct {
	ReadyAttempts int
	ReadyWait     time.Duration
	StepTimeout   time.Duration
}

// StartOperation creates the service, then waits until the runtime reports
// it RUNNING. A failed wait removes the service again.
func StartOperation(rt driver.Runtime, cfg Config) *operation.Operation {
	if cfg.ReadyAttempts <= 0 {
		cfg.ReadyAttempts = DefaultReadyAttempts
	}
	if cfg.ReadyWait <= 0 {
		cfg.ReadyWait = DefaultReadyWait
	}

	create := operation.NewStep(operation.StepInfo{
		Name:         "create_service",
		CreatesKeys:  []string{KeyEndpoint},
		RequiresKeys: []string{KeyServiceID},
		Timeout:      cfg.StepTimeout,
	}, func(ctx context.Context, in operation.Context) (operation.Context, error) {
		id, data, err := serviceInput(in)
		if err != nil {
			return nil, err
		}
		svc, err := rt.CreateService(ctx, id, data)
		if err != nil {
			return nil, fmt.Errorf("create service %s: %w", id, err)
		}
		return operation.Context{KeyEndpoint: svc.Endpoint}, nil
	}, func(ctx context.Context, in operation.Context) (operation.Context, error) {
		id, _, err := serviceInput(in)
		if err != nil {
			return nil, err
		}
		return nil, remove(ctx, rt, id)
	})

	ready := operation.NewStep(operation.StepInfo{
		Name:         "wait_service_ready",
		CreatesKeys:  []string{KeyReadyAt},
		RequiresKeys: []string{KeyServiceID},
		Timeout:      cfg.StepTimeout,
		Retries:      cfg.ReadyAttempts - 1,
		RetryWait:    cfg.ReadyWait,
	}, func(ctx context.Context, in operation.Context) (operation.Context, error) {
		id, _, err := serviceInput(in)
		if err != nil {
			return nil, err
		}
		state, err := rt.ServiceStatus(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("status of %s: %w", id, err)
		}
		if state != schema.ServiceRunning {
			return nil, fmt.Errorf("%s is %s: %w", id, state, errNotReady)
		}
		return operation.Context{KeyReadyAt: time.Now().UTC().Format(time.RFC3339Nano)}, nil
	}, nil)

	return operation.New(
		operation.Single{Step: create},
		operation.Single{Step: ready},
	).WithRequiredKeys(KeyServiceID).WithContextSchema(inputSchema)
}

// StopOperation removes the service. Removing a service the runtime no
// longer knows succeeds.
func StopOperation(rt driver.Runtime, cfg Config) *operation.Operation {
	removeStep := operation.NewStep(operation.StepInfo{
		Name:         "remove_service",
		CreatesKeys:  []string{KeyRemoved},
		RequiresKeys: []string{KeyServiceID},
		Timeout:      cfg.StepTimeout,
		Retries:      2,
		RetryWait:    time.Second,
	}, func(ctx context.Context, in operation.Context) (operation.Context, error) {
		id, _, err := serviceInput(in)
		if err != nil {
			return nil, err
		}
		if err := remove(ctx, rt, id); err != nil {
			return nil, err
		}
		return operation.Context{KeyRemoved: true}, nil
	}, nil)

	op := operation.New(operation.Single{Step: removeStep}).
		WithRequiredKeys(KeyServiceID).
		WithContextSchema(inputSchema)
	op.Uncancellable = true
	return op
}

// Register adds start_service and stop_service to reg.
func Register(reg *operation.Registry, rt driver.Runtime, cfg Config) error {
	if err := reg.Register(OperationStart, StartOperation(rt, cfg)); err != nil {
		return err
	}
	return reg.Register(OperationStop, StopOperation(rt, cfg))
}

// Input builds the initial context the controller starts an operation with.
func Input(serviceID string, data map[string]any) operation.Context {
	in := operation.Context{KeyServiceID: serviceID}
	if data != nil {
		in[KeyData] = data
	}
	return in
}

// ObserveStatus asks the runtime for the state of id. A service the runtime
// does not know is STOPPED.
func ObserveStatus(ctx context.Context, rt driver.Runtime, id string) (schema.ServiceState, error) {
	state, err := rt.ServiceStatus(ctx, id)
	if errors.Is(err, driver.ErrNotFound) {
		return schema.ServiceStopped, nil
	}
	return state, err
}

func remove(ctx context.Context, rt driver.Runtime, id string) error {
	err := rt.RemoveService(ctx, id)
	if err == nil || errors.Is(err, driver.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("remove service %s: %w", id, err)
}

func serviceInput(in operation.Context) (string, map[string]any, error) {
	id, _ := in[KeyServiceID].(string)
	if id == "" {
		return "", nil, schema.NewErrorf(schema.ErrCodeMissingContextKey, "context has no %s", KeyServiceID)
	}
	data, _ := in[KeyData].(map[string]any)
	return id, data, nil
}
