package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/dynsched/internal/engine"
	"github.com/rendis/dynsched/internal/store"
	"github.com/rendis/dynsched/pkg/schema"
)

// Persisted service fields.
const (
	fieldDesiredState       = "desired_state"
	fieldDesiredStartData   = "desired_start_data"
	fieldDesiredStopData    = "desired_stop_data"
	fieldCurrentState       = "current_state"
	fieldCurrentStartData   = "current_start_data"
	fieldCurrentStopData    = "current_stop_data"
	fieldCurrentScheduleID  = "current_schedule_id"
	fieldCurrentOperation   = "current_operation"
	fieldLastObservedStatus = "last_observed_status"
	fieldLastError          = "last_error"
	fieldUpdatedAt          = "updated_at"
)

// Service is the controller's view of one managed resource: what should be
// running against what the last schedule or status check established.
type Service struct {
	ID                 string              `json:"service_id"`
	DesiredState       schema.ServiceState `json:"desired_state"`
	DesiredStartData   map[string]any      `json:"desired_start_data,omitempty"`
	DesiredStopData    map[string]any      `json:"desired_stop_data,omitempty"`
	CurrentState       schema.ServiceState `json:"current_state"`
	CurrentStartData   map[string]any      `json:"current_start_data,omitempty"`
	CurrentStopData    map[string]any      `json:"current_stop_data,omitempty"`
	CurrentScheduleID  string              `json:"current_schedule_id,omitempty"`
	CurrentOperation   string              `json:"current_operation,omitempty"`
	LastObservedStatus schema.ServiceState `json:"last_observed_status,omitempty"`
	LastError          *engine.ErrorInfo   `json:"last_error,omitempty"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// InSync reports whether nothing has to be scheduled for s.
func (s *Service) InSync() bool {
	switch s.DesiredState {
	case schema.ServiceRunning, schema.ServiceStopped:
		return s.DesiredState == s.CurrentState
	default:
		return true
	}
}

type serviceRecord struct {
	proxy *store.Proxy
}

func newServiceRecord(st store.Store, id string) serviceRecord {
	return serviceRecord{proxy: store.NewProxy(st, "service", store.ServiceKey(id))}
}

// load returns nil without error when the service is not tracked.
func (r serviceRecord) load(ctx context.Context, id string) (*Service, error) {
	raw, err := r.proxy.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	svc := &Service{ID: id, DesiredState: schema.ServiceUnknown, CurrentState: schema.ServiceUnknown}
	targets := map[string]any{
		fieldDesiredState:       &svc.DesiredState,
		fieldDesiredStartData:   &svc.DesiredStartData,
		fieldDesiredStopData:    &svc.DesiredStopData,
		fieldCurrentState:       &svc.CurrentState,
		fieldCurrentStartData:   &svc.CurrentStartData,
		fieldCurrentStopData:    &svc.CurrentStopData,
		fieldCurrentScheduleID:  &svc.CurrentScheduleID,
		fieldCurrentOperation:   &svc.CurrentOperation,
		fieldLastObservedStatus: &svc.LastObservedStatus,
		fieldLastError:          &svc.LastError,
		fieldUpdatedAt:          &svc.UpdatedAt,
	}
	for field, dst := range targets {
		v, ok := raw[field]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", r.proxy.Key(), field, err)
		}
	}
	return svc, nil
}

// save writes values plus updated_at in one store call.
func (r serviceRecord) save(ctx context.Context, values map[string]any) error {
	values[fieldUpdatedAt] = time.Now().UTC()
	return r.proxy.CreateOrUpdateMultiple(context.WithoutCancel(ctx), values)
}
