package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rendis/dynsched/internal/operation"
	"github.com/rendis/dynsched/internal/store"
	"github.com/rendis/dynsched/pkg/schema"
)

// Persisted schedule fields.
const (
	fieldOperation       = "operation_name"
	fieldPhase           = "phase"
	fieldGroupIndex      = "group_index"
	fieldIteration       = "iteration"
	fieldContext         = "context"
	fieldCompleted       = "completed"
	fieldGroupDone       = "group_done"
	fieldUndoScope       = "undo_scope"
	fieldLastError       = "last_error"
	fieldUndoError       = "undo_error"
	fieldCancelRequested = "cancel_requested"
	fieldCreatedAt       = "created_at"
	fieldUpdatedAt       = "updated_at"
)

// undoScope tells a recovering engine which completions an UNDOING schedule
// is compensating.
type undoScope string

const (
	undoAll   undoScope = "all"
	undoGroup undoScope = "group"
)

// ErrorInfo is the persisted form of a step or undo failure.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Code: schema.CodeOf(err), Message: err.Error()}
	if info.Code == "" {
		info.Code = schema.ErrCodeStepFailed
	}
	var se *schema.Error
	if errors.As(err, &se) {
		info.Step = se.Step
	}
	return info
}

// ScheduleStatus is the caller-facing snapshot of a schedule.
type ScheduleStatus struct {
	ID         string            `json:"schedule_id"`
	Operation  string            `json:"operation"`
	Phase      schema.Phase      `json:"phase"`
	GroupIndex int               `json:"group_index"`
	Group      string            `json:"group,omitempty"`
	Iteration  int               `json:"iteration"`
	Context    operation.Context `json:"context"`
	Completed  []string          `json:"completed"`
	LastError  *ErrorInfo        `json:"last_error,omitempty"`
	UndoError  *ErrorInfo        `json:"undo_error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// schedule is the in-memory copy of a persisted schedule record.
type schedule struct {
	id              string
	operation       string
	phase           schema.Phase
	groupIndex      int
	iteration       int
	context         operation.Context
	completed       []string
	groupDone       []string
	undoScope       undoScope
	lastError       *ErrorInfo
	undoError       *ErrorInfo
	cancelRequested bool
	createdAt       time.Time
	updatedAt       time.Time
}

func (s *schedule) status(op *operation.Operation) *ScheduleStatus {
	st := &ScheduleStatus{
		ID:         s.id,
		Operation:  s.operation,
		Phase:      s.phase,
		GroupIndex: s.groupIndex,
		Iteration:  s.iteration,
		Context:    s.context.Clone(),
		Completed:  slices.Clone(s.completed),
		LastError:  s.lastError,
		UndoError:  s.undoError,
		CreatedAt:  s.createdAt,
		UpdatedAt:  s.updatedAt,
	}
	if op != nil && s.groupIndex < len(op.Groups) {
		st.Group = operation.GroupName(op.Groups[s.groupIndex], s.groupIndex)
	}
	return st
}

// scheduleRecord reads and writes schedules through a store.Proxy.
type scheduleRecord struct {
	proxy *store.Proxy
}

func newScheduleRecord(s store.Store, id string) scheduleRecord {
	return scheduleRecord{proxy: store.NewProxy(s, "schedule", store.ScheduleKey(id))}
}

func (r scheduleRecord) load(ctx context.Context, id string) (*schedule, error) {
	raw, err := r.proxy.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id).
			WithCause(store.ErrNotFound)
	}

	s := &schedule{id: id, context: operation.Context{}}
	targets := map[string]any{
		fieldOperation:       &s.operation,
		fieldPhase:           &s.phase,
		fieldGroupIndex:      &s.groupIndex,
		fieldIteration:       &s.iteration,
		fieldContext:         &s.context,
		fieldCompleted:       &s.completed,
		fieldGroupDone:       &s.groupDone,
		fieldUndoScope:       &s.undoScope,
		fieldLastError:       &s.lastError,
		fieldUndoError:       &s.undoError,
		fieldCancelRequested: &s.cancelRequested,
		fieldCreatedAt:       &s.createdAt,
		fieldUpdatedAt:       &s.updatedAt,
	}
	for field, dst := range targets {
		v, ok := raw[field]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return nil, fmt.Errorf("decode schedule %s.%s: %w", id, field, err)
		}
	}
	switch {
	case s.operation == "" && s.phase == "":
		// Only stray flags from a write that raced Forget.
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id).
			WithCause(store.ErrNotFound)
	case s.operation == "" || s.phase == "":
		return nil, schema.NewErrorf(schema.ErrCodeStore, "schedule %q is incomplete", id)
	}
	if s.context == nil {
		s.context = operation.Context{}
	}
	return s, nil
}

// save writes the given fields of s plus updated_at in one atomic call.
func (r scheduleRecord) save(ctx context.Context, s *schedule, fields ...string) error {
	s.updatedAt = time.Now().UTC()
	values := map[string]any{fieldUpdatedAt: s.updatedAt}
	for _, f := range fields {
		switch f {
		case fieldOperation:
			values[f] = s.operation
		case fieldPhase:
			values[f] = s.phase
		case fieldGroupIndex:
			values[f] = s.groupIndex
		case fieldIteration:
			values[f] = s.iteration
		case fieldContext:
			values[f] = s.context
		case fieldCompleted:
			values[f] = nonNil(s.completed)
		case fieldGroupDone:
			values[f] = nonNil(s.groupDone)
		case fieldUndoScope:
			values[f] = s.undoScope
		case fieldLastError:
			values[f] = s.lastError
		case fieldUndoError:
			values[f] = s.undoError
		case fieldCancelRequested:
			values[f] = s.cancelRequested
		case fieldCreatedAt:
			values[f] = s.createdAt
		default:
			return fmt.Errorf("unknown schedule field %q", f)
		}
	}
	// Progress is recorded even when the run context is already cancelled.
	return r.proxy.CreateOrUpdateMultiple(context.WithoutCancel(ctx), values)
}

func (r scheduleRecord) saveAll(ctx context.Context, s *schedule) error {
	return r.save(ctx, s,
		fieldOperation, fieldPhase, fieldGroupIndex, fieldIteration, fieldContext,
		fieldCompleted, fieldGroupDone, fieldUndoScope, fieldLastError, fieldUndoError,
		fieldCancelRequested, fieldCreatedAt)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
