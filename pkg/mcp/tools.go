package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/dynsched/internal/operation"
	"github.com/rendis/dynsched/pkg/schema"
)

// OperationInfo describes a registered operation.
type OperationInfo struct {
	Name          string   `json:"name"`
	Shape         string   `json:"shape"`
	RequiredKeys  []string `json:"required_keys,omitempty"`
	Cancellable   bool     `json:"cancellable"`
	ContextSchema any      `json:"context_schema,omitempty"`
}

// handleStart creates a schedule and runs it in the background.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opName, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation is required"), nil
	}
	input := operation.Context(mcp.ParseStringMap(req, "context", nil))
	id := req.GetString("schedule_id", "")
	if id == "" {
		id = uuid.NewString()
	}

	s.captureSession(ctx, id)
	if _, err := s.scheduler.StartWithID(ctx, id, opName, input); err != nil {
		s.sessions.Forget(id)
		return toolError("start failed", err), nil
	}

	return marshalResult(map[string]any{
		"schedule_id": id,
		"operation":   opName,
	})
}

// handleStatus returns the persisted state of a schedule.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("schedule_id")
	if err != nil {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}
	st, err := s.scheduler.Status(ctx, id)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(st)
}

func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("schedule_id")
	if err != nil {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}
	if err := s.scheduler.Resume(ctx, id); err != nil {
		return toolError("resume failed", err), nil
	}
	s.captureSession(ctx, id)
	return marshalResult(map[string]any{"ok": true, "schedule_id": id})
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("schedule_id")
	if err != nil {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}
	if err := s.scheduler.Cancel(ctx, id); err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "schedule_id": id})
}

// handleDesire records the desired state of a service and reconciles it.
func (s *Server) handleDesire(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("service_id")
	if err != nil {
		return mcp.NewToolResultError("service_id is required"), nil
	}
	state, err := req.RequireString("state")
	if err != nil {
		return mcp.NewToolResultError("state is required"), nil
	}
	data := mcp.ParseStringMap(req, "data", nil)

	action, err := s.reconciler.SetDesired(ctx, id, schema.ServiceState(state), data)
	if err != nil {
		return toolError("desire failed", err), nil
	}
	svc, err := s.reconciler.Service(ctx, id)
	if err != nil {
		return toolError("service lookup failed", err), nil
	}
	if svc.CurrentScheduleID != "" {
		s.captureSession(ctx, svc.CurrentScheduleID)
	}
	return marshalResult(map[string]any{
		"action":  action,
		"service": svc,
	})
}

func (s *Server) handleOperations(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reg := s.scheduler.Registry()
	names := reg.Names()
	out := make([]OperationInfo, 0, len(names))
	for _, name := range names {
		op, err := reg.Operation(name)
		if err != nil {
			continue
		}
		info := OperationInfo{
			Name:         name,
			Shape:        op.String(),
			RequiredKeys: op.RequiredKeys,
			Cancellable:  !op.Uncancellable,
		}
		if len(op.ContextSchema) > 0 {
			info.ContextSchema = json.RawMessage(op.ContextSchema)
		}
		out = append(out, info)
	}
	return marshalResult(map[string]any{"operations": out})
}

// captureSession subscribes the calling session to events of scheduleID.
func (s *Server) captureSession(ctx context.Context, scheduleID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Watch(scheduleID, session.SessionID())
	}
}

// toolError renders err with its code so clients can branch on it.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if code := schema.CodeOf(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v (code %s)", prefix, err, code))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
