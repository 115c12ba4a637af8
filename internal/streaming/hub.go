package streaming

import (
	"context"
	"slices"
)

// StreamEvent is a lifecycle event of a schedule or a tracked service.
type StreamEvent struct {
	ScheduleID string `json:"schedule_id,omitempty"`
	Operation  string `json:"operation,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
	GroupIndex int    `json:"group_index"`
	Step       string `json:"step,omitempty"`
	EventType  string `json:"event_type"`
	Outcome    string `json:"outcome,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

// EventFilter selects the events a subscriber receives. Empty fields match
// everything.
type EventFilter struct {
	ScheduleID string   `json:"schedule_id,omitempty"`
	ResourceID string   `json:"resource_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Matches reports whether e passes every non-empty criterion of f.
func (f EventFilter) Matches(e StreamEvent) bool {
	switch {
	case f.ScheduleID != "" && f.ScheduleID != e.ScheduleID:
		return false
	case f.ResourceID != "" && f.ResourceID != e.ResourceID:
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}

// EventHub provides pub/sub for lifecycle events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
