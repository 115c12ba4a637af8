package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/dynsched/internal/logging"
	"github.com/rendis/dynsched/internal/streaming"
	"github.com/rendis/dynsched/pkg/schema"
)

// emit publishes ev on the hub, if any. Publishing never fails a schedule.
func (e *Engine) emit(ctx context.Context, ev streaming.StreamEvent) {
	if e.hub == nil {
		return
	}
	if err := e.hub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.DebugContext(ctx, "publish event", slog.String("event", ev.EventType), slog.Any("error", err))
	}
}

func (e *Engine) observeTransition(ctx context.Context, scheduleID string, from, to schema.Phase) {
	level := slog.LevelInfo
	if to == schema.PhaseUndoing || to == schema.PhaseFailed {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "phase changed", slog.String("from", string(from)), slog.String("to", string(to)))
	e.emit(ctx, streaming.StreamEvent{
		ScheduleID: scheduleID,
		Operation:  logging.Operation(ctx),
		EventType:  schema.EventPhaseChanged,
		Outcome:    string(to),
		Payload:    map[string]any{"from": string(from), "to": string(to)},
	})
}
