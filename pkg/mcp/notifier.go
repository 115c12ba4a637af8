package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/dynsched/internal/streaming"
	"github.com/rendis/dynsched/pkg/schema"
)

// Notifier pushes schedule events to the sessions watching them.
type Notifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewNotifier creates a notifier that pushes via MCP notifications.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	return &Notifier{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// Forward relays events until ctx ends or the channel closes.
func (n *Notifier) Forward(ctx context.Context, events <-chan streaming.StreamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := n.Notify(ev); err != nil {
				n.logger.DebugContext(ctx, "notify session", slog.String("schedule_id", ev.ScheduleID), slog.Any("error", err))
			}
		}
	}
}

// Notify sends ev to the session watching its schedule.
// Best-effort: returns nil if nobody watches or the session is gone.
func (n *Notifier) Notify(ev streaming.StreamEvent) error {
	if ev.ScheduleID == "" {
		return nil
	}
	sessionID, ok := n.sessions.SessionFor(ev.ScheduleID)
	if !ok {
		return nil
	}
	if ev.EventType == schema.EventPhaseChanged && schema.Phase(ev.Outcome).Terminal() {
		n.sessions.Forget(ev.ScheduleID)
	}

	payload := map[string]any{
		"level":  "info",
		"logger": "dynsched",
		"data":   ev,
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
