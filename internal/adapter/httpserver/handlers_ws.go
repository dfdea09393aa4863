package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/livedash/internal/platform/errors"
)

// handleWebSocket upgrades a signed-in dashboard view. Registering the first
// connection of a session mounts the dashboard with the session's token; the read loop unregisters on
// disconnect, which tears it down once the last view is gone.
func (s *Server) handleWebSocket(c echo.Context) error {
	id, ok := c.Get(ctxKeySessionID).(uuid.UUID)
	if !ok {
		return apperrors.InternalError("invalid session ID in context", nil)
	}
	ctx := c.Request().Context()

	ip := c.RealIP()
	if ok, reason := s.connLimits.Acquire(ip); !ok {
		slog.WarnContext(ctx, "WebSocket connection refused", "session_id", id.String(), "client_ip", ip, "reason", reason)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "too many connections"})
	}
	defer s.connLimits.Release(ip)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.WarnContext(ctx, "WebSocket upgrade failed", "session_id", id.String(), "error", err)
		return nil
	}

	token, _ := c.Get(ctxKeyToken).(string)
	if err := s.hub.Register(id, token, conn); err != nil {
		slog.WarnContext(ctx, "WebSocket registration failed", "session_id", id.String(), "error", err)
		_ = conn.Close()
		return nil
	}

	if state, err := s.app.Snapshot(id); err == nil {
		s.hub.PublishState(id, state)
	}

	defer s.hub.Unregister(id, conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			slog.DebugContext(ctx, "WebSocket closed", "session_id", id.String(), "error", err)
			return nil
		}
	}
}
