package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livedash/internal/domain"
	apperrors "github.com/pscheid92/livedash/internal/platform/errors"
	"github.com/pscheid92/livedash/internal/view"
)

type stateResponse struct {
	State domain.DashboardState `json:"state"`
	View  view.Model            `json:"view"`
}

func (s *Server) registerDashboardRoutes(csrfMiddleware echo.MiddlewareFunc) {
	s.echo.GET("/dashboard", s.handleDashboard, s.requireAuth, csrfMiddleware)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/ws", s.handleWebSocket, s.requireAuth)
}

func (s *Server) handleDashboard(c echo.Context) error {
	id, ok := c.Get(ctxKeySessionID).(uuid.UUID)
	if !ok {
		return apperrors.InternalError("invalid session ID in context", nil)
	}

	state, err := s.app.Snapshot(id)
	if err != nil {
		return apperrors.InternalError("failed to load dashboard state", err).WithField("session_id", id.String())
	}

	initial, err := json.Marshal(stateResponse{State: state, View: view.Resolve(state, time.Now())})
	if err != nil {
		return apperrors.InternalError("failed to encode dashboard state", err)
	}

	data := map[string]any{
		"InitialState": template.JS(initial),
		"CSRFToken":    c.Get("csrf"),
	}
	return s.renderTemplate(c, "dashboard.html", data)
}

// handleState returns the current dashboard state. Sessions that are not signed
// in get their provider status (loading or unauthenticated) instead of an error.
func (s *Server) handleState(c echo.Context) error {
	id, sess := s.readSession(c)

	state := domain.DashboardState{SessionID: id, Status: sess.Status, Scheduler: domain.SchedulerIdle, UpdatedAt: time.Now()}
	if sess.Authenticated() {
		if err := s.app.Authenticate(id, sess.AccessToken); err != nil {
			return apperrors.InternalError("failed to register session", err).WithField("session_id", id.String())
		}
		snapshot, err := s.app.Snapshot(id)
		if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			return apperrors.InternalError("failed to load dashboard state", err).WithField("session_id", id.String())
		}
		if err == nil {
			state = snapshot
		}
	}

	if err := c.JSON(http.StatusOK, stateResponse{State: state, View: view.Resolve(state, time.Now())}); err != nil {
		return fmt.Errorf("failed to write state response: %w", err)
	}
	return nil
}
