package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livedash/internal/domain"
)

const (
	msgTokenMissing   = "Access token missing"
	msgUserIDMissing  = "User ID missing"
	msgInvalidBody    = "Invalid request body"
	msgProfileFailure = "Failed to fetch Twitch profile data"
	msgStreamFailure  = "Failed to fetch Twitch stream data"
)

type profileRequest struct {
	AccessToken string `json:"accessToken"`
}

type streamStatusRequest struct {
	AccessToken string `json:"accessToken"`
	UserID      string `json:"userId"`
}

type proxyError struct {
	Error string `json:"error"`
}

// The proxy routes answer with their own error shapes rather than the
// structured errors of the rest of the API, so they write responses directly.
func (s *Server) registerProxyRoutes(rateLimiter echo.MiddlewareFunc) {
	s.echo.POST("/profile", s.handleProfile, rateLimiter)
	s.echo.POST("/streamStatus", s.handleStreamStatus, rateLimiter)
}

func (s *Server) handleProfile(c echo.Context) error {
	var req profileRequest
	if err := c.Bind(&req); err != nil {
		return writeJSON(c, http.StatusBadRequest, proxyError{Error: msgInvalidBody})
	}
	if req.AccessToken == "" {
		return writeJSON(c, http.StatusBadRequest, proxyError{Error: msgTokenMissing})
	}

	resp, err := s.upstream.ForwardUsers(c.Request().Context(), req.AccessToken)
	if err != nil {
		return s.writeProxyError(c, "users", err, msgProfileFailure)
	}
	return writeJSONBlob(c, resp.StatusCode, resp.Body)
}

func (s *Server) handleStreamStatus(c echo.Context) error {
	var req streamStatusRequest
	if err := c.Bind(&req); err != nil {
		return writeJSON(c, http.StatusBadRequest, proxyError{Error: msgInvalidBody})
	}
	if req.AccessToken == "" {
		return writeJSON(c, http.StatusBadRequest, proxyError{Error: msgTokenMissing})
	}
	if req.UserID == "" {
		return writeJSON(c, http.StatusBadRequest, proxyError{Error: msgUserIDMissing})
	}

	resp, err := s.upstream.ForwardStreams(c.Request().Context(), req.AccessToken, req.UserID)
	if err != nil {
		return s.writeProxyError(c, "streams", err, msgStreamFailure)
	}
	return writeJSONBlob(c, resp.StatusCode, resp.Body)
}

// writeProxyError passes upstream failures through with their status and body.
// A body that is not JSON is replaced by the parsed error document. Anything
// else is reported as a 500.
func (s *Server) writeProxyError(c echo.Context, endpoint string, err error, fallback string) error {
	ctx := c.Request().Context()

	if upstream, ok := errors.AsType[*domain.UpstreamError](err); ok {
		slog.InfoContext(ctx, "Upstream rejected proxied request", "endpoint", endpoint, "status", upstream.StatusCode)
		if json.Valid(upstream.Raw) {
			return writeJSONBlob(c, upstream.StatusCode, upstream.Raw)
		}
		return writeJSON(c, upstream.StatusCode, upstream.Body)
	}
	if errors.Is(err, domain.ErrMissingCredential) {
		return writeJSON(c, http.StatusBadRequest, proxyError{Error: msgTokenMissing})
	}

	slog.ErrorContext(ctx, "Proxied request failed", "endpoint", endpoint, "error", err)
	return writeJSON(c, http.StatusInternalServerError, proxyError{Error: fallback})
}

func writeJSONBlob(c echo.Context, status int, body []byte) error {
	if err := c.JSONBlob(status, body); err != nil {
		return fmt.Errorf("failed to write JSON response: %w", err)
	}
	return nil
}

func writeJSON(c echo.Context, status int, body any) error {
	if err := c.JSON(status, body); err != nil {
		return fmt.Errorf("failed to write JSON response: %w", err)
	}
	return nil
}
