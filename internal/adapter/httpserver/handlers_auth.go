package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livedash/internal/domain"
	"github.com/pscheid92/livedash/internal/platform/config"
	apperrors "github.com/pscheid92/livedash/internal/platform/errors"
	"github.com/pscheid92/livedash/internal/platform/retry"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

const (
	oauthTimeout = 10 * time.Second

	ctxKeySessionID = "sessionID"
	ctxKeyToken     = "accessToken"
)

// defaultExchangeRetry retries token exchanges that never reached Twitch or
// hit a transient Twitch failure. Codes are single-use, so 4xx is final.
var defaultExchangeRetry = retry.Policy{
	MaxAttempts:      3,
	InitialBackoff:   200 * time.Millisecond,
	RateLimitBackoff: time.Second,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Retrying OAuth token exchange", "attempt", attempt, "backoff", backoff, "error", err)
	},
}

func classifyExchangeError(err error) retry.Action {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop
	}
	if re, ok := errors.AsType[*oauth2.RetrieveError](err); ok {
		switch {
		case re.Response == nil:
			return retry.Retry
		case re.Response.StatusCode == http.StatusTooManyRequests:
			return retry.After
		case re.Response.StatusCode >= http.StatusInternalServerError:
			return retry.Retry
		default:
			return retry.Stop
		}
	}
	return retry.Retry
}

func newOAuthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURL:  cfg.TwitchRedirectURI,
		Endpoint:     twitch.Endpoint,
	}
}

func (s *Server) registerAuthRoutes(csrfMiddleware, rateLimiter echo.MiddlewareFunc) {
	s.echo.GET("/auth/login", s.handleLogin, rateLimiter)
	s.echo.GET("/auth/callback", s.handleOAuthCallback, rateLimiter)
	s.echo.POST("/auth/logout", s.handleLogout, rateLimiter, s.requireAuth, csrfMiddleware)
}

func (s *Server) handleLanding(c echo.Context) error {
	if _, sess := s.readSession(c); sess.Authenticated() {
		if err := c.Redirect(http.StatusFound, "/dashboard"); err != nil {
			return fmt.Errorf("failed to redirect: %w", err)
		}
		return nil
	}
	return s.renderTemplate(c, "landing.html", nil)
}

// readSession resolves the cookie into a session ID and the provider-level
// session. A pending OAuth round-trip reports SessionLoading.
func (s *Server) readSession(c echo.Context) (uuid.UUID, domain.Session) {
	session, err := s.sessionStore.Get(c.Request(), sessionName)
	if err != nil {
		return uuid.Nil, domain.Session{Status: domain.SessionUnauthenticated}
	}

	id, _ := sessionID(session)
	if sealed, ok := session.Values[sessionKeyToken].(string); ok && sealed != "" && id != uuid.Nil {
		token, err := s.tokens.Decrypt(sealed)
		if err != nil {
			slog.Warn("Failed to unseal session token", "session_id", id.String(), "error", err)
			return id, domain.Session{Status: domain.SessionUnauthenticated}
		}
		return id, domain.Session{Status: domain.SessionAuthenticated, AccessToken: token}
	}

	if state, ok := session.Values[sessionKeyOAuthState].(string); ok && state != "" {
		return id, domain.Session{Status: domain.SessionLoading}
	}
	return id, domain.Session{Status: domain.SessionUnauthenticated}
}

func sessionID(session *sessions.Session) (uuid.UUID, bool) {
	raw, ok := session.Values[sessionKeyID].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// requireAuth rejects requests without a usable session and registers the
// session with the dashboard service. Browsers are redirected to the landing
// page; API and websocket callers get 401.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, sess := s.readSession(c)
		if !sess.Authenticated() {
			if c.Request().Method == http.MethodGet && c.Path() == "/dashboard" {
				return c.Redirect(http.StatusFound, "/")
			}
			return apperrors.UnauthorizedError("not signed in")
		}

		if err := s.app.Authenticate(id, sess.AccessToken); err != nil {
			return apperrors.InternalError("failed to register session", err).WithField("session_id", id.String())
		}

		c.Set(ctxKeySessionID, id)
		c.Set(ctxKeyToken, sess.AccessToken)
		return next(c)
	}
}

func generateOAuthState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate OAuth state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *Server) handleLogin(c echo.Context) error {
	if _, sess := s.readSession(c); sess.Authenticated() {
		if err := c.Redirect(http.StatusFound, "/dashboard"); err != nil {
			return fmt.Errorf("failed to redirect: %w", err)
		}
		return nil
	}

	state, err := generateOAuthState()
	if err != nil {
		return apperrors.InternalError("failed to generate OAuth state", err)
	}

	session, err := s.sessionStore.Get(c.Request(), sessionName)
	if err != nil {
		slog.Warn("Discarding unreadable session cookie", "error", err)
	}
	session.Values[sessionKeyOAuthState] = state
	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		return apperrors.InternalError("failed to save OAuth state session", err)
	}

	if err := c.Redirect(http.StatusFound, s.oauth.AuthCodeURL(state)); err != nil {
		return fmt.Errorf("failed to redirect: %w", err)
	}
	return nil
}

func (s *Server) handleOAuthCallback(c echo.Context) error {
	if reason := c.QueryParam("error"); reason != "" {
		slog.Info("OAuth sign-in declined", "reason", reason, "description", c.QueryParam("error_description"))
		s.clearOAuthState(c)
		if err := c.Redirect(http.StatusFound, "/"); err != nil {
			return fmt.Errorf("failed to redirect: %w", err)
		}
		return nil
	}

	code := c.QueryParam("code")
	if code == "" {
		return apperrors.ValidationError("missing code parameter")
	}

	session, err := s.sessionStore.Get(c.Request(), sessionName)
	if err != nil {
		return apperrors.ValidationError("invalid session")
	}

	expectedState, ok := session.Values[sessionKeyOAuthState].(string)
	if !ok || expectedState == "" {
		return apperrors.ValidationError("missing OAuth state")
	}
	if c.QueryParam("state") != expectedState {
		return apperrors.ValidationError("invalid OAuth state")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), oauthTimeout)
	defer cancel()

	token, err := retry.Do(ctx, s.exchangeRetry, classifyExchangeError, func(ctx context.Context) (*oauth2.Token, error) {
		return s.oauth.Exchange(ctx, code)
	})
	if err != nil {
		return apperrors.ExternalError("failed to authenticate with Twitch", err)
	}

	sealed, err := s.tokens.Encrypt(token.AccessToken)
	if err != nil {
		return apperrors.InternalError("failed to seal access token", err)
	}

	// Issue a fresh session after login so a pre-auth cookie cannot be fixated.
	session.Options.MaxAge = -1
	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		return apperrors.InternalError("failed to invalidate old session", err)
	}

	// New decodes the request cookie again, so drop the pre-auth values explicitly.
	session, err = s.sessionStore.New(c.Request(), sessionName)
	if err != nil {
		slog.Debug("Replacing unreadable session cookie", "error", err)
	}
	session.Values = make(map[any]any)

	id := uuid.New()
	session.Values[sessionKeyID] = id.String()
	session.Values[sessionKeyToken] = sealed
	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		return apperrors.InternalError("failed to save session", err)
	}

	slog.InfoContext(ctx, "User signed in", "session_id", id.String())

	if err := c.Redirect(http.StatusFound, "/dashboard"); err != nil {
		return fmt.Errorf("failed to redirect: %w", err)
	}
	return nil
}

func (s *Server) clearOAuthState(c echo.Context) {
	session, err := s.sessionStore.Get(c.Request(), sessionName)
	if err != nil {
		return
	}
	delete(session.Values, sessionKeyOAuthState)
	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		slog.Warn("Failed to clear OAuth state", "error", err)
	}
}

func (s *Server) handleLogout(c echo.Context) error {
	ctx := c.Request().Context()
	id, _ := c.Get(ctxKeySessionID).(uuid.UUID)

	s.app.SignOut(id)

	session, err := s.sessionStore.Get(c.Request(), sessionName)
	if err != nil {
		slog.Warn("Failed to read session during logout", "error", err)
		session, err = s.sessionStore.New(c.Request(), sessionName)
		if err != nil {
			return apperrors.InternalError("failed to create new session during logout", err)
		}
	}
	session.Options.MaxAge = -1

	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		return apperrors.InternalError("failed to save logout session", err)
	}

	slog.InfoContext(ctx, "User signed out", "session_id", id.String())

	if err := c.Redirect(http.StatusFound, "/"); err != nil {
		return fmt.Errorf("failed to redirect: %w", err)
	}
	return nil
}
