package httpserver

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livedash/internal/adapter/twitch"
	"github.com/pscheid92/livedash/internal/domain"
	"github.com/pscheid92/livedash/internal/platform/config"
	"github.com/pscheid92/livedash/internal/platform/crypto"
	"github.com/pscheid92/livedash/internal/platform/retry"
	"github.com/pscheid92/livedash/web"
	"golang.org/x/oauth2"
)

type dashboardService interface {
	Authenticate(sessionID uuid.UUID, accessToken string) error
	SignOut(sessionID uuid.UUID)
	Snapshot(sessionID uuid.UUID) (domain.DashboardState, error)
}

type upstreamClient interface {
	ForwardUsers(ctx context.Context, accessToken string) (*twitch.RawResponse, error)
	ForwardStreams(ctx context.Context, accessToken, userID string) (*twitch.RawResponse, error)
}

type stateHub interface {
	Register(sessionID uuid.UUID, accessToken string, conn *websocket.Conn) error
	Unregister(sessionID uuid.UUID, conn *websocket.Conn)
	PublishState(sessionID uuid.UUID, state domain.DashboardState)
}

// oauthProvider is the subset of *oauth2.Config the auth handlers use.
type oauthProvider interface {
	AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	app      dashboardService
	upstream upstreamClient
	hub        stateHub
	upgrader   websocket.Upgrader
	connLimits *ConnectionLimits

	metricsHandler http.Handler
	httpMiddleware echo.MiddlewareFunc

	templates *template.Template

	oauth         oauthProvider
	exchangeRetry retry.Policy
	sessionStore  *sessions.CookieStore
	tokens       crypto.Service
	healthChecks []HealthCheck
	startTime    time.Time
}

// Deps bundles the collaborators of the HTTP server.
type Deps struct {
	App            dashboardService
	Upstream       upstreamClient
	Hub            stateHub
	CheckOrigin    func(r *http.Request) bool
	Tokens         crypto.Service
	MetricsHandler http.Handler
	HTTPMiddleware echo.MiddlewareFunc
	HealthChecks   []HealthCheck
	ConnLimits     *ConnectionLimits // nil means the defaults
}

func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	templates, err := template.ParseFS(web.TemplateFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	connLimits := deps.ConnLimits
	if connLimits == nil {
		connLimits = NewConnectionLimits(defaultMaxConnections, defaultMaxConnectionsPerIP, nil)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:           e,
		config:         cfg,
		app:            deps.App,
		upstream:       deps.Upstream,
		hub:            deps.Hub,
		upgrader:       websocket.Upgrader{CheckOrigin: deps.CheckOrigin},
		connLimits:     connLimits,
		metricsHandler: deps.MetricsHandler,
		httpMiddleware: deps.HTTPMiddleware,
		templates:      templates,
		oauth:          newOAuthConfig(cfg),
		exchangeRetry:  defaultExchangeRetry,
		sessionStore:   setupSessionStore(cfg),
		tokens:         deps.Tokens,
		healthChecks:   deps.HealthChecks,
		startTime:      time.Now(),
	}

	srv.registerRoutes()

	return srv, nil
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Session keys
const (
	sessionName          = "livedash-session"
	sessionKeyID         = "sid"
	sessionKeyToken      = "token"
	sessionKeyOAuthState = "oauth_state"
)

func (s *Server) renderTemplate(c echo.Context, name string, data any) error {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("Template execution failed", "path", c.Request().URL.Path, "error", err)
		if err := c.String(http.StatusInternalServerError, "Failed to render page"); err != nil {
			return fmt.Errorf("failed to send error response: %w", err)
		}
		return nil
	}
	if err := c.HTMLBlob(http.StatusOK, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to send HTML response: %w", err)
	}
	return nil
}

func setupSessionStore(cfg *config.Config) *sessions.CookieStore {
	sessionStore := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	sessionStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	}
	return sessionStore
}
