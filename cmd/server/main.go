package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livedash/internal/adapter/httpserver"
	"github.com/pscheid92/livedash/internal/adapter/metrics"
	"github.com/pscheid92/livedash/internal/adapter/twitch"
	"github.com/pscheid92/livedash/internal/adapter/websocket"
	"github.com/pscheid92/livedash/internal/app"
	"github.com/pscheid92/livedash/internal/platform/config"
	"github.com/pscheid92/livedash/internal/platform/crypto"
	"github.com/pscheid92/livedash/internal/platform/logging"
	"github.com/pscheid92/livedash/internal/platform/version"
)

const (
	maxWebSocketConnections      = 1000
	maxWebSocketConnectionsPerIP = 20
)

func runGracefulShutdown(srv *httpserver.Server, hub *websocket.Hub, appSvc *app.Service) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		hub.Stop()
		appSvc.Stop()

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupTokenSealer(cfg *config.Config) crypto.Service {
	tokens, err := crypto.NewService(cfg.TokenEncryptionKey)
	if err != nil {
		slog.Error("Failed to create crypto service", "error", err)
		os.Exit(1)
	}
	if cfg.TokenEncryptionKey == "" {
		slog.Warn("TOKEN_ENCRYPTION_KEY not set, access tokens are stored unsealed in the session cookie")
	}
	return tokens
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", info.Version, "commit", info.Commit)

	registry := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTPMetrics(registry)
	upstreamMetrics := metrics.NewUpstreamMetrics(registry)
	schedulerMetrics := metrics.NewSchedulerMetrics(registry)
	wsMetrics := metrics.NewWebSocketMetrics(registry)

	tokens := setupTokenSealer(cfg)
	twitchClient := twitch.NewClient(cfg.TwitchClientID, cfg.TwitchAPIBaseURL, cfg.UpstreamTimeout, upstreamMetrics)

	// The hub publishes for the service and the service mounts for the hub,
	// so the callbacks resolve appSvc lazily.
	var appSvc *app.Service
	onFirstConnect := func(sessionID uuid.UUID, accessToken string) error { return appSvc.Mount(sessionID, accessToken) }
	onLastDisconnect := func(sessionID uuid.UUID) { appSvc.Unmount(sessionID) }
	hub := websocket.NewHub(clock, wsMetrics, onFirstConnect, onLastDisconnect)
	appSvc = app.NewService(twitchClient, twitchClient, hub, clock, cfg.PollInterval, schedulerMetrics)

	srv, err := httpserver.NewServer(cfg, httpserver.Deps{
		App:            appSvc,
		Upstream:       twitchClient,
		Hub:            hub,
		CheckOrigin:    websocket.NewCheckOrigin(cfg.TwitchRedirectURI, !cfg.IsProduction()),
		Tokens:         tokens,
		MetricsHandler: metrics.Handler(registry),
		HTTPMiddleware: httpMetrics.Middleware(),
		HealthChecks: []httpserver.HealthCheck{
			{Name: "twitch", Check: twitchClient.CheckHealth},
		},
		ConnLimits: httpserver.NewConnectionLimits(maxWebSocketConnections, maxWebSocketConnectionsPerIP, wsMetrics.ConnectionsRejected),
	})
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	done := runGracefulShutdown(srv, hub, appSvc)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
