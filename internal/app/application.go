package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"renung/internal/api"
	"renung/internal/config"
	"renung/internal/hub"
	"renung/internal/journal"
	"renung/internal/logging"
	"renung/internal/metrics"
	"renung/internal/ratelimit"
	"renung/internal/room"
	"renung/internal/session"
	"renung/internal/websocket"
	"renung/pkg/interfaces"
)

// Application owns every component of the server and their lifecycle.
type Application struct {
	config *config.Config
	logger *log.Logger

	journal     interfaces.Journal
	rooms       *room.Registry
	limiter     *ratelimit.Limiter
	connLimiter *ratelimit.ConnectionLimiter
	registry    *websocket.Registry
	sessions    *session.Orchestrator
	messageHub  *hub.Hub
	wsHandler   *websocket.Handler
	apiServer   *api.Server
	httpServer  *http.Server
	metrics     *metrics.Server

	listener net.Listener
}

// Option customizes an Application.
type Option func(*Application)

// WithLogger replaces the logger built from the log configuration.
func WithLogger(logger *log.Logger) Option {
	return func(app *Application) { app.logger = logger }
}

// NewApplication builds the components in dependency order:
// journal, rooms, limiters, transport registry, orchestrator, hub,
// websocket handler, HTTP server.
func NewApplication(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{config: cfg}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger = logging.New(logging.Options{
			Level:        cfg.Log.Level,
			ReportCaller: cfg.Log.ReportCaller,
			JSON:         cfg.Log.JSON,
		}, nil)
	}

	jrnl, err := openJournal(cfg.Journal, app.logger)
	if err != nil {
		return nil, err
	}
	app.journal = jrnl

	policies := cfg.RateLimits.Policies
	app.rooms = room.NewRegistry()
	app.limiter = ratelimit.NewLimiter()
	app.connLimiter = ratelimit.NewConnectionLimiter(app.logger.WithPrefix("ratelimit"))
	app.registry = websocket.NewRegistry(app.logger)
	app.sessions = session.NewOrchestrator(app.rooms, app.connLimiter, policies, app.registry, jrnl, app.logger)
	app.messageHub = hub.NewHub(app.sessions, cfg.WebSocket.HubQueueSize, app.logger)

	wsCfg := websocket.DefaultConfig()
	wsCfg.AllowedOrigins = cfg.CORS.AllowedOrigins
	wsCfg.HandshakeTimeout = cfg.WebSocket.HandshakeTimeout
	wsCfg.PingInterval = cfg.WebSocket.PingInterval
	wsCfg.PongWait = cfg.WebSocket.PongWait
	wsCfg.WriteWait = cfg.WebSocket.WriteWait
	wsCfg.MaxMessageSize = cfg.WebSocket.MaxMessageSize
	wsCfg.FrameRate = cfg.WebSocket.FrameRate
	wsCfg.FrameBurst = cfg.WebSocket.FrameBurst
	app.wsHandler = websocket.NewHandler(app.registry, app.messageHub, app.sessions, wsCfg, app.logger)

	deps := api.Dependencies{
		Rooms:       app.rooms,
		Recorder:    app.sessions,
		Limiter:     app.limiter,
		ConnLimiter: app.connLimiter,
		Policies:    policies,
		Connections: app.registry,
		Hub:         app.messageHub,
		WebSocket:   app.wsHandler,
		Logger:      app.logger,
	}
	if cfg.Journal.Enabled {
		deps.Journal = jrnl
	}
	app.apiServer = api.NewServer(api.Config{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Mode:           cfg.HTTP.Mode,
		Gzip:           cfg.HTTP.Gzip,
	}, deps)

	app.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	if cfg.Metrics.Enabled {
		m, err := metrics.NewServer(cfg.Metrics.Addr, app.logger)
		if err != nil {
			_ = jrnl.Close()
			return nil, err
		}
		app.metrics = m
	}
	return app, nil
}

func openJournal(cfg *config.JournalConfig, logger *log.Logger) (interfaces.Journal, error) {
	if !cfg.Enabled {
		logger.Info("event journal disabled")
		return journal.Nop{}, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	jcfg := journal.DefaultConfig()
	jcfg.Path = cfg.Path
	jcfg.QueueSize = cfg.QueueSize
	jcfg.RetryDelay = cfg.RetryDelay
	j, err := journal.Open(jcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return j, nil
}

// Start runs the hub and the limiter sweeps, then serves HTTP in the
// background.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting renung", "addr", app.httpServer.Addr)

	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}
	interval := app.config.RateLimits.CleanupInterval
	if err := app.limiter.Start(ctx, interval); err != nil {
		app.stopBackground()
		return fmt.Errorf("failed to start rate limiter: %w", err)
	}
	if err := app.connLimiter.Start(ctx, interval); err != nil {
		app.stopBackground()
		return fmt.Errorf("failed to start connection limiter: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.stopBackground()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	if app.metrics != nil {
		if err := app.metrics.Start(); err != nil {
			_ = ln.Close()
			app.stopBackground()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		app.stopBackground()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info("renung started", "addr", ln.Addr().String())
		return nil
	case <-ctx.Done():
		_ = app.httpServer.Close()
		app.stopBackground()
		return ctx.Err()
	}
}

// Stop shuts down in reverse dependency order: HTTP, metrics, sockets,
// hub, limiters, journal.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down renung")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", "err", err)
		errs = append(errs, err)
	}

	if app.metrics != nil {
		if err := app.metrics.Shutdown(ctx); err != nil {
			app.logger.Error("metrics server shutdown error", "err", err)
		}
	}

	app.registry.CloseAll()
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.logger.Error("message hub shutdown error", "err", err)
		errs = append(errs, err)
	}
	app.limiter.Stop()
	app.connLimiter.Stop()

	if err := app.journal.Close(); err != nil {
		app.logger.Error("journal shutdown error", "err", err)
		errs = append(errs, err)
	}

	app.logger.Info("renung shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) stopBackground() {
	_ = app.messageHub.Stop()
	app.limiter.Stop()
	app.connLimiter.Stop()
}

// GetAddr returns the bound address once started, else the configured one.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the HTTP handler for in-process servers.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Hub exposes the event loop, mainly so tests can start it without HTTP.
func (app *Application) Hub() *hub.Hub {
	return app.messageHub
}
