package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"inquirychat/internal/api"
	"inquirychat/internal/auth"
	"inquirychat/internal/config"
	"inquirychat/internal/database"
	"inquirychat/internal/hub"
	"inquirychat/internal/inquiry"
	"inquirychat/internal/router"
	"inquirychat/internal/websocket"
	"inquirychat/pkg/interfaces"
)

// rateLimiterCleanupInterval is how often idle rate limiter entries are
// pruned
const rateLimiterCleanupInterval = time.Minute

// Application coordinates all system components
type Application struct {
	config     *config.Config
	logger     zerolog.Logger
	store      interfaces.DatabaseManager
	tokens     *auth.JWT
	inquiries  *inquiry.Manager
	registry   *websocket.Registry
	router     *router.Router
	hub        *hub.Hub
	wsHandler  *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	serveErr chan error
}

// NewApplication builds every component in dependency order:
// store, auth, inquiries, registry, router, websocket handler, hub, API
func NewApplication(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := database.Open(ctx, cfg.DatabaseConfig(), cfg.Database.AutoMigrate, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	tokens, err := auth.NewJWT(cfg.JWTConfig())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
	}
	resolver := auth.NewResolver(store)

	inquiries := inquiry.NewManager(store, nil, logger)
	registry := websocket.NewRegistry(logger)
	messageRouter := router.NewRouter(store, registry, cfg.RouterConfig(), logger)
	wsHandler := websocket.NewHandler(registry, tokens, resolver, inquiries, messageRouter, cfg.HandlerConfig(), logger)

	// Lifecycle transitions are pushed to connected participants
	statusHub := hub.NewHub(registry, logger)
	inquiries.SetPublisher(statusHub)

	apiServer := api.NewServer(api.Deps{
		Verifier:  tokens,
		Resolver:  resolver,
		Inquiries: inquiries,
		Messages:  store,
		Health:    store,
		Sessions:  registry,
		Components: map[string]api.StatsProvider{
			"inquiries": inquiries,
			"router":    messageRouter,
			"hub":       statusHub,
		},
		WebSocket:   http.HandlerFunc(wsHandler.HandleWebSocket),
		CORSOrigins: cfg.HTTP.CORSOrigins,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger.With().Str("component", "app").Logger(),
		store:      store,
		tokens:     tokens,
		inquiries:  inquiries,
		registry:   registry,
		router:     messageRouter,
		hub:        statusHub,
		wsHandler:  wsHandler,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start starts the status hub and background maintenance, then begins
// serving HTTP. It returns once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return errors.New("application already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := app.hub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start status hub: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		cancel()
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	go app.router.RunCleanup(runCtx, rateLimiterCleanupInterval)

	app.listener = ln
	app.cancel = cancel
	app.serveErr = make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(app.serveErr)
	}()

	app.logger.Info().Str("addr", ln.Addr().String()).Msg("inquirychat started")
	return nil
}

// Errors reports a failure of the HTTP server after Start returned. The
// channel is closed when the server stops.
func (app *Application) Errors() <-chan error {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.serveErr
}

// Stop shuts down in reverse dependency order. New connections are refused
// first, pending status pushes are flushed, open sessions are closed with a
// going-away frame and the store is closed last.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down")

	app.mu.Lock()
	cancel := app.cancel
	app.mu.Unlock()

	// Admissions in flight are hijacked connections that http.Server no
	// longer tracks
	app.wsHandler.Shutdown()

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("status hub: %w", err))
	}
	if cancel != nil {
		cancel()
	}

	closed := app.registry.CloseAll(gorillaws.CloseGoingAway, websocket.ReasonShutdown)
	if err := app.wsHandler.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for sessions: %w", err))
	}
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close: %w", err))
	}

	app.logger.Info().Int("sessions_closed", closed).Msg("shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the bound listen address, or the configured one before Start
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the HTTP handler for embedding and tests
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Store returns the persistence backend
func (app *Application) Store() interfaces.DatabaseManager {
	return app.store
}

// Tokens returns the token issuer the application verifies against
func (app *Application) Tokens() *auth.JWT {
	return app.tokens
}
