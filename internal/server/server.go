package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vadosdog/multipleWebSocketServer/internal/router"
	"github.com/vadosdog/multipleWebSocketServer/internal/server/middleware"
	"github.com/vadosdog/multipleWebSocketServer/pkg/auth"
	"github.com/vadosdog/multipleWebSocketServer/pkg/config"
	"github.com/vadosdog/multipleWebSocketServer/pkg/state"
	"github.com/vadosdog/multipleWebSocketServer/pkg/state/statemanager"
	"github.com/vadosdog/multipleWebSocketServer/pkg/transport"
)

// ErrServerShutdown is the close reason given to clients when the server stops.
var ErrServerShutdown = errors.New("server shutting down")

// App is the server handle: it owns the HTTP listener, the channel registry and the
// event router. Channels may be added and removed while it runs.
type App struct {
	logger       *slog.Logger
	stateManager *statemanager.InMemoryManager
	eventRouter  *router.EventRouter
	verifier     auth.Verifier
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

type Option func(*App)

// WithVerifier replaces the HTTP verifier used by token-gated channels.
func WithVerifier(v auth.Verifier) Option {
	return func(a *App) {
		a.verifier = v
	}
}

func NewApp(logger *slog.Logger, cfg *config.Config, opts ...Option) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	stateManager := statemanager.NewInMemoryManager(logger)
	eventRouter := router.NewEventRouter(logger, stateManager)
	stateManager.Subscribe(eventRouter.HandleEvent)

	app := &App{
		logger:       logger.With(slog.String("component", "server")),
		stateManager: stateManager,
		eventRouter:  eventRouter,
		config:       cfg,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.verifier == nil {
		app.verifier = auth.NewHTTPVerifier(logger, auth.HTTPVerifierConfig{
			Timeout:     cfg.Verifier.Timeout,
			MaxFailures: cfg.Verifier.Breaker.MaxFailures,
			OpenTimeout: cfg.Verifier.Breaker.OpenTimeout,
		})
	}

	for _, chCfg := range cfg.Channels {
		if _, err := app.AddChannel(chCfg); err != nil {
			cancel()
			return nil, fmt.Errorf("channel '%s': %w", chCfg.Path, err)
		}
	}

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: app.routes(),
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app, nil
}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if a.config.Metrics.Enabled {
		r.Handle(a.config.Metrics.Path, promhttp.Handler())
	}
	r.Get("/healthz", a.healthHandler)

	upgrade := chi.Chain(
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(a.logger),
		middleware.NewConnectionLimiter(a.logger, a.stateManager, a.config.Server.ConnectionLimit),
		middleware.NewHandshakeCredential(a.logger),
	).HandlerFunc(a.upgradeHandler)
	r.Handle("/{channel}", upgrade)
	r.Handle("/{channel}/*", upgrade)
	return r
}

// Registry exposes the channel registry for queries, broadcasts and subscriptions.
func (a *App) Registry() state.Manager {
	return a.stateManager
}

// Handler returns the HTTP handler serving upgrades, health and metrics.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

// AddChannel builds the gate a channel config describes and registers the channel.
func (a *App) AddChannel(cfg config.ChannelConfig) (*state.Channel, error) {
	gate, err := a.buildGate(cfg.Auth)
	if err != nil {
		return nil, err
	}
	ch, err := a.stateManager.AddChannel(cfg.Path, state.ChannelOptions{
		Gate:      gate,
		AuthDelay: cfg.Auth.Delay,
	})
	if err != nil {
		return nil, err
	}
	a.eventRouter.Bind(ch.Name(), router.Rule{
		UserClaim:  cfg.UserClaim,
		BindClaims: cfg.BindClaims,
	})
	return ch, nil
}

// CloseChannel disconnects a channel's clients and removes it.
func (a *App) CloseChannel(name string) error {
	a.eventRouter.Unbind(name)
	return a.stateManager.CloseChannel(name)
}

func (a *App) buildGate(cfg config.AuthConfig) (auth.Gate, error) {
	switch cfg.Type {
	case "", config.AuthNone:
		return nil, nil
	case config.AuthNull:
		return auth.NullGate{}, nil
	case config.AuthToken:
		var credRouter auth.Router
		switch cfg.Router.Type {
		case "", config.RouterStatic:
			credRouter = auth.StaticRouter{URL: cfg.Router.URL, Params: cfg.Router.Params}
		case config.RouterIssuer:
			credRouter = auth.IssuerRouter{Path: cfg.Router.Path, Params: cfg.Router.Params}
		default:
			return nil, fmt.Errorf("unknown credential router '%s'", cfg.Router.Type)
		}
		return auth.NewTokenGate(a.logger, credRouter, a.verifier), nil
	default:
		return nil, fmt.Errorf("unknown auth type '%s'", cfg.Type)
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	name := chi.URLParam(r, "channel")
	ch, ok := a.stateManager.GetChannel(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	var segments []string
	if rest := strings.Trim(chi.URLParam(r, "*"), "/"); rest != "" {
		segments = strings.Split(rest, "/")
	}
	params, ok := ch.MatchPath(segments)
	if !ok {
		http.NotFound(w, r)
		return
	}

	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("channel", name),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		a.ctx,
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.logger,
	)
	client, err := ch.Accept(conn, params, reqMeta.IP)
	if err != nil {
		connLogger.Error("Failed to register connection", slog.Any("error", err))
		conn.Close(err)
		return
	}
	conn.SetOnMessageHandler(func(_ context.Context, _ uuid.UUID, msg []byte) {
		client.HandleMessage(msg)
	})
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		if transport.IsAbnormalClose(err) {
			client.ReportError(err)
		}
		client.Close(err)
	})

	connLogger.Info("Connection established", slog.String("connID", conn.ID().String()))
	conn.Run()
	if reqMeta.Credential != "" {
		client.SubmitCredential(reqMeta.Credential)
	}
	<-conn.Done()
}

type channelHealth struct {
	Name       string `json:"name"`
	Template   string `json:"template"`
	Clients    int    `json:"clients"`
	Authorized int    `json:"authorized"`
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	channels := a.stateManager.Channels()
	resp := struct {
		Status   string          `json:"status"`
		Channels []channelHealth `json:"channels"`
	}{Status: "ok", Channels: make([]channelHealth, 0, len(channels))}

	for _, ch := range channels {
		resp.Channels = append(resp.Channels, channelHealth{
			Name:       ch.Name(),
			Template:   ch.Template(),
			Clients:    len(ch.GetClients()),
			Authorized: len(ch.GetAuthorizedClients()),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Warn("Failed to write health response", slog.Any("error", err))
	}
}

// Listen serves until ctx is cancelled or the listener fails, then shuts down.
func (a *App) Listen(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr), slog.Bool("tls", a.config.Server.TLS.Enabled))
		var err error
		if a.config.Server.TLS.Enabled {
			err = a.http.ListenAndServeTLS(a.config.Server.TLS.CertFile, a.config.Server.TLS.KeyFile)
		} else {
			err = a.http.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-a.ctx.Done():
		}
		return a.Shutdown(context.Background())
	})
	return g.Wait()
}

// graceful shutdown sequence. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down server...")
	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := a.http.Shutdown(shutdownCtx)

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, c := range a.stateManager.GetClients() {
		c.Close(ErrServerShutdown)
	}
	a.stateManager.Close()
	a.cancel()

	// wait for all connection goroutines to finish their cleanup.
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("Server shut down gracefully.")
	case <-shutdownCtx.Done():
		a.logger.Warn("Timed out waiting for connections to close")
		if err == nil {
			err = shutdownCtx.Err()
		}
	}
	return err
}
