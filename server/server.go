package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/emaforlin/ws-echo/config"
	"github.com/emaforlin/ws-echo/handlers"
	"github.com/emaforlin/ws-echo/logging"
	"github.com/emaforlin/ws-echo/metrics"
	"github.com/emaforlin/ws-echo/middleware"
	"github.com/emaforlin/ws-echo/publisher"
	"github.com/emaforlin/ws-echo/websocket"
)

var (
	// ErrBind is returned when the listening socket cannot be created.
	ErrBind = errors.New("failed to bind listener")
	// ErrNotShutdown is returned by Drain before Shutdown was called.
	ErrNotShutdown = errors.New("server is not shut down")
)

// Server represents the WebSocket listener with graceful shutdown
type Server struct {
	config     *config.Config
	httpServer *http.Server
	mux        *http.ServeMux
	listener   net.Listener

	hub       *websocket.Hub
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	publisher publisher.Publisher
	logger    zerolog.Logger
	version   string

	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Server.
type Option func(*Server)

// WithListener serves on an already bound listener instead of binding
// the configured address.
func WithListener(ln net.Listener) Option {
	return func(s *Server) { s.listener = ln }
}

// WithLogger sets the root logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPublisher mirrors echoed messages to p.
func WithPublisher(p publisher.Publisher) Option {
	return func(s *Server) { s.publisher = p }
}

// WithRegistry registers the server metrics with reg and exposes reg on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithVersion sets the version reported by /health and /info.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// Listen loads the TLS material, binds the socket and registers the routes.
// The returned server owns the socket until Shutdown or Close.
func Listen(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		config:    cfg,
		publisher: publisher.NopPublisher{},
		logger:    zerolog.Nop(),
		version:   "dev",
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = metrics.New(s.registry)

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled {
		cert, err := LoadCertificate(cfg.TLS)
		if err != nil {
			return nil, err
		}
		tlsConfig = ServerTLSConfig(cert)
	}

	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.GetServerAddress())
		if err != nil {
			return nil, fmt.Errorf("%w on %s: %w", ErrBind, cfg.GetServerAddress(), err)
		}
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	s.listener = ln

	s.hub = websocket.NewHub(s.logger.With().Str("component", "hub").Logger())
	s.mux = http.NewServeMux()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: cfg.WebSocket.HandshakeTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ErrorLog:          logging.StdLogger(s.logger.Hook(tlsHandshakeHook{metrics: s.metrics}), "http"),
	}
	s.routes()

	return s, nil
}

func (s *Server) routes() {
	cfg := s.config
	httpLogger := s.logger.With().Str("component", "http").Logger()

	s.RegisterHandlerWithMiddleware("/health",
		handlers.NewHealthHandler(s.version).ServeHTTP,
		middleware.Logger(httpLogger),
		middleware.Recovery(httpLogger),
		middleware.CORS,
	)
	s.RegisterHandlerWithMiddleware("/info",
		handlers.NewInfoHandler(cfg, s.version, s.hub).ServeHTTP,
		middleware.Logger(httpLogger),
		middleware.Recovery(httpLogger),
		middleware.CORS,
	)
	s.RegisterHandlerWithMiddleware("/sessions",
		handlers.NewSessionsHandler(s.hub),
		middleware.Logger(httpLogger),
		middleware.Recovery(httpLogger),
		middleware.CORS,
	)
	s.RegisterHandlerWithMiddleware("/metrics",
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP,
		middleware.Recovery(httpLogger),
	)

	upgrader := websocket.NewUpgrader(cfg.WebSocket, handlers.UpgradeErrorHandler)
	sessionOpts := websocket.OptionsFromConfig(cfg.WebSocket, s.logger.With().Str("component", "session").Logger(), s.metrics)
	echoHandler := &websocket.EchoHandler{Publisher: s.publisher}

	s.RegisterHandlerWithMiddleware(cfg.WebSocket.Path,
		websocket.HandleWebSocket(upgrader, s.hub, echoHandler, sessionOpts),
		middleware.WebSocketLogger(httpLogger),
		middleware.Recovery(httpLogger),
		middleware.RateLimiter(cfg.WebSocket.RateLimitRequests, cfg.WebSocket.RateLimitWindow),
	)
	if cfg.WebSocket.Path != "/" {
		s.RegisterHandlerWithMiddleware("/", handlers.NotFoundHandler, middleware.Logger(httpLogger))
	}
}

// RegisterHandler registers a handler for the given pattern
func (s *Server) RegisterHandler(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

// RegisterHandlerWithMiddleware registers a handler with middleware
func (s *Server) RegisterHandlerWithMiddleware(pattern string, handler http.HandlerFunc, middlewares ...middleware.Middleware) {
	s.RegisterHandler(pattern, middleware.Chain(middlewares...)(handler))
}

// Serve accepts connections until ctx is cancelled, Shutdown is called or
// the listening socket fails. Cancelling ctx shuts the server down. A failed
// socket is returned as an error; a requested shutdown returns nil.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info().Msgf("Listen on: %d", s.Port())
	s.logger.Info().Msgf("Use ssl: %t", s.config.TLS.Enabled)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// net/http retries temporary accept errors with backoff.
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Listener failed")
			return fmt.Errorf("listener failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-s.done:
			return nil
		case <-gctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops accepting connections, releases the socket and signals
// every live session to close with 1001. It does not wait for sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.done)
		s.logger.Info().Int("sessions", s.hub.Count()).Msg("Shutting down server...")

		s.hub.Close()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Server forced to shutdown")
			s.shutdownErr = err
			_ = s.httpServer.Close()
		}
		// Shutdown only closes listeners Serve has seen.
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug().Err(err).Msg("Failed to close listener")
		}

		s.logger.Info().Msg("Server exited")
	})
	return s.shutdownErr
}

// Drain waits for the sessions signalled by Shutdown to finish closing,
// or for ctx to be done. It returns ErrNotShutdown if Shutdown has not run.
func (s *Server) Drain(ctx context.Context) error {
	if s.hub.Context().Err() == nil {
		return ErrNotShutdown
	}
	return s.hub.Wait(ctx)
}

// Close stops the server immediately
func (s *Server) Close() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Shutdown(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.config.Server.Port
}

// Hub returns the session registry.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}

// Metrics returns the server collectors.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// tlsHandshakeHook counts the TLS handshake failures net/http reports on
// its error log. They only affect their own connection.
type tlsHandshakeHook struct {
	metrics *metrics.Metrics
}

func (h tlsHandshakeHook) Run(e *zerolog.Event, _ zerolog.Level, msg string) {
	if strings.Contains(msg, "TLS handshake error") {
		h.metrics.TLSHandshakeFailed()
		e.Bool("tls_handshake", true)
	}
}
