// Package server wires the HTTP surface of the webhook: the chi router with
// its middleware chain and an http.Server with graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/medora-ai/medora/config"
	"github.com/medora-ai/medora/errors"
	"github.com/medora-ai/medora/server/handlers"
	"github.com/medora-ai/medora/server/metrics"
	"github.com/medora-ai/medora/server/middleware"
	"go.uber.org/zap"
)

// Router handles HTTP routing
type Router struct {
	router chi.Router
}

// NewRouter creates the router. webhook serves POST /webhook behind the
// optional rate limit and bearer check.
func NewRouter(cfg *config.Config, webhook http.Handler, m *metrics.Metrics, logger *zap.Logger) *Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(errors.ErrorHandler(logger))
	r.Use(middleware.PrometheusMetrics(m))
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		errors.WriteError(w, errors.NewNotFoundError(middleware.GetRequestID(req.Context()), req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		errors.WriteError(w, errors.NewMethodNotAllowedError(middleware.GetRequestID(req.Context()), req.Method))
	})

	health := handlers.HealthHandler(logger)
	r.Get("/test", health)
	r.Get("/health", health)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	limiter := middleware.NewRateLimiter(cfg.RateLimit, m)
	r.With(limiter.Handler, middleware.BearerAuth(cfg.Webhook.AuthToken)).
		Method(http.MethodPost, "/webhook", webhook)

	return &Router{router: r}
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}

// ShutdownFunc is run after the HTTP server has stopped, with what is left
// of the shutdown deadline.
type ShutdownFunc func(ctx context.Context) error

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	cfg        config.ServerConfig
	logger     *zap.Logger
	onShutdown []ShutdownFunc
}

// NewServer creates a new server instance
func NewServer(cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:           fmt.Sprintf(":%d", cfg.Port),
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
			ErrorLog:       zap.NewStdLog(logger.Named("http")),
		},
		cfg:    cfg,
		logger: logger,
	}
}

// OnShutdown registers fn to run during graceful shutdown, in registration
// order, once in-flight HTTP requests have finished.
func (s *Server) OnShutdown(fn ShutdownFunc) {
	s.onShutdown = append(s.onShutdown, fn)
}

// Start listens on the configured port and blocks until ctx is cancelled or
// the server fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("Server started", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		return err
	}
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server", zap.Duration("timeout", s.cfg.ShutdownTimeout))

	var firstErr error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("error during server shutdown: %w", err)
	}

	for _, fn := range s.onShutdown {
		if err := fn(shutdownCtx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("error during shutdown hook: %w", err)
		}
	}

	if firstErr == nil {
		s.logger.Info("Server stopped")
	}
	return firstErr
}
