// Package api exposes the widget catalog, the route tables and the worker
// sessions over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/OysteinAmundsen/home-sub001/internal/ctxlog"
	"github.com/OysteinAmundsen/home-sub001/internal/dispatch"
	"github.com/OysteinAmundsen/home-sub001/internal/route"
	"github.com/OysteinAmundsen/home-sub001/internal/store"
	"github.com/OysteinAmundsen/home-sub001/internal/widget"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	// widgetPrefix is where server-rendered widget modules are mounted.
	widgetPrefix = "/w"
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	store    store.Store
	registry *widget.Registry
	table    *route.Table
	manager  *dispatch.Manager
	logger   *slog.Logger
	addr     string
	origins  []string

	// journal tracks goroutines persisting request results.
	journal sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithCORSOrigins sets the origins allowed to call the API. The default
// allows any origin.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, s store.Store, reg *widget.Registry, table *route.Table, mgr *dispatch.Manager, logger *slog.Logger, opts ...Option) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		store:    s,
		registry: reg,
		table:    table,
		manager:  mgr,
		logger:   logger,
		addr:     addr,
		origins:  []string{"*"},
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   srv.origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/routes", s.handleListRoutes)

	s.router.Route("/v1/widgets", func(r chi.Router) {
		r.Get("/", s.handleListWidgets)
		r.Get("/tags", s.handleListTags)
		r.Get("/{path}", s.handleGetWidget)
	})

	s.router.Route("/v1/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleTerminateSession)
		r.Get("/{id}/events", s.handleStreamEvents)
		r.Get("/{id}/requests", s.handleListRequests)
		r.Post("/{id}/requests", s.handleSendRequest)
		r.Post("/{id}/requests/async", s.handleSendRequestAsync)
		r.Delete("/{id}/requests/{msgid}", s.handleCancelRequest)
	})

	s.router.Get("/v1/requests/{rid}", s.handleGetRequest)

	s.table.Mount(s.router, widgetPrefix, s.logger)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received
// or ctx is cancelled. On the way out it terminates every worker session and
// waits for pending journal writes.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", ctx.Err().Error())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := s.Close(shutdownCtx); err != nil {
		return err
	}

	s.logger.Info("server stopped")
	return nil
}

// Close terminates every worker session and waits for request results to be
// journaled.
func (s *Server) Close(ctx context.Context) error {
	if err := s.manager.Shutdown(ctx); err != nil {
		return err
	}
	s.journal.Wait()
	return nil
}

// loggingMiddleware logs each request using the structured logger and makes
// a request-scoped logger available through the context.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		reqID := middleware.GetReqID(r.Context())
		logger := s.logger.With("request_id", reqID)
		next.ServeHTTP(ww, r.WithContext(ctxlog.WithLogger(r.Context(), logger)))

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", reqID,
		)
	})
}
