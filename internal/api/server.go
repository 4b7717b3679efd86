package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/calebwren/imagegate/internal/gateway"
	"github.com/calebwren/imagegate/internal/store"
)

const (
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 5 * time.Minute
)

// Options configures the HTTP server.
type Options struct {
	Addr            string
	MaxBodyBytes    int64
	RateLimitRPS    float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	gw     *gateway.Gateway
	runner *gateway.JobRunner
	store  store.Store
	logger *slog.Logger
	opts   Options
}

// NewServer creates and configures a new HTTP server.
func NewServer(opts Options, gw *gateway.Gateway, runner *gateway.JobRunner, s store.Store, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		gw:     gw,
		runner: runner,
		store:  s,
		logger: logger,
		opts:   opts,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(rateLimitMiddleware(opts.RateLimitRPS, opts.RateLimitBurst))
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Processing-Time"},
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

	s.router.Get("/v1/metrics", s.handleGetMetrics)
	s.router.Get("/v1/pipelines", s.handleListPipelines)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Post("/v1/remove-background", s.handleProcess("remove-background"))
	s.router.Post("/v1/process", s.handleProcess("process"))
	s.router.Post("/v1/render-template", s.handleProcess("render-template"))
	s.router.Post("/v1/process-full", s.handleProcess("process-full"))

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/output", s.handleGetJobOutput)
		r.Get("/{id}/events", s.handleStreamJobEvents)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
// On shutdown the gateway drains first so in-flight pipeline work finishes,
// then the listener closes.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.opts.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	if err := s.gw.Shutdown(ctx); err != nil {
		s.logger.Error("gateway drain incomplete", "error", err)
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
