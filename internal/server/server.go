// Package server wires the HTTP surface: record APIs, auth, the admin
// surface, and the middleware stack around them.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bedrockdb/bedrock/internal/auth"
	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/db"
	"github.com/bedrockdb/bedrock/internal/httputil"
	"github.com/bedrockdb/bedrock/internal/jobs"
	"github.com/bedrockdb/bedrock/internal/migrations"
	"github.com/bedrockdb/bedrock/internal/records"
	"github.com/bedrockdb/bedrock/internal/schema"
	"github.com/bedrockdb/bedrock/internal/storage"
)

// Options carries the constructed services the server routes to.
type Options struct {
	Config    *config.Holder
	DB        *db.DB
	Schema    *schema.CacheHolder
	Auth      *auth.Service
	Records   *records.Service
	Runner    *migrations.Runner
	Scheduler *jobs.Scheduler
	Store     storage.ObjectStore
	Logger    *slog.Logger
}

// Server is the HTTP server for all Bedrock APIs.
type Server struct {
	cfg    *config.Holder
	router chi.Router
	http   *http.Server
	logger *slog.Logger
}

// New builds the server and its full route tree.
func New(opts Options) *Server {
	s := &Server{
		cfg:    opts.Config,
		logger: opts.Logger,
	}

	cfg := opts.Config.Get()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(opts.Logger, opts.DB))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.Server.CORSAllowedOrigins))

	r.Get("/healthz", s.handleHealth)

	authHandler := auth.NewHandler(opts.Auth, opts.Store, opts.Logger)
	recordHandler := records.NewHandler(opts.Records, opts.Logger)
	adminHandler := newAdminHandler(opts)

	r.Route("/api", func(r chi.Router) {
		r.Mount("/auth/v1", authHandler.Routes())

		r.Group(func(r chi.Router) {
			r.Use(opts.Auth.OptionalAuth)
			r.Mount("/records/v1", recordHandler.Routes())
		})

		r.Group(func(r chi.Router) {
			r.Use(opts.Auth.RequireAdmin)
			r.Mount("/admin/v1", adminHandler.Routes())
		})
	})

	s.router = r
	s.http = &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router exposes the route tree for tests.
func (s *Server) Router() chi.Router { return s.router }

// Start runs the server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// StartWithReady binds the listener, closes ready, then serves. Used by
// tests that need to wait for the port.
func (s *Server) StartWithReady(ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("http server listening", "addr", ln.Addr().String())
	close(ready)
	serveErr := s.http.Serve(ln)
	if serveErr == http.ErrServerClosed {
		return nil
	}
	return serveErr
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.Get().Server.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	s.logger.Info("shutting down http server")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
