// Package server assembles the HTTP surface: health and version probes,
// the jobs API, and the optional token-guarded admin endpoint.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/slurmscope/slurmscope/internal/appid"
	apperrors "github.com/slurmscope/slurmscope/internal/errors"
	"github.com/slurmscope/slurmscope/internal/server/handlers"
	"github.com/slurmscope/slurmscope/internal/server/middleware"
)

// Server is the HTTP server for the API and operational endpoints.
type Server struct {
	host string
	port int

	api      *handlers.JobsAPI
	onSignal func(ctx context.Context, signal string) error

	router chi.Router
	http   *http.Server
}

// Option customizes a Server before its routes are built.
type Option func(*Server)

// WithJobsAPI mounts the jobs API under /api/v1.
func WithJobsAPI(api *handlers.JobsAPI) Option {
	return func(s *Server) { s.api = api }
}

// WithSignalHandler wires the sink for admin signals. Without it the
// admin endpoint rejects all signals.
func WithSignalHandler(fn func(ctx context.Context, signal string) error) Option {
	return func(s *Server) { s.onSignal = fn }
}

// New builds a server listening on host:port once Start is called.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{host: host, port: port}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured listen port.
func (s *Server) Port() int { return s.port }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return fmt.Sprintf("%s:%d", s.host, s.port) }

// Start runs the server until ctx is cancelled, then drains connections
// within shutdownTimeout.
func (s *Server) Start(ctx context.Context, readTimeout, writeTimeout, idleTimeout, shutdownTimeout time.Duration) error {
	s.http = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteError(w, req, http.StatusNotFound, apperrors.CodeNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteError(w, req, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	s.registerAdminEndpoint(r)

	if s.api != nil {
		r.Mount("/api/v1", s.api.Routes())
	}

	return r
}

// registerAdminEndpoint mounts POST /admin/signal when an admin token is
// configured. Without a token the route does not exist at all.
func (s *Server) registerAdminEndpoint(r chi.Router) {
	token := adminToken()
	if token == "" {
		return
	}

	r.Post("/admin/signal", func(w http.ResponseWriter, req *http.Request) {
		if !authorized(req, token) {
			apperrors.WriteError(w, req, http.StatusUnauthorized, apperrors.CodeUnauthorized, "invalid admin token")
			return
		}

		var body struct {
			Signal string `json:"signal"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Signal == "" {
			apperrors.WriteError(w, req, http.StatusBadRequest, apperrors.CodeValidationError, "signal is required")
			return
		}

		if s.onSignal == nil {
			apperrors.WriteError(w, req, http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, "no signal handler configured")
			return
		}
		if err := s.onSignal(req.Context(), body.Signal); err != nil {
			apperrors.RespondWithError(w, req, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "signal": body.Signal})
	})
}

// adminToken resolves the admin token from the identity-prefixed env
// var, falling back to the stock name so rebranded builds still honor
// standard deployment manifests.
func adminToken() string {
	if token := os.Getenv(appid.Get().EnvPrefix + "_ADMIN_TOKEN"); token != "" {
		return token
	}
	return os.Getenv("SLURMSCOPE_ADMIN_TOKEN")
}

func authorized(r *http.Request, token string) bool {
	header := r.Header.Get("Authorization")
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
