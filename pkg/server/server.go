package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mnohosten/klara-db/pkg/auth"
	"github.com/mnohosten/klara-db/pkg/engine"
	"github.com/mnohosten/klara-db/pkg/metrics"
)

// Server exposes the engine's introspection and admin surface over
// HTTP: stats, schema, committed data, snapshots, prometheus metrics
// and the websocket change feed. It never exposes a transactional
// write path; embedding programs own that.
type Server struct {
	config       *Config
	eng          *engine.Engine
	authMgr      *auth.Manager
	router       *chi.Mux
	httpSrv      *http.Server
	promExporter *metrics.PrometheusExporter
	startTime    time.Time
}

// New creates a server over an engine. The auth manager may be nil
// when Config.EnableAuth is false.
func New(config *Config, eng *engine.Engine, authMgr *auth.Manager) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.EnableAuth && authMgr == nil {
		return nil, fmt.Errorf("auth enabled but no auth manager provided")
	}

	s := &Server{
		config:       config,
		eng:          eng,
		authMgr:      authMgr,
		router:       chi.NewRouter(),
		promExporter: metrics.NewPrometheusExporter(eng.Metrics()),
		startTime:    time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	if s.config.EnableLogging {
		s.router.Use(middleware.Logger)
	}
	s.router.Use(s.requestSizeLimitMiddleware)
}

func (s *Server) setupRoutes() {
	s.router.Get("/_health", s.handleHealth)
	s.router.Post("/_auth/login", s.handleLogin)
	s.router.Get("/_metrics", s.handlePrometheusMetrics)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requirePermission(auth.PermissionViewStats))
		r.Get("/_stats", s.handleStats)
		r.Get("/_schema", s.handleSchema)
		r.Get("/_slow", s.handleSlowTxns)
	})

	s.router.Group(func(r chi.Router) {
		r.Use(s.requirePermission(auth.PermissionViewData))
		r.Get("/{store}/{table}", s.handleScanTable)
		r.Get("/{store}/{table}/{pk}", s.handleReadRow)
	})

	s.router.Group(func(r chi.Router) {
		r.Use(s.requirePermission(auth.PermissionSnapshot))
		r.Get("/_snapshot/{store}", s.handleSnapshot)
	})

	s.router.Group(func(r chi.Router) {
		r.Use(s.requirePermission(auth.PermissionWatch))
		r.Get("/_watch", s.handleWatch)
	})
}

// Start begins serving. It blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return s.httpSrv.Addr
}

// Router exposes the router for tests
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) requestSizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
		next.ServeHTTP(w, r)
	})
}

// requirePermission guards a route group. Without auth enabled every
// request passes; with auth the bearer token must resolve to a role
// granting the permission.
func (s *Server) requirePermission(perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.config.EnableAuth {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
				return
			}
			session, err := s.authMgr.ValidateToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
				return
			}
			if !auth.HasPermission(session.Role, perm) {
				writeError(w, http.StatusForbidden, "Forbidden", "permission denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
