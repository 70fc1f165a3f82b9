// Package server exposes the graph over HTTP: snapshots, seeding, the
// selection and layout mutations a renderer needs, and a websocket stream
// of snapshots.
package server

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ryandielhenn/xanadu/internal/telemetry"
	"github.com/ryandielhenn/xanadu/pkg/graph"
	"github.com/ryandielhenn/xanadu/pkg/loader"
)

const DefaultSeedTimeout = 15 * time.Second

type Server struct {
	store   *graph.Store
	loader  *loader.Loader
	fetcher loader.Fetcher
	logger  *zap.Logger

	// base outlives requests; traversals started by /graph/seed run under it.
	base        context.Context
	seedTimeout time.Duration
	origins     []string

	validate *validator.Validate
	upgrader websocket.Upgrader
}

type Option func(*Server)

// WithAllowedOrigins restricts cross-origin callers. No origins allows any.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

func WithSeedTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.seedTimeout = d
		}
	}
}

func New(base context.Context, store *graph.Store, ld *loader.Loader, fetcher loader.Fetcher, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:       store,
		loader:      ld,
		fetcher:     fetcher,
		logger:      logger.Named("server"),
		base:        base,
		seedTimeout: DefaultSeedTimeout,
		validate:    validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader.CheckOrigin = s.originAllowed
	return s
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(s.origins) == 0 || origin == "" {
		return true
	}
	return slices.Contains(s.origins, origin)
}

// Routes builds the router. Every route except /metrics is instrumented.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(s.corsOptions()))

	handle := func(method, pattern, op string, h http.HandlerFunc) {
		r.Method(method, pattern, telemetry.Instrument(op, h))
	}

	handle(http.MethodGet, "/healthz", "healthz", s.Healthz)
	handle(http.MethodGet, "/info", "info", s.Info)
	r.Method(http.MethodGet, "/metrics", telemetry.MetricsHandler())

	r.Route("/graph", func(r chi.Router) {
		handle := func(method, pattern, op string, h http.HandlerFunc) {
			r.Method(method, pattern, telemetry.Instrument(op, h))
		}
		handle(http.MethodGet, "/", "graph", s.Graph)
		handle(http.MethodGet, "/missing", "missing", s.Missing)
		handle(http.MethodPost, "/seed", "seed", s.Seed)
		handle(http.MethodPost, "/advance", "advance", s.Advance)
		handle(http.MethodPut, "/nodes/{id}/position", "position", s.Position)
		handle(http.MethodPost, "/nodes/{id}/open", "open", s.ToggleOpen)
		handle(http.MethodPut, "/selection", "select", s.Select)
		handle(http.MethodDelete, "/selection", "unselect", s.ClearSelection)
		handle(http.MethodGet, "/ws", "stream", s.Stream)
	})
	return r
}

func (s *Server) corsOptions() cors.Options {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}
}
