// Package api exposes the roster registry over HTTP.
//
// Every route runs inside roster.Handler, so handlers record their outcome with
// roster.SetResponse or roster.SetError and return. The middleware stack, outermost
// first, is: response handler with canonical logging, request ID, rate limiter, body
// size limit, then API-key authentication for everything except /health and
// /openapi.json.
package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/roster"
	"github.com/nhalm/roster/idempotency"
	"github.com/nhalm/roster/registry"
)

//go:embed openapi.json
var openAPIDocument []byte

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires the router to its collaborators. Users, Health, RateLimiter,
// Idempotency and Keys are required.
type Config struct {
	Users       registry.Repository
	Health      Pinger
	RateLimiter *roster.RateLimiter
	Idempotency *idempotency.Cache
	Keys        roster.RoleResolver

	// IdempotencyRequired rejects POST /users without an Idempotency-Key.
	IdempotencyRequired bool

	// MaxBodyBytes limits request bodies (default roster.DefaultMaxBodyBytes).
	MaxBodyBytes int64

	// HealthTimeout bounds the store ping on /health (default 2s).
	HealthTimeout time.Duration

	// Clock overrides time.Now for processing times and inactivity cutoffs.
	Clock func() time.Time
}

type server struct {
	users         registry.Repository
	health        Pinger
	healthTimeout time.Duration
	now           func() time.Time
}

// NewRouter builds the HTTP handler for the roster API.
func NewRouter(cfg Config) http.Handler {
	s := &server{
		users:         cfg.Users,
		health:        cfg.Health,
		healthTimeout: cfg.HealthTimeout,
		now:           cfg.Clock,
	}
	if s.healthTimeout <= 0 {
		s.healthTimeout = 2 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}

	var idempOpts []roster.IdempotencyOption
	if cfg.IdempotencyRequired {
		idempOpts = append(idempOpts, roster.IdempotencyRequired())
	}

	r := chi.NewRouter()
	r.Use(roster.Handler(roster.WithCanonlog(), roster.WithSLOs()))
	r.Use(roster.RequestID())
	r.Use(cfg.RateLimiter.Handler)
	r.Use(roster.MaxBodySize(cfg.MaxBodyBytes))

	r.NotFound(func(_ http.ResponseWriter, r *http.Request) {
		roster.SetError(r, roster.ErrNotFound.With("Not found"))
	})
	r.MethodNotAllowed(func(_ http.ResponseWriter, r *http.Request) {
		roster.SetError(r, roster.ErrMethodNotAllowed)
	})

	r.With(roster.SLO(roster.SLOHighFast)).Get("/health", s.healthCheck)
	r.Get("/openapi.json", serveOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(roster.APIKey(cfg.Keys))

		r.Route("/users", func(r chi.Router) {
			r.With(roster.SLO(roster.SLOHighFast), roster.Idempotency(cfg.Idempotency, idempOpts...)).Post("/", s.createUser)
			r.With(roster.SLO(roster.SLOHighSlow)).Get("/", s.listUsers)

			r.Route("/{name}", func(r chi.Router) {
				r.Use(roster.SLO(roster.SLOHighFast))
				r.Get("/", s.getUser)
				r.Delete("/", s.deleteUser)
				r.Post("/tags", s.addTags)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(roster.RequireRole(roster.RoleAdmin))
			r.Use(roster.SLO(roster.SLOLow))
			r.Delete("/users", s.deleteAllUsers)
			r.Delete("/users/inactive", s.deleteInactiveUsers)
		})
	})

	return r
}

func (s *server) healthCheck(_ http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.healthTimeout)
	defer cancel()

	if err := s.health.Ping(ctx); err != nil {
		logError(r.Context(), err)
		roster.SetError(r, roster.ErrServiceUnavailable.With("store unavailable"))
		return
	}
	roster.SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
}

func serveOpenAPI(_ http.ResponseWriter, r *http.Request) {
	roster.SetResponse(r, http.StatusOK, json.RawMessage(openAPIDocument))
}
