package roster_test

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/roster"
	"github.com/nhalm/roster/idempotency"
	"github.com/nhalm/roster/ratelimit"
	"github.com/nhalm/roster/store"
)

func ExampleHandler() {
	r := chi.NewRouter()
	r.Use(roster.Handler(roster.WithCanonlog()))

	r.Get("/health", func(_ http.ResponseWriter, r *http.Request) {
		roster.SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func ExampleSetError() {
	handler := func(_ http.ResponseWriter, r *http.Request) {
		roster.SetError(r, roster.ErrNotFound.With("User not found"))
	}
	_ = handler
}

func ExampleNewRateLimiter() {
	st := store.NewMemory()
	defer st.Close()

	// 5 requests per 10 seconds per API key, or per IP for anonymous callers
	limiter := roster.NewRateLimiter(ratelimit.New(st, 5, 10*time.Second))

	r := chi.NewRouter()
	r.Use(roster.Handler())
	r.Use(limiter.Handler)
}

func ExampleIdempotency() {
	st := store.NewMemory()
	defer st.Close()

	cache := idempotency.New(st)

	r := chi.NewRouter()
	r.Use(roster.Handler())
	r.With(roster.Idempotency(cache)).Post("/users", func(_ http.ResponseWriter, r *http.Request) {
		roster.SetResponse(r, http.StatusCreated, map[string]string{"name": "alice"})
	})
}

func ExampleRequireRole() {
	keys := roster.StaticKeys(map[string]roster.Role{
		"admin-key": roster.RoleAdmin,
		"user-key":  roster.RoleUser,
	})

	r := chi.NewRouter()
	r.Use(roster.Handler())
	r.Use(roster.APIKey(keys))
	r.Route("/admin", func(r chi.Router) {
		r.Use(roster.RequireRole(roster.RoleAdmin))
		r.Delete("/users", func(_ http.ResponseWriter, r *http.Request) {
			roster.SetResponse(r, http.StatusOK, map[string]int{"deleted_count": 0})
		})
	})
}
