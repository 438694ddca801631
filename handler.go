package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
)

// HandlerOption configures the Handler middleware.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	canonlog       bool
	canonlogFields func(*http.Request) map[string]any
	slosEnabled    bool
}

// WithCanonlog emits one canonical log line per request with method, path, route,
// status and duration_ms. Errors set via SetError and recovered panics are added to
// the line. Other middleware may add fields through canonlog.InfoAdd.
func WithCanonlog() HandlerOption {
	return func(c *handlerConfig) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds fields computed from the request at request start.
func WithCanonlogFields(fn func(*http.Request) map[string]any) HandlerOption {
	return func(c *handlerConfig) {
		c.canonlogFields = fn
	}
}

// WithSLOs logs slo_class and slo_status (PASS or FAIL) for routes wrapped with SLO.
// Requires WithCanonlog.
func WithSLOs() HandlerOption {
	return func(c *handlerConfig) {
		c.slosEnabled = true
	}
}

// Handler returns middleware that owns the response of every request below it.
func Handler(opts ...HandlerOption) func(http.Handler) http.Handler {
	cfg := &handlerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &State{}
			ctx := context.WithValue(r.Context(), stateKey, state)
			start := time.Now()

			if cfg.canonlog {
				ctx = canonlog.NewContext(ctx)
				canonlog.InfoAddMany(ctx, map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				})
				if cfg.canonlogFields != nil {
					canonlog.InfoAddMany(ctx, cfg.canonlogFields(r))
				}
			}

			r = r.WithContext(ctx)

			defer func() {
				if rec := recover(); rec != nil {
					state.mu.Lock()
					state.err = ErrInternal
					state.mu.Unlock()
					if cfg.canonlog {
						canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
					}
				}

				if cfg.canonlog {
					logOutcome(ctx, r, state, time.Since(start), cfg.slosEnabled)
				}

				writeResponse(w, state)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func logOutcome(ctx context.Context, r *http.Request, state *State, duration time.Duration, slos bool) {
	out := state.snapshot()
	status := out.status
	if out.err != nil {
		status = out.err.Status
		canonlog.ErrorAdd(ctx, out.err)
	}
	if status == 0 {
		status = http.StatusOK
	}

	route := r.URL.Path
	if rctx := chi.RouteContext(ctx); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			route = pattern
		}
	}

	canonlog.InfoAddMany(ctx, map[string]any{
		"route":       route,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})

	if slos {
		state.mu.Lock()
		slo := state.slo
		state.mu.Unlock()
		if slo != nil {
			tier, target := slo.tier, slo.target
			sloStatus := "PASS"
			if duration > target {
				sloStatus = "FAIL"
			}
			canonlog.InfoAdd(ctx, "slo_class", string(tier))
			canonlog.InfoAdd(ctx, "slo_status", sloStatus)
		}
	}

	canonlog.Flush(ctx)
}

func writeResponse(w http.ResponseWriter, state *State) {
	state.mu.Lock()
	defer state.mu.Unlock()

	for key, values := range state.headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	switch {
	case state.err != nil:
		writeJSON(w, state.err.Status, errorResponse{Error: state.err})
	case state.body != nil:
		status := state.status
		if status == 0 {
			status = http.StatusOK
		}
		writeJSON(w, status, state.body)
	case state.status != 0:
		w.WriteHeader(state.status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// logAdd adds a field to the request's canonical log line, if there is one.
func logAdd(ctx context.Context, key string, value any) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAdd(ctx, key, value)
	}
}

func logError(ctx context.Context, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.ErrorAdd(ctx, err)
	}
}
