package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nhalm/roster/idempotency"
)

// Idempotency headers.
const (
	IdempotencyKeyHeader      = "Idempotency-Key"
	IdempotentReplayedHeader  = "Idempotent-Replayed"
	idempotencyReleaseTimeout = 5 * time.Second
)

type idempotencyConfig struct {
	required bool
}

// IdempotencyOption configures the Idempotency middleware.
type IdempotencyOption func(*idempotencyConfig)

// IdempotencyRequired rejects requests without an Idempotency-Key header with 400.
func IdempotencyRequired() IdempotencyOption {
	return func(c *idempotencyConfig) {
		c.required = true
	}
}

// Idempotency returns middleware that makes the wrapped handler safe to retry.
//
// A request carrying an Idempotency-Key runs at most once per (API key, token,
// method, path) within the cache TTL. Retries get the recorded status and body with
// Idempotent-Replayed: true. A retry that arrives while the first attempt is still
// running gets 409 request_in_progress with Retry-After: 1. Only 2xx responses are
// recorded; after a failure the same token may be used again.
//
// The middleware must run inside Handler, because it reads the response recorded
// with SetResponse.
func Idempotency(cache *idempotency.Cache, opts ...IdempotencyOption) func(http.Handler) http.Handler {
	cfg := &idempotencyConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			state := getState(ctx)
			if state == nil {
				http.Error(w, "Idempotency requires the Handler middleware", http.StatusInternalServerError)
				return
			}

			token := r.Header.Get(IdempotencyKeyHeader)
			if token == "" {
				if cfg.required {
					SetError(r, ErrBadRequest.WithParam("Idempotency-Key header is required", IdempotencyKeyHeader))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if err := idempotency.ValidateToken(token); err != nil {
				SetError(r, ErrBadRequest.WithParam("Invalid Idempotency-Key header", IdempotencyKeyHeader))
				return
			}

			credential, ok := APIKeyFromContext(ctx)
			if !ok {
				credential = r.Header.Get(APIKeyHeader)
			}
			key := idempotency.Key(credential, token, r.Method, r.URL.Path)

			claim, replay, err := cache.Acquire(ctx, key)
			switch {
			case errors.Is(err, idempotency.ErrInProgress):
				logAdd(ctx, "idempotency", "in_progress")
				SetHeader(r, "Retry-After", "1")
				SetError(r, ErrRequestInProgress)
				return
			case err != nil:
				logError(ctx, err)
				SetError(r, ErrServiceUnavailable.With("idempotency store unavailable"))
				return
			case replay != nil:
				logAdd(ctx, "idempotency", "replayed")
				SetHeader(r, IdempotentReplayedHeader, "true")
				SetResponse(r, replay.Status, replay.Body)
				return
			}

			logAdd(ctx, "idempotency", "executed")
			committed := false
			defer func() {
				if committed {
					return
				}
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), idempotencyReleaseTimeout)
				defer cancel()
				if err := claim.Release(rctx); err != nil {
					logError(ctx, err)
				}
			}()

			next.ServeHTTP(w, r)

			out := state.snapshot()
			if out.err != nil || out.status < 200 || out.status > 299 || out.body == nil {
				return
			}
			body, err := json.Marshal(out.body)
			if err != nil {
				logError(ctx, fmt.Errorf("idempotency: encode response: %w", err))
				return
			}

			// The operation already happened; record it even if the client went away.
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), idempotencyReleaseTimeout)
			defer cancel()
			if err := claim.Commit(cctx, out.status, body); err != nil {
				logError(ctx, err)
				return
			}
			committed = true
		})
	}
}
