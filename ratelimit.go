// Rate limiting middleware backed by a sliding-window ratelimit.Limiter.
//
// Callers are identified by their API key when they send one and by client IP
// otherwise. With RateLimitWithKeyResolver, only keys the resolver knows count. A rejected request gets 429 with Retry-After; when the limiter's store
// cannot be reached the request gets 503 and is never let through.
//
//	lim := ratelimit.New(st, 5, 10*time.Second)
//	r.Use(roster.NewRateLimiter(lim,
//		roster.RateLimitWithExemptPaths("/openapi.json"),
//	).Handler)

package roster

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/roster/ratelimit"
)

// RateLimitHeaderMode controls when rate limit headers are included in responses.
type RateLimitHeaderMode int

const (
	// RateLimitHeadersAlways includes RateLimit-Limit, RateLimit-Remaining and
	// RateLimit-Reset on every limited response (default).
	RateLimitHeadersAlways RateLimitHeaderMode = iota

	// RateLimitHeadersOnLimitExceeded includes them only on 429 responses.
	RateLimitHeadersOnLimitExceeded

	// RateLimitHeadersNever omits them. Retry-After is still sent on 429.
	RateLimitHeadersNever
)

// DefaultExemptPaths are never rate limited.
var DefaultExemptPaths = []string{"/docs", "/openapi.json", "/redoc", "/favicon.ico"}

// RateLimiter implements rate limiting middleware.
type RateLimiter struct {
	limiter    *ratelimit.Limiter
	exempt     map[string]struct{}
	trustProxy bool
	headerMode RateLimitHeaderMode
	resolve    RoleResolver
	now        func() time.Time
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// RateLimitWithHeaderMode configures when rate limit headers are included.
func RateLimitWithHeaderMode(mode RateLimitHeaderMode) RateLimitOption {
	return func(l *RateLimiter) {
		l.headerMode = mode
	}
}

// RateLimitWithExemptPaths replaces the set of paths that bypass the limiter.
func RateLimitWithExemptPaths(paths ...string) RateLimitOption {
	return func(l *RateLimiter) {
		l.exempt = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			l.exempt[p] = struct{}{}
		}
	}
}

// RateLimitWithTrustedProxy identifies anonymous callers by X-Forwarded-For or
// X-Real-IP instead of RemoteAddr.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these headers.
// Without a proxy, clients can spoof X-Forwarded-For to bypass rate limits.
func RateLimitWithTrustedProxy() RateLimitOption {
	return func(l *RateLimiter) {
		l.trustProxy = true
	}
}

// RateLimitWithKeyResolver identifies callers by API key only when resolve knows the
// key. Unknown keys fall back to the client IP, so rotating made-up keys does not
// earn a fresh budget.
func RateLimitWithKeyResolver(resolve RoleResolver) RateLimitOption {
	return func(l *RateLimiter) {
		l.resolve = resolve
	}
}

// RateLimitWithClock overrides the time source.
func RateLimitWithClock(now func() time.Time) RateLimitOption {
	return func(l *RateLimiter) {
		l.now = now
	}
}

// NewRateLimiter wraps lim as HTTP middleware.
func NewRateLimiter(lim *ratelimit.Limiter, opts ...RateLimitOption) *RateLimiter {
	l := &RateLimiter{
		limiter:    lim,
		headerMode: RateLimitHeadersAlways,
		now:        time.Now,
	}
	RateLimitWithExemptPaths(DefaultExemptPaths...)(l)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Handler returns the rate limiting middleware.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := l.exempt[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		id := l.identify(r)
		logAdd(ctx, "rl_identifier", id)

		d, err := l.limiter.Admit(ctx, id, l.now())
		if err != nil {
			logError(ctx, err)
			if !errors.Is(err, ratelimit.ErrStoreUnavailable) {
				fail(w, r, ErrInternal.With("Rate limit check failed"))
				return
			}
			fail(w, r, ErrServiceUnavailable.With("rate limiter unavailable"))
			return
		}

		if l.headerMode == RateLimitHeadersAlways || (l.headerMode == RateLimitHeadersOnLimitExceeded && !d.Allowed) {
			header(w, r, "RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
			header(w, r, "RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			header(w, r, "RateLimit-Reset", strconv.FormatInt(int64(d.Reset/time.Second), 10))
		}

		if !d.Allowed {
			secs := int64(d.RetryAfter / time.Second)
			logAdd(ctx, "rl_rejected", true)
			header(w, r, "Retry-After", strconv.FormatInt(secs, 10))
			fail(w, r, ErrRateLimited.With(fmt.Sprintf("Too Many Requests, retry after %d seconds", secs)))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// identify returns the window identifier for r. API keys are hashed so that
// credentials never appear in store key names.
func (l *RateLimiter) identify(r *http.Request) string {
	if key := r.Header.Get(APIKeyHeader); key != "" && l.knownKey(key) {
		sum := sha256.Sum256([]byte(key))
		return "key:" + hex.EncodeToString(sum[:])[:16]
	}
	return "ip:" + l.clientIP(r)
}

func (l *RateLimiter) knownKey(key string) bool {
	if l.resolve == nil {
		return true
	}
	_, ok := l.resolve(key)
	return ok
}

func (l *RateLimiter) clientIP(r *http.Request) string {
	if l.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			return strings.TrimSpace(realIP)
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
