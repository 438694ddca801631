package roster

// Latency objectives per route. SLO stores a tier in the request context and
// Handler (with WithSLOs) logs whether the request met it.

import (
	"context"
	"net/http"
	"time"
)

// SLOTier is a latency class.
type SLOTier string

const (
	// SLOHighFast is for point reads and writes on a single user (100ms).
	SLOHighFast SLOTier = "high_fast"

	// SLOHighSlow is for requests that scan the registry (1000ms).
	SLOHighSlow SLOTier = "high_slow"

	// SLOLow is for administrative bulk operations (5000ms).
	SLOLow SLOTier = "low"

	sloCustom SLOTier = "custom"
)

// Target returns the latency target of a predefined tier.
func (t SLOTier) Target() time.Duration {
	switch t {
	case SLOHighFast:
		return 100 * time.Millisecond
	case SLOHighSlow:
		return time.Second
	case SLOLow:
		return 5 * time.Second
	default:
		return 0
	}
}

type sloContextKey string

const sloConfigKey sloContextKey = "slo_config"

type sloConfig struct {
	tier   SLOTier
	target time.Duration
}

// SLO tags requests with a predefined tier.
func SLO(tier SLOTier) func(http.Handler) http.Handler {
	return withSLO(tier, tier.Target())
}

// SLOWithTarget tags requests with a custom target; the tier is logged as "custom".
func SLOWithTarget(target time.Duration) func(http.Handler) http.Handler {
	return withSLO(sloCustom, target)
}

func withSLO(tier SLOTier, target time.Duration) func(http.Handler) http.Handler {
	cfg := &sloConfig{tier: tier, target: target}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), sloConfigKey, cfg)
			if state := getState(ctx); state != nil {
				// Handler logs from its own context, which never sees values added here.
				state.mu.Lock()
				state.slo = cfg
				state.mu.Unlock()
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSLO returns the tier and target set by SLO or SLOWithTarget.
func GetSLO(ctx context.Context) (SLOTier, time.Duration, bool) {
	cfg, ok := ctx.Value(sloConfigKey).(*sloConfig)
	if !ok {
		return "", 0, false
	}
	return cfg.tier, cfg.target, true
}
