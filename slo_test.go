package roster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSLO_SetsTierInContext(t *testing.T) {
	tests := []struct {
		tier   SLOTier
		target time.Duration
	}{
		{SLOHighFast, 100 * time.Millisecond},
		{SLOHighSlow, time.Second},
		{SLOLow, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			var gotTier SLOTier
			var gotTarget time.Duration
			var ok bool

			handler := SLO(tt.tier)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				gotTier, gotTarget, ok = GetSLO(r.Context())
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

			if !ok {
				t.Fatal("expected SLO in context")
			}
			if gotTier != tt.tier {
				t.Errorf("expected tier %s, got %s", tt.tier, gotTier)
			}
			if gotTarget != tt.target {
				t.Errorf("expected target %v, got %v", tt.target, gotTarget)
			}
		})
	}
}

func TestSLOWithTarget(t *testing.T) {
	var tier SLOTier
	var target time.Duration
	handler := SLOWithTarget(250 * time.Millisecond)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		tier, target, _ = GetSLO(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if tier != "custom" || target != 250*time.Millisecond {
		t.Errorf("expected custom/250ms, got %s/%v", tier, target)
	}
}

func TestGetSLO_NotSet(t *testing.T) {
	tier, target, ok := GetSLO(context.Background())
	if ok || tier != "" || target != 0 {
		t.Errorf("expected empty values, got %q, %v, %v", tier, target, ok)
	}
}

func TestSLOTier_UnknownTarget(t *testing.T) {
	if got := SLOTier("nope").Target(); got != 0 {
		t.Errorf("expected zero target for unknown tier, got %v", got)
	}
}

func TestSLO_RecordsTierOnState(t *testing.T) {
	var state *State
	handler := Handler()(SLO(SLOLow)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		state = getState(r.Context())
		SetResponse(r, http.StatusOK, nil)
	})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/admin/users", http.NoBody))

	if state == nil || state.slo == nil {
		t.Fatal("expected SLO to be recorded on the request state")
	}
	if state.slo.tier != SLOLow || state.slo.target != 5*time.Second {
		t.Errorf("expected low/5s, got %s/%v", state.slo.tier, state.slo.target)
	}
}
