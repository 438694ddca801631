package roster

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMaxBodySize(t *testing.T) {
	tests := []struct {
		name       string
		limit      int64
		body       string
		wantStatus int
	}{
		{"under limit", 16, `{"a":1}`, http.StatusOK},
		{"at limit", 7, `{"a":1}`, http.StatusOK},
		{"declared length over limit", 4, `{"a":1}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := Handler()(MaxBodySize(tt.limit)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				called = true
				SetResponse(r, http.StatusOK, nil)
			})))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("unexpected handler invocation: %v", called)
			}
		})
	}
}

func TestMaxBodySize_WrapsBody(t *testing.T) {
	var readErr error
	handler := MaxBodySize(4)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
	req.ContentLength = -1
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var maxErr *http.MaxBytesError
	if !errors.As(readErr, &maxErr) {
		t.Errorf("expected MaxBytesError, got %v", readErr)
	}
}

func TestMaxBodySize_DefaultLimit(t *testing.T) {
	handler := MaxBodySize(0)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.ContentLength = DefaultMaxBodyBytes + 1
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rec.Code)
	}
}
