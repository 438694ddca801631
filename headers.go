package roster

// Request correlation: every request carries an X-Request-ID, taken from the
// client when it sends a usable one and generated otherwise. The ID is echoed in the
// response and added to the canonical log line.

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request correlation ID.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 128

type headerContextKey string

const requestIDKey headerContextKey = "request_id"

// RequestID returns middleware that assigns a correlation ID to each request.
// Client-supplied IDs longer than 128 bytes or containing non-printable characters
// are replaced.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if !validRequestID(id) {
				id = uuid.NewString()
			}

			ctx := context.WithValue(r.Context(), requestIDKey, id)
			r = r.WithContext(ctx)
			logAdd(ctx, "request_id", id)
			header(w, r, RequestIDHeader, id)

			next.ServeHTTP(w, r)
		})
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// RequestIDFromContext returns the request's correlation ID.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}
