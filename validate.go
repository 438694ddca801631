// Body size limiting:
//
//	r.Use(roster.MaxBodySize(1 << 20))

package roster

import (
	"net/http"
)

// DefaultMaxBodyBytes is the request body limit used when none is configured.
const DefaultMaxBodyBytes int64 = 1 << 20

// MaxBodySize returns middleware that limits request body size.
//
// Requests whose Content-Length exceeds the limit are rejected with 413 before the
// handler runs. Every body is also wrapped in http.MaxBytesReader, so chunked or
// mislabelled bodies fail during JSON decoding and JSON reports 413 for them.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				fail(w, r, ErrPayloadTooLarge.With("Request body too large"))
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
