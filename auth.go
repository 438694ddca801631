package roster

import (
	"context"
	"net/http"
	"slices"
)

type authContextKey string

const (
	apiKeyKey authContextKey = "api_key"
	roleKey   authContextKey = "role"
)

// APIKeyHeader carries the caller credential.
const APIKeyHeader = "X-API-Key"

// Role is the permission level attached to an API key.
type Role string

// Known roles.
const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// RoleResolver maps an API key to its role. It reports false for unknown keys.
//
// Resolvers are called concurrently and must be safe for concurrent use.
type RoleResolver func(key string) (Role, bool)

// StaticKeys returns a resolver over a fixed key to role table.
func StaticKeys(keys map[string]Role) RoleResolver {
	table := make(map[string]Role, len(keys))
	for k, v := range keys {
		table[k] = v
	}
	return func(key string) (Role, bool) {
		role, ok := table[key]
		return role, ok
	}
}

// APIKey returns middleware that authenticates the X-API-Key header.
// A missing key is rejected with 401 and an unknown key with 403. The key and its
// role are stored in the request context for APIKeyFromContext and RoleFromContext.
//
//	r.Use(roster.APIKey(roster.StaticKeys(map[string]roster.Role{
//		"admin-key": roster.RoleAdmin,
//		"user-key":  roster.RoleUser,
//	})))
func APIKey(resolve RoleResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				fail(w, r, ErrUnauthorized.With("Missing API Key"))
				return
			}

			role, ok := resolve(key)
			if !ok {
				fail(w, r, ErrForbidden.With("Invalid API Key"))
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyKey, key)
			ctx = context.WithValue(ctx, roleKey, role)
			logAdd(ctx, "role", string(role))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole returns middleware that admits only callers authenticated by APIKey
// with one of the given roles, and rejects everyone else with 403.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := RoleFromContext(r.Context())
			if !ok || !slices.Contains(roles, role) {
				msg := "Insufficient role"
				if len(roles) == 1 && roles[0] == RoleAdmin {
					msg = "Admin access required"
				}
				fail(w, r, ErrForbidden.With(msg))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyFromContext returns the authenticated API key.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyKey).(string)
	return key, ok
}

// RoleFromContext returns the role of the authenticated caller.
func RoleFromContext(ctx context.Context) (Role, bool) {
	role, ok := ctx.Value(roleKey).(Role)
	return role, ok
}
