// Package api implements the Gebo pool REST API using chi.
package api

import (
	"net/http"
	"strings"

	"github.com/starford/gebo/internal/apikeys"
)

// APIKeyMiddleware validates the caller's API key against the injected key
// store. Keys arrive in "X-API-Key" or as "Authorization: Bearer <key>".
// A nil store disables authentication (local dev mode).
func APIKeyMiddleware(keys *apikeys.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keys == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-Key")
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if !keys.Valid(key) {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "missing or invalid API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
