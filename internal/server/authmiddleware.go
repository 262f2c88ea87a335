package server

import (
	"encoding/json"
	"net/http"

	"github.com/pipeworks-ai/pipeworks/internal/auth"
)

// AuthMiddleware rejects requests whose bearer token does not match the
// configured API key. Installed only on the routes that require a caller
// identity; completion and valve endpoints stay open, matching the
// historical surface.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, err := auth.ExtractAPIKey(r)
			if err != nil {
				unauthorized(w)
				return
			}
			if err := authenticator.Validate(apiKey); err != nil {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"detail": "Invalid API key"})
}
