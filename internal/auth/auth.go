// Package auth validates bearer API keys on the authenticated endpoints.
// The runtime is single-tenant: one configured key grants access to the
// pipeline listing and model endpoints.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// Authenticator checks presented bearer tokens against the configured key.
type Authenticator struct {
	key string
}

// New creates an Authenticator for the given API key.
func New(key string) *Authenticator {
	return &Authenticator{key: key}
}

// Validate checks an API key in constant time.
func (a *Authenticator) Validate(apiKey string) error {
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(a.key)) != 1 {
		return fmt.Errorf("invalid API key")
	}
	return nil
}

// ExtractAPIKey pulls the bearer token from the Authorization header.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	return parts[1], nil
}
