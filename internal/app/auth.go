package app

import (
	"crypto/subtle"
	"net/http"

	"kioskads/internal/apperr"
)

// Authorizer decides whether a request may mutate the registry.
type Authorizer interface {
	AuthorizeAdmin(r *http.Request) error
}

// APIKeyAuthorizer accepts requests carrying the configured key in X-API-Key.
// An empty key admits every request.
type APIKeyAuthorizer struct {
	Key string
}

const apiKeyHeader = "X-API-Key"

func (a APIKeyAuthorizer) AuthorizeAdmin(r *http.Request) error {
	if a.Key == "" {
		return nil
	}
	got := r.Header.Get(apiKeyHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.Key)) != 1 {
		return apperr.Unauthorized("admin credentials required")
	}
	return nil
}
