package api

import (
	"log"
	"net/http"
	"strings"
)

// authorizer checks the single shared bearer key. An empty key disables
// auth entirely, which is the local-development mode.
type authorizer struct {
	enabled bool
	key     string
}

func newAuthorizer(key string) *authorizer {
	key = strings.TrimSpace(key)
	if key == "" {
		log.Printf("api auth disabled: no key configured")
		return &authorizer{enabled: false}
	}
	return &authorizer{enabled: true, key: key}
}

func (a *authorizer) authorize(r *http.Request) bool {
	if !a.enabled {
		return true
	}
	return bearerToken(r) == a.key
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}
