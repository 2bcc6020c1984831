// Package httpserver builds the http.Server the onboarding API runs on.
package httpserver

import (
	"net/http"
	"time"
)

// New returns a server tuned for the onboarding API: small JSON payloads and
// short-lived requests, so the timeouts are tight.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
