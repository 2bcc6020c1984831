// Package metadata extracts client provenance (origin address, User-Agent)
// from inbound requests and places normalized values on the request context.
package metadata

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"onboard/pkg/requestcontext"
)

const maxUserAgentLen = 512

// ClientMetadata captures the client IP and User-Agent early in the chain so
// handlers and services read them from the context only.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = requestcontext.WithClientIP(ctx, NormalizeOrigin(ClientIPFromRequest(r)))
		ctx = requestcontext.WithUserAgent(ctx, NormalizeUserAgent(r.Header.Get("User-Agent")))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// NormalizeOrigin maps absent or placeholder addresses to "". The session
// layer treats "" as an unknown origin exempt from the per-address cap.
func NormalizeOrigin(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.EqualFold(addr, "unknown") {
		return ""
	}
	return addr
}

// NormalizeUserAgent reduces a raw User-Agent header to a compact
// "browser version (os)" summary for storage. Unparseable agents are kept
// verbatim, truncated to a bounded length.
func NormalizeUserAgent(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	if name != "" {
		summary := name
		if version != "" {
			summary += " " + version
		}
		if os := ua.OS(); os != "" {
			summary += " (" + os + ")"
		}
		return summary
	}
	if len(raw) > maxUserAgentLen {
		return raw[:maxUserAgentLen]
	}
	return raw
}

// ClientIPFromRequest extracts the real client IP, handling proxies and load
// balancers.
func ClientIPFromRequest(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs; the first is the client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	// RemoteAddr is "ip:port" ("[::1]:port" for IPv6).
	if addr := r.RemoteAddr; addr != "" {
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return strings.Trim(addr[:idx], "[]")
		}
		return addr
	}
	return ""
}
