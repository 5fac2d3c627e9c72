package ratelimit

import (
	"net/http"
	"strings"
)

// UnknownClient is the key used when no address header is present. Every
// such caller shares one bucket.
const UnknownClient = "unknown"

// ClientKey derives the rate-limit key from proxy headers: the first entry
// of X-Forwarded-For, then X-Real-IP, then CF-Connecting-IP.
func ClientKey(h http.Header) string {
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	for _, name := range []string{"X-Real-IP", "CF-Connecting-IP"} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}

	return UnknownClient
}
