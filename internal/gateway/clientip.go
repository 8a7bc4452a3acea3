package gateway

import (
	"net/http"
	"strings"
)

// UnknownClient is the identity of callers that send neither forwarding
// header. All of them share one bucket per route.
const UnknownClient = "unknown"

// ClientID returns the first hop of X-Forwarded-For, else X-Real-IP, else
// UnknownClient. RemoteAddr is not consulted: behind the load balancer it is
// always the balancer itself.
func ClientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return UnknownClient
}
