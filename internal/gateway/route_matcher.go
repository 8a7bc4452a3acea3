package gateway

import (
	"net/http"
	"strings"

	"github.com/ideahub/ideahub/internal/routing"
)

// ResolveRule attaches the first matching rule to requests under apiPrefix.
// Requests that match no rule, or live outside the prefix, pass through
// untouched and are never throttled.
func ResolveRule(rt *routing.Table, apiPrefix string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := routing.Normalize(r.URL.Path)
			if !underPrefix(p, apiPrefix) {
				next.ServeHTTP(w, r)
				return
			}

			rule, ok := rt.Match(r.Method, p)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, routing.WithRule(r, rule))
		})
	}
}

func underPrefix(p, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	base := strings.TrimSuffix(prefix, "/")
	return p == base || strings.HasPrefix(p, base+"/")
}
