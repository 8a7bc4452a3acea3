package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type ctxKey int

const keyAdmin ctxKey = 0

// Store is a static in-memory admin key store: secret -> admin ID.
type Store struct {
	header   string
	bySecret map[string]string
}

// NewStatic creates a new static key store.
// header: HTTP header to read the key from (e.g., "X-Admin-Key")
// pairs: map of secret -> admin ID
func NewStatic(header string, pairs map[string]string) *Store {
	h := header
	if h == "" {
		h = "X-Admin-Key"
	}
	return &Store{header: h, bySecret: pairs}
}

func (s *Store) adminFor(secret string) (string, bool) {
	for known, id := range s.bySecret {
		if subtle.ConstantTimeCompare([]byte(known), []byte(secret)) == 1 {
			return id, true
		}
	}
	return "", false
}

// WithAdmin injects the admin ID into context.
func WithAdmin(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyAdmin, id)
}

// AdminFrom extracts the admin ID from context (if present).
func AdminFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(keyAdmin).(string)
	return id, ok && id != ""
}

// Middleware gates the wrapped handler on a known admin key.
func (s *Store) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hname := s.header

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := strings.TrimSpace(r.Header.Get(hname))
			if secret == "" {
				writeJSON(w, http.StatusUnauthorized, "missing_admin_key", "Provide admin key in "+hname)
				return
			}
			id, ok := s.adminFor(secret)
			if !ok {
				writeJSON(w, http.StatusForbidden, "invalid_admin_key", "Admin key not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAdmin(r.Context(), id)))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
