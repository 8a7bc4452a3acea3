package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"
	"golang.org/x/time/rate"

	"github.com/ideahub/ideahub/internal/ratelimit"
	"github.com/ideahub/ideahub/internal/routing"
)

const rateLimitedBody = `{"error":{"message":"RATE_LIMITED"}}`

// Hooks observe admission outcomes. Any of them may be nil.
type Hooks struct {
	OnDecision func(r *http.Request, rule *routing.Rule, clientID string, dec ratelimit.Decision)
	OnError    func(routeID string)
}

// MergeHooks fans each callback out to every non-nil hook in order.
func MergeHooks(hs ...Hooks) Hooks {
	return Hooks{
		OnDecision: func(r *http.Request, rule *routing.Rule, clientID string, dec ratelimit.Decision) {
			for _, h := range hs {
				if h.OnDecision != nil {
					h.OnDecision(r, rule, clientID, dec)
				}
			}
		},
		OnError: func(routeID string) {
			for _, h := range hs {
				if h.OnError != nil {
					h.OnError(routeID)
				}
			}
		},
	}
}

type RateLimitOptions struct {
	Limiter    ratelimit.Limiter
	RetryAfter int              // seconds, sent on every rejection
	Now        func() time.Time // defaults to time.Now
	Hooks      Hooks
}

// RateLimit admits or rejects requests carrying a rule from ResolveRule.
// Each (client, normalized path) pair owns its own bucket.
func RateLimit(opts RateLimitOptions) Middleware {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 3
	}
	retryAfter := strconv.Itoa(opts.RetryAfter)
	logSample := &rate.Sometimes{Interval: time.Second}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rule, ok := routing.RuleFrom(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			clientID := ClientID(r)
			key := ratelimit.Key(clientID, routing.Normalize(r.URL.Path))

			dec, err := opts.Limiter.Allow(r.Context(), key, rule.Policy, opts.Now())
			if err != nil {
				if opts.Hooks.OnError != nil {
					opts.Hooks.OnError(rule.ID)
				}
				hlog.FromRequest(r).Error().Err(err).Str("route", rule.ID).Msg("rate limiter failed")
				writeJSON(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			if opts.Hooks.OnDecision != nil {
				opts.Hooks.OnDecision(r, rule, clientID, dec)
			}

			if !dec.Allowed {
				logSample.Do(func() {
					hlog.FromRequest(r).Warn().
						Str("route", rule.ID).
						Str("client", clientID).
						Str("key", key).
						Dur("wait", dec.Wait).
						Msg("rate limited")
				})
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", retryAfter)
				w.Header().Set("Cache-Control", "no-store")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(rateLimitedBody))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
