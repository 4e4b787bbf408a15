package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/pix-storefront/internal/common"
)

// ByClientIP keys requests by the caller address.
func ByClientIP(r *http.Request) string { return common.ClientIP(r) }

// Guard rejects requests over Policy with 429 RATE_LIMITED. A limiter
// failure lets the request through and is logged.
type Guard struct {
	Limiter Limiter
	Policy  Policy
	Key     func(*http.Request) string
	Logger  zerolog.Logger
}

func (g Guard) Middleware(next http.Handler) http.Handler {
	if g.Limiter == nil || g.Policy.unlimited() {
		return next
	}
	keyFn := g.Key
	if keyFn == nil {
		keyFn = ByClientIP
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFn(r)
		d, err := g.Limiter.Take(r.Context(), key, g.Policy)
		if err != nil {
			g.Logger.Warn().Err(err).Str("policy", g.Policy.Name).Msg("rate_limit_failed")
			next.ServeHTTP(w, r)
			return
		}
		writeHeaders(w.Header(), d)
		if !d.Allowed {
			g.Logger.Info().Str("policy", g.Policy.Name).Str("key", key).Msg("rate_limited")
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, retry later", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeHeaders(h http.Header, d Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		wait := time.Until(d.ResetAt).Round(time.Second)
		h.Set("Retry-After", strconv.Itoa(int(max(wait, 0)/time.Second)))
	}
}
