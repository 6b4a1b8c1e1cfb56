package middleware

import (
	"net"
	"net/http"
	"strconv"

	"github.com/znz-systems/mailpipe/internal/ratelimit"
)

// RateLimit returns middleware that rate-limits requests per acting user,
// falling back to the client IP when no user is known yet. When the limit is
// exceeded it responds with 429 Too Many Requests and a JSON error body.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientIP(r)
			if id := UserIDFromContext(r.Context()); id > 0 {
				key = "user:" + strconv.FormatInt(id, 10)
			}

			if !limiter.Allow(key) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// If RemoteAddr has no port, use it as-is.
		return r.RemoteAddr
	}
	return ip
}
