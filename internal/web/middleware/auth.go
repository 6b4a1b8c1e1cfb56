package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/znz-systems/mailpipe/internal/auth"
)

// contextKey is an unexported type used for context keys in this package.
type contextKey string

// UserIDContextKey is the context key used to store the acting user id.
const UserIDContextKey contextKey = "user_id"

// UserIDHeader carries the acting user. Identity is established upstream;
// this service only trusts callers holding the trigger token.
const UserIDHeader = "X-User-ID"

// BearerToken returns middleware that rejects requests whose bearer token
// does not match the bcrypt hash. An empty hash rejects everything.
func BearerToken(hash []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || auth.CheckToken(hash, token) != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUser reads the acting user id from the X-User-ID header.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(UserIDHeader), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "X-User-ID must be a positive integer")
			return
		}
		ctx := context.WithValue(r.Context(), UserIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDFromContext returns the acting user id, or 0 if none is present.
func UserIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(UserIDContextKey).(int64)
	return id
}

// WithUserID stores a user id in ctx. Handler tests use it to skip RequireUser.
func WithUserID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, UserIDContextKey, id)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"ok":    false,
		"error": msg,
	})
}
