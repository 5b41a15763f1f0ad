// Package middleware provides HTTP middlewares for authentication and logging.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const userKey ctxKey = "user"

// TokenParser validates an access token and returns its user id.
type TokenParser interface {
	ParseAccessToken(token string) (string, error)
}

// BearerAuth rejects requests without a valid "Authorization: Bearer" access
// token with 401. An expired token is reported as {"error":"token_expired"}
// so clients know a refresh may help. The user id is stored in the request
// context.
func BearerAuth(tokens TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				unauthorized(w, "missing_token")
				return
			}
			userID, err := tokens.ParseAccessToken(raw)
			if err != nil {
				if errors.Is(err, jwt.ErrTokenExpired) {
					unauthorized(w, "token_expired")
				} else {
					unauthorized(w, "invalid_token")
				}
				return
			}
			ctx := context.WithValue(r.Context(), userKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// GetUserIDFromContext returns the authenticated user id, or an empty string
// outside BearerAuth.
func GetUserIDFromContext(ctx context.Context) string {
	val := ctx.Value(userKey)
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}

// WithUserID returns a copy of ctx carrying userID, as BearerAuth does.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}
