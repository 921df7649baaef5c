// internal/middleware/auth.go
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/playsquad/playsquad/internal/auth"
)

type contextKey string

const userIDKey contextKey = "userID"

// Auth verifies the bearer token and stashes the caller's user id in the
// request context. Requests without a valid token get 401 before reaching
// the handler.
func Auth(tokens *auth.TokenService) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			if token == "" || token == header {
				http.Error(w, `{"error":{"kind":"authentication","message":"missing bearer token"}}`, http.StatusUnauthorized)
				return
			}
			userID, err := tokens.Verify(token)
			if err != nil {
				http.Error(w, `{"error":{"kind":"authentication","message":"invalid token"}}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
		})
	}
}

// UserID pulls the authenticated caller out of the request context. The
// zero UUID means the request never passed Auth.
func UserID(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(userIDKey).(uuid.UUID)
	return id
}
