package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"drilunia/internal/auth"
	"drilunia/internal/models"
)

type contextKey string

const userKey contextKey = "user"

type AuthMiddleware struct {
	verifier *auth.Verifier
}

func NewAuthMiddleware(verifier *auth.Verifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// RequireAuth resolves the bearer token to a user snapshot and rejects the
// request if the token or the account it names is not usable.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			unauthorized(w, "Invalid authorization header format")
			return
		}

		user, err := m.verifier.Verify(parts[1])
		if err != nil {
			var authErr *auth.Error
			if errors.As(err, &authErr) {
				switch authErr.Reason {
				case auth.ReasonExpired:
					writeError(w, http.StatusUnauthorized, ErrCodeTokenExpired, "Token has expired")
					return
				case auth.ReasonUserBlocked:
					writeError(w, http.StatusForbidden, ErrCodeAccountBlocked, "Account is blocked")
					return
				case auth.ReasonUserLocked:
					writeError(w, http.StatusForbidden, ErrCodeAccountLocked, "Account is temporarily locked")
					return
				}
			}
			unauthorized(w, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUser returns the authenticated user snapshot, or nil outside RequireAuth.
func GetUser(r *http.Request) *models.User {
	if v := r.Context().Value(userKey); v != nil {
		if user, ok := v.(*models.User); ok {
			return user
		}
	}
	return nil
}

func GetUserID(r *http.Request) string {
	if user := GetUser(r); user != nil {
		return user.ID
	}
	return ""
}
