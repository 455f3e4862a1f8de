// middleware.go

// Bearer-token authentication and role gating.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const userKey contextKey = "user"
const tokenKey contextKey = "token"

// UserFromContext retrieves the authenticated user.
// Returns nil and false if RequireAuth hasn't run.
func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userKey).(*User)
	return u, ok
}

// TokenFromContext retrieves the raw bearer token of the current request.
// Returns "" and false if RequireAuth hasn't run.
func TokenFromContext(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(tokenKey).(string)
	return tok, ok
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireAuth validates the bearer token through Service.ValidateSession.
// Injects the user and token into context on success; returns 401 on failure.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			logWarn(r, "require auth failed", "reason", "missing_bearer_token")
			Unauthorized(w, "unauthorized")
			return
		}

		user, err := h.Svc.ValidateSession(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrInvalidSession) {
				logWarn(r, "require auth failed", "reason", "invalid_session")
				Unauthorized(w, "unauthorized")
				return
			}
			InternalServerError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		ctx = context.WithValue(ctx, tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole returns middleware admitting only users with the given role.
// Must run after RequireAuth.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				logError(r, "RequireRole used without RequireAuth")
				Unauthorized(w, "unauthorized")
				return
			}
			if user.Role != role {
				logWarn(r, "role check failed", "user_id", user.ID, "required", role)
				Forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
