// handler.go -- HTTP handlers for the account, session, settings and completion endpoints.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MGallo-Code/janus/internal/llm"
	"github.com/MGallo-Code/janus/internal/ratelimit"
	"github.com/go-chi/chi/v5"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

// maxSettingKeyLen bounds settings keys taken from the URL path.
const maxSettingKeyLen = 128

// Completer runs a rate-gated completion for a caller.
// Satisfied by *llm.Gate -- defined here (at consumer) per Go convention.
type Completer interface {
	Complete(ctx context.Context, callerID string, req llm.Request) (string, error)
}

// AuthHandler holds dependencies for all HTTP handlers and middleware.
type AuthHandler struct {
	Svc *Service
	// LoginRL limits login attempts per identifier. nil disables it.
	LoginRL ratelimit.Limiter
	// LLM serves POST /complete. nil answers 503.
	LLM Completer
	// DB and Cache back GET /health. Either may be nil.
	DB    HealthChecker
	Cache HealthChecker
}

// authResponse is returned by register and login.
type authResponse struct {
	User      *User     `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// decodeJSON reads a size-capped JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// clientIP returns the bare IP of the caller. RemoteAddr includes the port.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// writeServiceError maps Service sentinels to status codes. Storage and
// unknown failures become a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrDuplicateIdentity):
		Conflict(w, "username or email already registered")
	case errors.Is(err, ErrInvalidCredentials):
		Unauthorized(w, "invalid credentials")
	case errors.Is(err, ErrInvalidSession):
		Unauthorized(w, "unauthorized")
	case errors.Is(err, ErrInvalidRole):
		BadRequest(w, "invalid role")
	case errors.Is(err, ErrUserNotFound):
		NotFound(w, "user not found")
	case errors.Is(err, ErrSettingNotFound):
		NotFound(w, "setting not found")
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		TooManyRequests(w, "rate limit exceeded")
	default:
		InternalServerError(w, r, err)
	}
}

// mustUser returns the authenticated user; writes 500 if RequireAuth didn't run.
func mustUser(w http.ResponseWriter, r *http.Request) (*User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		logError(r, "handler called without user in context")
		InternalServerError(w, r, errors.New("missing session context"))
	}
	return user, ok
}

// issueSession creates a session for user and writes the auth response.
func (h *AuthHandler) issueSession(w http.ResponseWriter, r *http.Request, status int, user *User) {
	sess, err := h.Svc.CreateSession(r.Context(), user.ID, clientIP(r), r.UserAgent())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, status, authResponse{User: user, Token: sess.Token, ExpiresAt: sess.ExpiresAt})
}

// Register handles POST /register -- username + email + password signup.
// Returns 201 with the user and a fresh session, 400 for validation errors,
// 409 when the username or email is taken.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		logWarn(r, "failed to decode register input", "error", err)
		BadRequest(w, "error decoding request body")
		return
	}

	input.Username = strings.TrimSpace(input.Username)
	input.Email = strings.TrimSpace(input.Email)
	for _, msg := range []string{
		ValidateUsername(input.Username),
		ValidateEmail(input.Email),
		ValidatePassword(input.Password),
	} {
		if msg != "" {
			BadRequest(w, msg)
			return
		}
	}

	user, err := h.Svc.Register(r.Context(), input.Username, input.Email, input.Password, "")
	if err != nil {
		if errors.Is(err, ErrDuplicateIdentity) {
			logInfo(r, "registration attempted with existing identity")
		}
		writeServiceError(w, r, err)
		return
	}

	h.issueSession(w, r, http.StatusCreated, user)
}

// Login handles POST /login -- identifier (username or email) + password.
// Returns 200 with the user and a fresh session, 401 for bad credentials,
// 429 once the identifier has used up its attempts.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		logWarn(r, "failed to decode login input", "error", err)
		BadRequest(w, "error decoding request body")
		return
	}

	input.Identifier = strings.TrimSpace(input.Identifier)
	if input.Identifier == "" || input.Password == "" {
		Unauthorized(w, "invalid credentials")
		return
	}

	if h.LoginRL != nil {
		if err := h.LoginRL.Allow(r.Context(), "login:"+input.Identifier); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
				logWarn(r, "login rate limited")
				TooManyRequests(w, "too many login attempts")
				return
			}
			InternalServerError(w, r, err)
			return
		}
	}

	user, err := h.Svc.Authenticate(r.Context(), input.Identifier, input.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			logInfo(r, "login failed")
		}
		writeServiceError(w, r, err)
		return
	}

	logInfo(r, "user logged in", "user_id", user.ID)
	h.issueSession(w, r, http.StatusOK, user)
}

// Logout handles POST /logout -- ends the session carried by this request.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := TokenFromContext(r.Context())
	if !ok {
		logError(r, "logout called without token in context")
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	if _, err := h.Svc.InvalidateSession(r.Context(), token); err != nil {
		writeServiceError(w, r, err)
		return
	}
	OK(w, "logged out")
}

// LogoutAll handles POST /logout-all -- ends every session of the user.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	n, err := h.Svc.InvalidateAllSessions(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	logInfo(r, "user logged out of all devices", "user_id", user.ID, "sessions", n)
	OK(w, "logged out of all devices")
}

// Me handles GET /me -- public view of the authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// RotateAPIKey handles POST /api-key.
// {"api_key": null} (or an empty body) generates a key, "" clears it,
// any other string is stored as given. Responds with the key now in effect.
func (h *AuthHandler) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	var input struct {
		APIKey *string `json:"api_key"`
	}
	if err := decodeJSON(w, r, &input); err != nil && !errors.Is(err, io.EOF) {
		logWarn(r, "failed to decode api key input", "error", err)
		BadRequest(w, "error decoding request body")
		return
	}

	key, err := h.Svc.RotateAPIKey(r.Context(), user.ID, input.APIKey)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	var out *string
	if key != "" {
		out = &key
	}
	writeJSON(w, http.StatusOK, struct {
		APIKey *string `json:"api_key"`
	}{out})
}

// ListSettings handles GET /settings -- all preferences as a JSON object.
func (h *AuthHandler) ListSettings(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	settings, err := h.Svc.ListSettings(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// GetSetting handles GET /settings/{key}.
func (h *AuthHandler) GetSetting(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	value, err := h.Svc.GetSetting(r.Context(), user.ID, key)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

// PutSetting handles PUT /settings/{key} with body {"value": "..."}.
func (h *AuthHandler) PutSetting(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if key == "" || len(key) > maxSettingKeyLen || !utf8.ValidString(key) {
		BadRequest(w, "invalid setting key")
		return
	}
	var input struct {
		Value *string `json:"value"`
	}
	if err := decodeJSON(w, r, &input); err != nil || input.Value == nil {
		BadRequest(w, "value is required")
		return
	}
	if err := h.Svc.SetSetting(r.Context(), user.ID, key, *input.Value); err != nil {
		writeServiceError(w, r, err)
		return
	}
	OK(w, "setting saved")
}

// Complete handles POST /complete -- one rate-gated completion on behalf of the user.
// Uses the user's own API key when set, the server key otherwise.
func (h *AuthHandler) Complete(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	if h.LLM == nil {
		writeMessage(w, http.StatusServiceUnavailable, "completion unavailable")
		return
	}

	var input struct {
		SystemPrompt string   `json:"system_prompt"`
		Prompt       string   `json:"prompt"`
		Model        string   `json:"model"`
		Temperature  *float64 `json:"temperature"`
		MaxTokens    int      `json:"max_tokens"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		logWarn(r, "failed to decode completion input", "error", err)
		BadRequest(w, "error decoding request body")
		return
	}
	if strings.TrimSpace(input.Prompt) == "" {
		BadRequest(w, "prompt is required")
		return
	}
	if input.MaxTokens < 0 {
		BadRequest(w, "max_tokens must not be negative")
		return
	}

	req := llm.Request{
		SystemPrompt: input.SystemPrompt,
		UserPrompt:   input.Prompt,
		Model:        input.Model,
		Temperature:  input.Temperature,
		MaxTokens:    input.MaxTokens,
	}
	if user.APIKey != nil {
		req.APIKey = *user.APIKey
	}

	text, err := h.LLM.Complete(r.Context(), "user:"+strconv.FormatInt(user.ID, 10), req)
	if err != nil {
		switch {
		case errors.Is(err, ratelimit.ErrRateLimitExceeded):
			logWarn(r, "completion rate limited", "user_id", user.ID)
			TooManyRequests(w, "rate limit exceeded")
		case errors.Is(err, llm.ErrNoAPIKey):
			BadRequest(w, "no api key configured")
		default:
			logError(r, "completion provider failed", "user_id", user.ID, "error", err)
			writeMessage(w, http.StatusBadGateway, "completion provider failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

// Deactivate handles POST /admin/users/{id}/deactivate (admin only).
// Soft-deletes the account and revokes its sessions.
func (h *AuthHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	admin, ok := mustUser(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(w, "invalid user id")
		return
	}
	if err := h.Svc.Deactivate(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	logInfo(r, "user deactivated by admin", "admin_id", admin.ID, "user_id", id)
	OK(w, "user deactivated")
}
