// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Every body is JSON; error bodies are
// {"message": "..."} with fixed, non-sensitive text.
package auth

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes v as the JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, struct {
		Message string `json:"message"`
	}{message})
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	writeMessage(w, http.StatusInternalServerError, "internal server error")
}

// BadRequest returns a 400 JSON response with the given message.
// Use for client input validation failures.
func BadRequest(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusBadRequest, message)
}

// Unauthorized returns a 401. Missing, expired and unknown sessions all get
// the same body so callers can't tell them apart.
func Unauthorized(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusUnauthorized, message)
}

// Forbidden returns a 403 JSON response with a generic message.
func Forbidden(w http.ResponseWriter) {
	writeMessage(w, http.StatusForbidden, "forbidden")
}

// NotFound returns a 404 JSON response with the given message.
func NotFound(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusNotFound, message)
}

// Conflict returns a 409 JSON response with the given message.
func Conflict(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusConflict, message)
}

// TooManyRequests returns a 429; the caller should back off and retry later.
func TooManyRequests(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusTooManyRequests, message)
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusOK, message)
}
