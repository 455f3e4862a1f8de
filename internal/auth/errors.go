// errors.go -- Sentinel errors returned by Service.
//
// Callers branch with errors.Is. Not-found, wrong-password and inactive all
// collapse into ErrInvalidCredentials; missing and expired sessions into
// ErrInvalidSession.
package auth

import "errors"

var (
	// ErrDuplicateIdentity: username or email already registered.
	ErrDuplicateIdentity = errors.New("username or email already registered")
	// ErrInvalidCredentials: unknown identifier, inactive account or wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidSession: token missing, malformed, expired or owner inactive.
	ErrInvalidSession = errors.New("invalid session")
	// ErrInvalidRole: role is neither "user" nor "admin".
	ErrInvalidRole = errors.New("invalid role")
	// ErrUserNotFound: operation targeted a user id that does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrSettingNotFound: no value stored under the requested key.
	ErrSettingNotFound = errors.New("setting not found")
	// ErrStorage wraps any persistence failure. Never retried here.
	ErrStorage = errors.New("storage failure")
)
