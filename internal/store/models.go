// models.go -- Shared domain types for the store package.
// Used by Postgres and SQLite (durable stores) and Redis (cache layer).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned when a user, session or setting row does not exist.
// Both durable stores translate their driver's "no rows" error into this.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by CreateUser when the username or email is already taken.
// Raised from the UNIQUE constraint, so two racing inserts cannot both succeed.
var ErrDuplicate = errors.New("duplicate username or email")

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrCacheDisabled is returned by NoopSessionCache.CheckHealth when Redis is not configured.
// Callers use errors.Is to distinguish "not configured" from a real infrastructure failure.
var ErrCacheDisabled = errors.New("cache disabled")

// Roles accepted in users.role.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents a row in the users table.
// Nullable columns are pointers -- nil means SQL NULL.
// APIKey holds the sealed (encrypted) form; plaintext never reaches the store.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Salt         []byte
	Role         string
	APIKey       *string
	IsActive     bool
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// Session represents a row in the sessions table.
// TokenHash is SHA-256 of the raw bearer token; the raw token is never stored.
type Session struct {
	ID        uuid.UUID
	UserID    int64
	TokenHash []byte
	CreatedAt time.Time
	ExpiresAt time.Time
	IPAddress *string
	UserAgent *string
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
// Only the fields needed for fast session lookup -- full metadata lives in the durable store.
type CachedSession struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
