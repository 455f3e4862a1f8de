// service.go -- Account and session operations.
//
// Service is built once in main with its stores injected, then shared by the
// HTTP handlers (or embedded directly by a UI process). Holds no mutable state
// of its own; concurrency safety comes from the stores.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/janus/internal/store"
	"github.com/gofrs/uuid/v5"
)

// DefaultSessionTTL is the fixed lifetime of a new session.
const DefaultSessionTTL = 24 * time.Hour

// UserStore defines the user and settings persistence Service needs.
// Satisfied by *store.PostgresStore and *store.SQLiteStore -- defined here (at consumer) per Go convention.
type UserStore interface {
	// CreateUser inserts a user, returns store.ErrDuplicate on username/email conflict.
	CreateUser(ctx context.Context, u *store.User) (int64, error)
	// GetUserByUsernameOrEmail prefers a username match; store.ErrNotFound if none.
	GetUserByUsernameOrEmail(ctx context.Context, identifier string) (*store.User, error)
	GetUserByID(ctx context.Context, id int64) (*store.User, error)
	CountUsers(ctx context.Context) (int, error)
	// SetAPIKey stores the sealed key; nil clears.
	SetAPIKey(ctx context.Context, id int64, sealedKey *string) error
	SetLastLogin(ctx context.Context, id int64, at time.Time) error
	DeactivateUser(ctx context.Context, id int64) error

	SetUserSetting(ctx context.Context, userID int64, key, value string) error
	GetUserSetting(ctx context.Context, userID int64, key string) (string, error)
	ListUserSettings(ctx context.Context, userID int64) (map[string]string, error)
}

// SessionStore defines durable session persistence.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *store.Session) error
	// GetSessionByTokenHash returns the row even if expired; store.ErrNotFound if absent.
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)
	// DeleteSession is idempotent and reports whether a row was removed.
	DeleteSession(ctx context.Context, tokenHash []byte) (bool, error)
	DeleteAllUserSessions(ctx context.Context, userID int64) (int64, error)
	CleanupExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// Store is everything Service needs from the durable store.
type Store interface {
	UserStore
	SessionStore
}

// SessionCache defines session cache operations.
// Satisfied by *store.RedisStore and store.NoopSessionCache.
type SessionCache interface {
	// GetSession returns store.ErrCacheMiss when the key is absent.
	GetSession(ctx context.Context, tokenHash []byte) (*store.CachedSession, error)
	SetSession(ctx context.Context, sess *store.Session) error
	DeleteSession(ctx context.Context, tokenHash []byte) error
	DeleteAllUserSessions(ctx context.Context, userID int64) error
}

// Sealer encrypts API keys at rest. Satisfied by *secret.Sealer.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// User is the public view of an account: no password hash, no salt.
// APIKey is the decrypted key, nil when none is set.
type User struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	Role      string     `json:"role"`
	APIKey    *string    `json:"api_key"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login"`
}

// Session is what the caller gets back from CreateSession. Token is shown once.
type Session struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ServiceOptions tunes a Service. Zero values take defaults.
type ServiceOptions struct {
	SessionTTL time.Duration
	// Now is the clock; tests inject a fixed one.
	Now func() time.Time
}

// Service implements registration, authentication, sessions, API keys and settings.
type Service struct {
	st     Store
	cache  SessionCache
	hasher *Hasher
	sealer Sealer
	ttl    time.Duration
	now    func() time.Time
}

// NewService wires a Service. cache may be nil (no caching).
func NewService(st Store, cache SessionCache, hasher *Hasher, sealer Sealer, opts ServiceOptions) *Service {
	if cache == nil {
		cache = store.NoopSessionCache{}
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{st: st, cache: cache, hasher: hasher, sealer: sealer, ttl: opts.SessionTTL, now: opts.Now}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// view projects a store row to the public User, opening the sealed API key.
func (s *Service) view(u *store.User) (*User, error) {
	out := &User{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
		LastLogin: u.LastLogin,
	}
	if u.APIKey != nil {
		key, err := s.sealer.Open(*u.APIKey)
		if err != nil {
			return nil, storageErr("opening api key", err)
		}
		out.APIKey = &key
	}
	return out, nil
}

// --- Accounts ---

// Register creates an active account. role "" means "user".
// Returns ErrDuplicateIdentity if the username or email is taken.
func (s *Service) Register(ctx context.Context, username, email, password, role string) (*User, error) {
	if role == "" {
		role = store.RoleUser
	}
	if role != store.RoleUser && role != store.RoleAdmin {
		return nil, ErrInvalidRole
	}

	hash, salt, err := s.hasher.Hash(password, nil)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u := &store.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Salt:         salt,
		Role:         role,
		IsActive:     true,
		CreatedAt:    s.now().UTC(),
	}
	id, err := s.st.CreateUser(ctx, u)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateIdentity
		}
		return nil, storageErr("creating user", err)
	}
	u.ID = id

	slog.InfoContext(ctx, "user registered", "user_id", id, "role", role)
	return s.view(u)
}

// Authenticate checks identifier (username or email) and password.
// Unknown, inactive and wrong-password all return ErrInvalidCredentials.
// On success last_login is set to now.
func (s *Service) Authenticate(ctx context.Context, identifier, password string) (*User, error) {
	u, err := s.st.GetUserByUsernameOrEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Same KDF cost as a real user so timing does not reveal existence.
			s.hasher.VerifyDummy(password)
			return nil, ErrInvalidCredentials
		}
		return nil, storageErr("fetching user", err)
	}

	ok, err := s.hasher.Verify(password, u.Salt, u.PasswordHash)
	if err != nil {
		slog.ErrorContext(ctx, "stored password hash unreadable", "user_id", u.ID, "error", err)
		return nil, ErrInvalidCredentials
	}
	if !ok || !u.IsActive {
		return nil, ErrInvalidCredentials
	}

	now := s.now().UTC()
	if err := s.st.SetLastLogin(ctx, u.ID, now); err != nil {
		return nil, storageErr("setting last login", err)
	}
	u.LastLogin = &now

	return s.view(u)
}

// GetUser returns the public view of any account, active or not.
func (s *Service) GetUser(ctx context.Context, userID int64) (*User, error) {
	u, err := s.st.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, storageErr("fetching user", err)
	}
	return s.view(u)
}

// Deactivate soft-deletes an account and revokes every session it holds.
func (s *Service) Deactivate(ctx context.Context, userID int64) error {
	if err := s.st.DeactivateUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return storageErr("deactivating user", err)
	}
	n, err := s.InvalidateAllSessions(ctx, userID)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "user deactivated", "user_id", userID, "sessions_revoked", n)
	return nil
}

// RotateAPIKey replaces the user's provider API key.
// nil generates a fresh random key, "" clears it, anything else is stored as given.
// Returns the plaintext now in effect ("" when cleared).
func (s *Service) RotateAPIKey(ctx context.Context, userID int64, newKey *string) (string, error) {
	var plain string
	switch {
	case newKey == nil:
		k, err := GenerateAPIKey()
		if err != nil {
			return "", err
		}
		plain = k
	default:
		plain = *newKey
	}

	var sealed *string
	if plain != "" {
		v, err := s.sealer.Seal(plain)
		if err != nil {
			return "", fmt.Errorf("sealing api key: %w", err)
		}
		sealed = &v
	}

	if err := s.st.SetAPIKey(ctx, userID, sealed); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrUserNotFound
		}
		return "", storageErr("setting api key", err)
	}

	slog.InfoContext(ctx, "api key rotated", "user_id", userID, "cleared", sealed == nil, "generated", newKey == nil)
	return plain, nil
}

// EnsureAdmin creates an "admin" account with a random password when the
// store holds no users at all. The password is returned once for the operator.
func (s *Service) EnsureAdmin(ctx context.Context, email string) (string, bool, error) {
	n, err := s.st.CountUsers(ctx)
	if err != nil {
		return "", false, storageErr("counting users", err)
	}
	if n > 0 {
		return "", false, nil
	}

	var raw [18]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", false, fmt.Errorf("generating admin password: %w", err)
	}
	password := base64.RawURLEncoding.EncodeToString(raw[:])

	if _, err := s.Register(ctx, "admin", email, password, store.RoleAdmin); err != nil {
		// Another instance bootstrapped first.
		if errors.Is(err, ErrDuplicateIdentity) {
			return "", false, nil
		}
		return "", false, err
	}
	return password, true, nil
}

// --- Sessions ---

// CreateSession issues a new bearer token for userID valid for the configured TTL.
// ip and userAgent are advisory; "" stores NULL.
func (s *Service) CreateSession(ctx context.Context, userID int64, ip, userAgent string) (*Session, error) {
	token, hash, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	now := s.now().UTC()
	sess := &store.Session{
		ID:        id,
		UserID:    userID,
		TokenHash: hash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		IPAddress: optional(ip),
		UserAgent: optional(userAgent),
	}
	if err := s.st.CreateSession(ctx, sess); err != nil {
		return nil, storageErr("creating session", err)
	}
	if err := s.cache.SetSession(ctx, sess); err != nil {
		slog.WarnContext(ctx, "failed to cache session", "user_id", userID, "error", err)
	}

	return &Session{Token: token, UserID: userID, ExpiresAt: sess.ExpiresAt}, nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// ValidateSession resolves a bearer token to its active owner.
// Missing, malformed and expired tokens, and tokens of inactive owners, all
// give ErrInvalidSession. Expired sessions are deleted on sight; sessions of
// inactive owners are left in place.
func (s *Service) ValidateSession(ctx context.Context, token string) (*User, error) {
	hash, ok := HashToken(token)
	if !ok {
		return nil, ErrInvalidSession
	}
	now := s.now()

	var userID int64
	cached, err := s.cache.GetSession(ctx, hash)
	switch {
	case err == nil:
		if !cached.ExpiresAt.After(now) {
			return nil, s.expire(ctx, hash)
		}
		userID = cached.UserID
	default:
		if !errors.Is(err, store.ErrCacheMiss) {
			slog.WarnContext(ctx, "session cache lookup failed, falling back to store", "error", err)
		}
		sess, err := s.st.GetSessionByTokenHash(ctx, hash)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrInvalidSession
			}
			return nil, storageErr("fetching session", err)
		}
		if !sess.ExpiresAt.After(now) {
			return nil, s.expire(ctx, hash)
		}
		if err := s.cache.SetSession(ctx, sess); err != nil {
			slog.WarnContext(ctx, "failed to repopulate session cache", "error", err)
		} else if err := s.confirmCached(ctx, hash); err != nil {
			return nil, err
		}
		userID = sess.UserID
	}

	u, err := s.st.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, storageErr("fetching session owner", err)
	}
	if !u.IsActive {
		return nil, ErrInvalidSession
	}
	return s.view(u)
}

// confirmCached re-reads a session just written to the cache. A logout that
// deleted the row in between must not leave the cached copy behind.
func (s *Service) confirmCached(ctx context.Context, hash []byte) error {
	_, err := s.st.GetSessionByTokenHash(ctx, hash)
	if err == nil {
		return nil
	}
	if evictErr := s.cache.DeleteSession(ctx, hash); evictErr != nil {
		return storageErr("evicting stale cached session", evictErr)
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidSession
	}
	return storageErr("re-reading session", err)
}

// expire removes an expired session and reports it as invalid.
// A cached copy left behind is harmless: cache hits check expiry too.
func (s *Service) expire(ctx context.Context, hash []byte) error {
	if _, err := s.st.DeleteSession(ctx, hash); err != nil {
		return storageErr("deleting expired session", err)
	}
	if err := s.cache.DeleteSession(ctx, hash); err != nil {
		slog.WarnContext(ctx, "failed to evict expired session from cache", "error", err)
	}
	return ErrInvalidSession
}

// InvalidateSession deletes the session for token (logout).
// Reports whether a session was actually removed; unknown tokens give false, nil.
//
// The cache is evicted before and after the durable delete. If the first
// eviction fails nothing is deleted; if the second fails the row is gone but
// a stale cached copy may remain, so both surface as ErrStorage.
func (s *Service) InvalidateSession(ctx context.Context, token string) (bool, error) {
	hash, ok := HashToken(token)
	if !ok {
		return false, nil
	}
	if err := s.cache.DeleteSession(ctx, hash); err != nil {
		return false, storageErr("evicting cached session", err)
	}
	removed, err := s.st.DeleteSession(ctx, hash)
	if err != nil {
		return false, storageErr("deleting session", err)
	}
	if err := s.cache.DeleteSession(ctx, hash); err != nil {
		return removed, storageErr("evicting cached session", err)
	}
	return removed, nil
}

// InvalidateAllSessions deletes every session for userID, returns how many rows went.
// Cache eviction follows the same before-and-after order as InvalidateSession.
func (s *Service) InvalidateAllSessions(ctx context.Context, userID int64) (int64, error) {
	if err := s.cache.DeleteAllUserSessions(ctx, userID); err != nil {
		return 0, storageErr("evicting cached user sessions", err)
	}
	n, err := s.st.DeleteAllUserSessions(ctx, userID)
	if err != nil {
		return 0, storageErr("deleting user sessions", err)
	}
	if err := s.cache.DeleteAllUserSessions(ctx, userID); err != nil {
		return n, storageErr("evicting cached user sessions", err)
	}
	return n, nil
}

// CleanupExpiredSessions purges sessions that expired more than retention ago.
// Validity never depends on this; it only bounds table growth.
func (s *Service) CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.st.CleanupExpiredSessions(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, storageErr("cleaning up sessions", err)
	}
	return n, nil
}

// --- Settings ---

// SetSetting upserts one per-user preference.
func (s *Service) SetSetting(ctx context.Context, userID int64, key, value string) error {
	if err := s.st.SetUserSetting(ctx, userID, key, value); err != nil {
		return storageErr("setting user setting", err)
	}
	return nil
}

// GetSetting returns ErrSettingNotFound when key is unset.
func (s *Service) GetSetting(ctx context.Context, userID int64, key string) (string, error) {
	v, err := s.st.GetUserSetting(ctx, userID, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrSettingNotFound
		}
		return "", storageErr("fetching user setting", err)
	}
	return v, nil
}

// ListSettings returns all preferences of a user.
func (s *Service) ListSettings(ctx context.Context, userID int64) (map[string]string, error) {
	m, err := s.st.ListUserSettings(ctx, userID)
	if err != nil {
		return nil, storageErr("listing user settings", err)
	}
	return m, nil
}
