// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE Postgres raises on UNIQUE constraint failure.
const pgUniqueViolation = "23505"

// userColumns is the column list every user query selects, in scanUser order.
const userColumns = `id, username, email, password_hash, salt, role, api_key, is_active, created_at, last_login`

// The store used by program to connect with Postgres db
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates and returns a verified connection pool
// to PostgreSQL wrapped in a store.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	// Create a pool w/ database url, return if err
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
// Supposed to call via defer in main.go after creating the store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// scanUser reads one users row selected with userColumns.
func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Salt,
		&u.Role, &u.APIKey, &u.IsActive, &u.CreatedAt, &u.LastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// --- Users ---

// CreateUser inserts a new user and returns its assigned id.
// The caller hashes the password BEFORE calling this.
// Returns ErrDuplicate when username or email already exists.
func (s *PostgresStore) CreateUser(ctx context.Context, u *User) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (username, email, password_hash, salt, role, api_key, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		RETURNING id`,
		u.Username, u.Email, u.PasswordHash, u.Salt, u.Role, u.APIKey, u.CreatedAt,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("inserting user: %w", err)
	}
	return id, nil
}

// GetUserByUsernameOrEmail fetches a user whose username or email equals identifier.
// A username match wins over an email match. Inactive users are returned too;
// the auth layer decides what inactive means.
func (s *PostgresStore) GetUserByUsernameOrEmail(ctx context.Context, identifier string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users
		WHERE username = $1 OR email = $1
		ORDER BY (username = $1) DESC
		LIMIT 1`, identifier))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("fetching user by identifier: %w", err)
	}
	return u, err
}

// GetUserByID fetches a user by primary key.
func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("fetching user by id: %w", err)
	}
	return u, err
}

// CountUsers returns the number of rows in users, active or not.
func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// SetAPIKey replaces the stored (sealed) API key; nil clears it.
func (s *PostgresStore) SetAPIKey(ctx context.Context, id int64, sealedKey *string) error {
	return s.execOne(ctx, "setting api key",
		"UPDATE users SET api_key = $2 WHERE id = $1", id, sealedKey)
}

// SetLastLogin records a successful authentication time.
func (s *PostgresStore) SetLastLogin(ctx context.Context, id int64, at time.Time) error {
	return s.execOne(ctx, "setting last login",
		"UPDATE users SET last_login = $2 WHERE id = $1", id, at)
}

// DeactivateUser soft-deletes a user. Sessions are not touched here.
func (s *PostgresStore) DeactivateUser(ctx context.Context, id int64) error {
	return s.execOne(ctx, "deactivating user",
		"UPDATE users SET is_active = FALSE WHERE id = $1", id)
}

// execOne runs an UPDATE expected to hit exactly one row; zero rows means ErrNotFound.
func (s *PostgresStore) execOne(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- User settings ---

// SetUserSetting upserts one key/value pair for a user.
func (s *PostgresStore) SetUserSetting(ctx context.Context, userID int64, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_settings (user_id, setting_key, setting_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, setting_key) DO UPDATE SET setting_value = EXCLUDED.setting_value`,
		userID, key, value)
	if err != nil {
		return fmt.Errorf("upserting user setting: %w", err)
	}
	return nil
}

// GetUserSetting returns a single setting value, ErrNotFound if unset.
func (s *PostgresStore) GetUserSetting(ctx context.Context, userID int64, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		"SELECT setting_value FROM user_settings WHERE user_id = $1 AND setting_key = $2",
		userID, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("fetching user setting: %w", err)
	}
	return value, nil
}

// ListUserSettings returns every setting for a user; empty map if none.
func (s *PostgresStore) ListUserSettings(ctx context.Context, userID int64) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT setting_key, setting_value FROM user_settings WHERE user_id = $1", userID)
	if err != nil {
		return nil, fmt.Errorf("listing user settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning user setting: %w", err)
		}
		settings[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user settings: %w", err)
	}
	return settings, nil
}

// --- Sessions ---

// CreateSession inserts a new session row.
// The caller generates the UUID v7 and token hash BEFORE calling this.
func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, created_at, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.CreatedAt, sess.ExpiresAt, sess.IPAddress, sess.UserAgent)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSessionByTokenHash fetches a session by token hash, expired or not.
// Expiry is the caller's call so it can delete stale rows on sight.
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at, ip_address, user_agent
		FROM sessions WHERE token_hash = $1`, tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.CreatedAt, &sess.ExpiresAt, &sess.IPAddress, &sess.UserAgent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes a single session row by token hash.
// Idempotent; reports whether a row was actually removed.
func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE token_hash = $1", tokenHash)
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteAllUserSessions removes every session for a user, returns count removed.
func (s *PostgresStore) DeleteAllUserSessions(ctx context.Context, userID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE user_id = $1", userID)
	if err != nil {
		return 0, fmt.Errorf("deleting user sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupExpiredSessions removes sessions that expired before the cutoff.
func (s *PostgresStore) CleanupExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE expires_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("cleaning up sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
