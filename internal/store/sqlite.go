// sqlite.go -- embedded single-file store on modernc.org/sqlite.
//
// Default durable store for single-node installs. One open connection, so
// every statement is serialized and check-then-insert cannot interleave.
// Timestamps are stored as unix nanoseconds (INTEGER).
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed sqlite_migrations/*.sql
var sqliteMigrations embed.FS

// SQLiteStore implements the user, session and settings queries on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database file at path,
// applies pending goose migrations and returns a ready store.
// path ":memory:" gives a throwaway in-memory database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	if err := migrateSQLite(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// sqliteDSN appends the pragmas every connection needs.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep +
		"_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// migrateSQLite runs the embedded goose migrations.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(sqliteMigrations, "sqlite_migrations")
	if err != nil {
		return fmt.Errorf("opening sqlite migrations: %w", err)
	}
	if err := runMigrations(ctx, db, goose.DialectSQLite3, fsys); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// CheckHealth pings the database.
func (s *SQLiteStore) CheckHealth(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isUniqueViolation reports whether err came from a UNIQUE constraint.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	// Extended codes are not always enabled, so accept the primary code too.
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT
}

func toUnix(t time.Time) int64 { return t.UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

// scanSQLiteUser reads one users row selected with userColumns.
func scanSQLiteUser(row *sql.Row) (*User, error) {
	var (
		u         User
		active    int64
		createdAt int64
		lastLogin sql.NullInt64
		apiKey    sql.NullString
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Salt,
		&u.Role, &apiKey, &active, &createdAt, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.IsActive = active != 0
	u.CreatedAt = fromUnix(createdAt)
	if apiKey.Valid {
		u.APIKey = &apiKey.String
	}
	if lastLogin.Valid {
		t := fromUnix(lastLogin.Int64)
		u.LastLogin = &t
	}
	return &u, nil
}

// --- Users ---

// CreateUser inserts a new user and returns its assigned id.
// Returns ErrDuplicate when username or email already exists.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, email, password_hash, salt, role, api_key, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		u.Username, u.Email, u.PasswordHash, u.Salt, u.Role, u.APIKey, toUnix(u.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("inserting user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading user id: %w", err)
	}
	return id, nil
}

// GetUserByUsernameOrEmail fetches a user whose username or email equals
// identifier, preferring the username match.
func (s *SQLiteStore) GetUserByUsernameOrEmail(ctx context.Context, identifier string) (*User, error) {
	u, err := scanSQLiteUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users
		WHERE username = ? OR email = ?
		ORDER BY (username = ?) DESC
		LIMIT 1`, identifier, identifier, identifier))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("fetching user by identifier: %w", err)
	}
	return u, err
}

// GetUserByID fetches a user by primary key.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	u, err := scanSQLiteUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("fetching user by id: %w", err)
	}
	return u, err
}

// CountUsers returns the number of rows in users.
func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// SetAPIKey replaces the stored (sealed) API key; nil clears it.
func (s *SQLiteStore) SetAPIKey(ctx context.Context, id int64, sealedKey *string) error {
	return s.execOne(ctx, "setting api key",
		"UPDATE users SET api_key = ? WHERE id = ?", sealedKey, id)
}

// SetLastLogin records a successful authentication time.
func (s *SQLiteStore) SetLastLogin(ctx context.Context, id int64, at time.Time) error {
	return s.execOne(ctx, "setting last login",
		"UPDATE users SET last_login = ? WHERE id = ?", toUnix(at), id)
}

// DeactivateUser soft-deletes a user.
func (s *SQLiteStore) DeactivateUser(ctx context.Context, id int64) error {
	return s.execOne(ctx, "deactivating user",
		"UPDATE users SET is_active = 0 WHERE id = ?", id)
}

func (s *SQLiteStore) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- User settings ---

// SetUserSetting upserts one key/value pair for a user.
func (s *SQLiteStore) SetUserSetting(ctx context.Context, userID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, setting_key, setting_value)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, setting_key) DO UPDATE SET setting_value = excluded.setting_value`,
		userID, key, value)
	if err != nil {
		return fmt.Errorf("upserting user setting: %w", err)
	}
	return nil
}

// GetUserSetting returns a single setting value, ErrNotFound if unset.
func (s *SQLiteStore) GetUserSetting(ctx context.Context, userID int64, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT setting_value FROM user_settings WHERE user_id = ? AND setting_key = ?",
		userID, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("fetching user setting: %w", err)
	}
	return value, nil
}

// ListUserSettings returns every setting for a user; empty map if none.
func (s *SQLiteStore) ListUserSettings(ctx context.Context, userID int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT setting_key, setting_value FROM user_settings WHERE user_id = ?", userID)
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
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, created_at, expires_at, ip_address, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID.String(), sess.UserID, sess.TokenHash,
		toUnix(sess.CreatedAt), toUnix(sess.ExpiresAt), sess.IPAddress, sess.UserAgent)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSessionByTokenHash fetches a session by token hash, expired or not.
func (s *SQLiteStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	var (
		sess                 Session
		createdAt, expiresAt int64
		ip, ua               sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at, ip_address, user_agent
		FROM sessions WHERE token_hash = ?`, tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &createdAt, &expiresAt, &ip, &ua)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	sess.CreatedAt = fromUnix(createdAt)
	sess.ExpiresAt = fromUnix(expiresAt)
	if ip.Valid {
		sess.IPAddress = &ip.String
	}
	if ua.Valid {
		sess.UserAgent = &ua.String
	}
	return &sess, nil
}

// DeleteSession removes a single session by token hash; reports whether a row was removed.
func (s *SQLiteStore) DeleteSession(ctx context.Context, tokenHash []byte) (bool, error) {
	n, err := s.deleteWhere(ctx, "DELETE FROM sessions WHERE token_hash = ?", tokenHash)
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	return n > 0, nil
}

// DeleteAllUserSessions removes every session for a user, returns count removed.
func (s *SQLiteStore) DeleteAllUserSessions(ctx context.Context, userID int64) (int64, error) {
	n, err := s.deleteWhere(ctx, "DELETE FROM sessions WHERE user_id = ?", userID)
	if err != nil {
		return 0, fmt.Errorf("deleting user sessions: %w", err)
	}
	return n, nil
}

// CleanupExpiredSessions removes sessions that expired before the cutoff.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.deleteWhere(ctx, "DELETE FROM sessions WHERE expires_at < ?", toUnix(before))
	if err != nil {
		return 0, fmt.Errorf("cleaning up sessions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) deleteWhere(ctx context.Context, query string, arg any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, arg)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
