package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// durableStore is what both PostgresStore and SQLiteStore provide.
type durableStore interface {
	CreateUser(ctx context.Context, u *User) (int64, error)
	GetUserByUsernameOrEmail(ctx context.Context, identifier string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	CountUsers(ctx context.Context) (int, error)
	SetAPIKey(ctx context.Context, id int64, sealedKey *string) error
	SetLastLogin(ctx context.Context, id int64, at time.Time) error
	DeactivateUser(ctx context.Context, id int64) error
	SetUserSetting(ctx context.Context, userID int64, key, value string) error
	GetUserSetting(ctx context.Context, userID int64, key string) (string, error)
	ListUserSettings(ctx context.Context, userID int64) (map[string]string, error)
	CreateSession(ctx context.Context, sess *Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error)
	DeleteSession(ctx context.Context, tokenHash []byte) (bool, error)
	DeleteAllUserSessions(ctx context.Context, userID int64) (int64, error)
	CleanupExpiredSessions(ctx context.Context, before time.Time) (int64, error)
	CheckHealth(ctx context.Context) error
}

// uniq returns prefix plus a random suffix so runs against a shared
// Postgres database never collide.
func uniq(t *testing.T, prefix string) string {
	t.Helper()
	id, err := uuid.NewV4()
	require.NoError(t, err)
	return prefix + "_" + id.String()[:8]
}

func mustCreate(t *testing.T, s durableStore, username, email string) int64 {
	t.Helper()
	id, err := s.CreateUser(context.Background(), &User{
		Username:     username,
		Email:        email,
		PasswordHash: "$pbkdf2-sha256$i=1$aGFzaA",
		Salt:         []byte("0123456789abcdef"),
		Role:         RoleUser,
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	})
	require.NoError(t, err)
	return id
}

func newTestSession(t *testing.T, userID int64, expiresAt time.Time) *Session {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	hash := id.Bytes()
	ip := "127.0.0.1"
	return &Session{
		ID:        id,
		UserID:    userID,
		TokenHash: append(hash, hash...),
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		ExpiresAt: expiresAt.UTC().Truncate(time.Microsecond),
		IPAddress: &ip,
	}
}

const raceWorkers = 8

// raceCreate inserts raceWorkers users at once, identity(i) naming each one.
// Returns how many inserts succeeded and how many got ErrDuplicate.
func raceCreate(t *testing.T, s durableStore, identity func(i int) (username, email string)) (created, duplicate int) {
	t.Helper()
	users := make([]*User, raceWorkers)
	for i := range users {
		username, email := identity(i)
		users[i] = &User{
			Username:     username,
			Email:        email,
			PasswordHash: "h",
			Salt:         []byte{byte(i)},
			Role:         RoleUser,
			CreatedAt:    time.Now(),
		}
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
	)
	for _, u := range users {
		wg.Add(1)
		go func(u *User) {
			defer wg.Done()
			<-start
			_, err := s.CreateUser(context.Background(), u)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrDuplicate):
				duplicate++
			default:
				t.Errorf("CreateUser: unexpected error %v", err)
			}
		}(u)
	}
	close(start)
	wg.Wait()
	return created, duplicate
}

// runDurableStoreTests exercises the shared behaviour of both durable stores.
func runDurableStoreTests(t *testing.T, s durableStore) {
	ctx := context.Background()

	t.Run("create and fetch user", func(t *testing.T) {
		name := uniq(t, "alice")
		id := mustCreate(t, s, name, name+"@example.com")

		got, err := s.GetUserByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, name, got.Username)
		assert.Equal(t, name+"@example.com", got.Email)
		assert.Equal(t, RoleUser, got.Role)
		assert.True(t, got.IsActive)
		assert.Nil(t, got.APIKey)
		assert.Nil(t, got.LastLogin)
		assert.Equal(t, []byte("0123456789abcdef"), got.Salt)
	})

	t.Run("duplicate username or email rejected", func(t *testing.T) {
		name := uniq(t, "dup")
		mustCreate(t, s, name, name+"@example.com")

		_, err := s.CreateUser(ctx, &User{Username: name, Email: uniq(t, "other") + "@example.com",
			PasswordHash: "h", Salt: []byte("s"), Role: RoleUser, CreatedAt: time.Now()})
		assert.ErrorIs(t, err, ErrDuplicate)

		_, err = s.CreateUser(ctx, &User{Username: uniq(t, "other"), Email: name + "@example.com",
			PasswordHash: "h", Salt: []byte("s"), Role: RoleUser, CreatedAt: time.Now()})
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	// Concurrent registrations of one identity: exactly one insert wins.
	t.Run("concurrent duplicate username", func(t *testing.T) {
		name := uniq(t, "race")
		created, duplicate := raceCreate(t, s, func(i int) (string, string) {
			return name, uniq(t, "race") + "@example.com"
		})
		assert.Equal(t, 1, created)
		assert.Equal(t, raceWorkers-1, duplicate)
	})

	t.Run("concurrent duplicate email", func(t *testing.T) {
		email := uniq(t, "race") + "@example.com"
		created, duplicate := raceCreate(t, s, func(i int) (string, string) {
			return uniq(t, "race"), email
		})
		assert.Equal(t, 1, created)
		assert.Equal(t, raceWorkers-1, duplicate)
	})

	t.Run("lookup by username or email", func(t *testing.T) {
		name := uniq(t, "bob")
		id := mustCreate(t, s, name, name+"@example.com")

		byName, err := s.GetUserByUsernameOrEmail(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, id, byName.ID)

		byEmail, err := s.GetUserByUsernameOrEmail(ctx, name+"@example.com")
		require.NoError(t, err)
		assert.Equal(t, id, byEmail.ID)

		_, err = s.GetUserByUsernameOrEmail(ctx, uniq(t, "nobody"))
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetUserByID(ctx, -1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("username match wins over email match", func(t *testing.T) {
		shared := uniq(t, "shared")
		emailOwner := mustCreate(t, s, uniq(t, "carol"), shared)
		nameOwner := mustCreate(t, s, shared, uniq(t, "dave")+"@example.com")
		require.NotEqual(t, emailOwner, nameOwner)

		got, err := s.GetUserByUsernameOrEmail(ctx, shared)
		require.NoError(t, err)
		assert.Equal(t, nameOwner, got.ID)
	})

	t.Run("count users", func(t *testing.T) {
		before, err := s.CountUsers(ctx)
		require.NoError(t, err)
		name := uniq(t, "count")
		mustCreate(t, s, name, name+"@example.com")
		after, err := s.CountUsers(ctx)
		require.NoError(t, err)
		assert.Equal(t, before+1, after)
	})

	t.Run("api key set and clear", func(t *testing.T) {
		name := uniq(t, "key")
		id := mustCreate(t, s, name, name+"@example.com")

		sealed := "sealed-value"
		require.NoError(t, s.SetAPIKey(ctx, id, &sealed))
		got, err := s.GetUserByID(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.APIKey)
		assert.Equal(t, sealed, *got.APIKey)

		require.NoError(t, s.SetAPIKey(ctx, id, nil))
		got, err = s.GetUserByID(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got.APIKey)

		assert.ErrorIs(t, s.SetAPIKey(ctx, -1, &sealed), ErrNotFound)
	})

	t.Run("last login and deactivate", func(t *testing.T) {
		name := uniq(t, "eve")
		id := mustCreate(t, s, name, name+"@example.com")

		at := time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, s.SetLastLogin(ctx, id, at))
		require.NoError(t, s.DeactivateUser(ctx, id))

		got, err := s.GetUserByID(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.LastLogin)
		assert.True(t, at.Equal(*got.LastLogin))
		assert.False(t, got.IsActive)

		assert.ErrorIs(t, s.DeactivateUser(ctx, -1), ErrNotFound)
	})

	t.Run("settings upsert get list", func(t *testing.T) {
		name := uniq(t, "frank")
		id := mustCreate(t, s, name, name+"@example.com")

		all, err := s.ListUserSettings(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, all)

		_, err = s.GetUserSetting(ctx, id, "theme")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SetUserSetting(ctx, id, "theme", "light"))
		require.NoError(t, s.SetUserSetting(ctx, id, "theme", "dark"))
		require.NoError(t, s.SetUserSetting(ctx, id, "model", "gpt-4"))

		v, err := s.GetUserSetting(ctx, id, "theme")
		require.NoError(t, err)
		assert.Equal(t, "dark", v)

		all, err = s.ListUserSettings(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"theme": "dark", "model": "gpt-4"}, all)
	})

	t.Run("session lifecycle", func(t *testing.T) {
		name := uniq(t, "grace")
		uid := mustCreate(t, s, name, name+"@example.com")
		sess := newTestSession(t, uid, time.Now().Add(time.Hour))
		require.NoError(t, s.CreateSession(ctx, sess))

		got, err := s.GetSessionByTokenHash(ctx, sess.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
		assert.Equal(t, uid, got.UserID)
		assert.True(t, sess.ExpiresAt.Equal(got.ExpiresAt))
		require.NotNil(t, got.IPAddress)
		assert.Equal(t, "127.0.0.1", *got.IPAddress)
		assert.Nil(t, got.UserAgent)

		removed, err := s.DeleteSession(ctx, sess.TokenHash)
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.DeleteSession(ctx, sess.TokenHash)
		require.NoError(t, err)
		assert.False(t, removed)

		_, err = s.GetSessionByTokenHash(ctx, sess.TokenHash)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("expired session still readable", func(t *testing.T) {
		name := uniq(t, "heidi")
		uid := mustCreate(t, s, name, name+"@example.com")
		sess := newTestSession(t, uid, time.Now().Add(-time.Minute))
		require.NoError(t, s.CreateSession(ctx, sess))

		got, err := s.GetSessionByTokenHash(ctx, sess.TokenHash)
		require.NoError(t, err)
		assert.True(t, got.ExpiresAt.Before(time.Now()))
	})

	t.Run("delete all user sessions", func(t *testing.T) {
		name := uniq(t, "ivan")
		uid := mustCreate(t, s, name, name+"@example.com")
		for range 3 {
			require.NoError(t, s.CreateSession(ctx, newTestSession(t, uid, time.Now().Add(time.Hour))))
		}

		n, err := s.DeleteAllUserSessions(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		n, err = s.DeleteAllUserSessions(ctx, uid)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("cleanup removes only sessions expired before cutoff", func(t *testing.T) {
		name := uniq(t, "judy")
		uid := mustCreate(t, s, name, name+"@example.com")
		old := newTestSession(t, uid, time.Now().Add(-48*time.Hour))
		recent := newTestSession(t, uid, time.Now().Add(-time.Minute))
		live := newTestSession(t, uid, time.Now().Add(time.Hour))
		for _, sess := range []*Session{old, recent, live} {
			require.NoError(t, s.CreateSession(ctx, sess))
		}

		_, err := s.CleanupExpiredSessions(ctx, time.Now().Add(-24*time.Hour))
		require.NoError(t, err)

		_, err = s.GetSessionByTokenHash(ctx, old.TokenHash)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetSessionByTokenHash(ctx, recent.TokenHash)
		assert.NoError(t, err)
		_, err = s.GetSessionByTokenHash(ctx, live.TokenHash)
		assert.NoError(t, err)
	})

	t.Run("health", func(t *testing.T) {
		assert.NoError(t, s.CheckHealth(ctx))
	})
}
