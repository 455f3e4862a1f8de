// stores.go
//
// Shared mock implementations of auth.Store and auth.SessionCache.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/MGallo-Code/janus/internal/store"
)

// MockStore implements auth.Store for tests.

// Always stateful...Users, Sessions and Settings are maps, like a real store.
// Use *Err fields to inject errors for specific operations.
// Construct with NewMockStore; seed users with AddUser or through the service.
type MockStore struct {
	// Error injection...zero value means no error
	CreateUserErr        error
	GetUserErr           error
	CountUsersErr        error
	SetAPIKeyErr         error
	SetLastLoginErr      error
	DeactivateErr        error
	SettingsErr          error
	CreateSessionErr     error
	GetSessionErr        error
	DeleteSessionErr     error
	DeleteAllSessionsErr error
	CleanupErr           error

	Users    map[int64]*store.User
	Sessions map[string]*store.Session // keyed by string(tokenHash)
	Settings map[int64]map[string]string

	// GetSessionCalls counts durable session lookups, to assert cache hits.
	GetSessionCalls int

	nextID int64
	mu     sync.Mutex
}

// NewMockStore returns an empty MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		Users:    make(map[int64]*store.User),
		Sessions: make(map[string]*store.Session),
		Settings: make(map[int64]map[string]string),
	}
}

// AddUser inserts u as-is, assigning an id if it has none. Returns the id.
func (m *MockStore) AddUser(u *store.User) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		m.nextID++
		u.ID = m.nextID
	} else if u.ID > m.nextID {
		m.nextID = u.ID
	}
	m.Users[u.ID] = u
	return u.ID
}

// copyUser returns a detached copy so callers can't mutate store state.
func copyUser(u *store.User) *store.User {
	c := *u
	return &c
}

func (m *MockStore) CreateUser(_ context.Context, u *store.User) (int64, error) {
	if m.CreateUserErr != nil {
		return 0, m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return 0, store.ErrDuplicate
		}
	}
	m.nextID++
	c := copyUser(u)
	c.ID = m.nextID
	c.IsActive = true
	m.Users[c.ID] = c
	return c.ID, nil
}

func (m *MockStore) GetUserByUsernameOrEmail(_ context.Context, identifier string) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var byEmail *store.User
	for _, u := range m.Users {
		if u.Username == identifier {
			return copyUser(u), nil
		}
		if u.Email == identifier {
			byEmail = u
		}
	}
	if byEmail == nil {
		return nil, store.ErrNotFound
	}
	return copyUser(byEmail), nil
}

func (m *MockStore) GetUserByID(_ context.Context, id int64) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyUser(u), nil
}

func (m *MockStore) CountUsers(_ context.Context) (int, error) {
	if m.CountUsersErr != nil {
		return 0, m.CountUsersErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Users), nil
}

// update applies fn to the user with id under lock; ErrNotFound if absent.
func (m *MockStore) update(id int64, injected error, fn func(u *store.User)) error {
	if injected != nil {
		return injected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(u)
	return nil
}

func (m *MockStore) SetAPIKey(_ context.Context, id int64, sealedKey *string) error {
	return m.update(id, m.SetAPIKeyErr, func(u *store.User) { u.APIKey = sealedKey })
}

func (m *MockStore) SetLastLogin(_ context.Context, id int64, at time.Time) error {
	return m.update(id, m.SetLastLoginErr, func(u *store.User) { u.LastLogin = &at })
}

func (m *MockStore) DeactivateUser(_ context.Context, id int64) error {
	return m.update(id, m.DeactivateErr, func(u *store.User) { u.IsActive = false })
}

func (m *MockStore) SetUserSetting(_ context.Context, userID int64, key, value string) error {
	if m.SettingsErr != nil {
		return m.SettingsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Settings[userID] == nil {
		m.Settings[userID] = make(map[string]string)
	}
	m.Settings[userID][key] = value
	return nil
}

func (m *MockStore) GetUserSetting(_ context.Context, userID int64, key string) (string, error) {
	if m.SettingsErr != nil {
		return "", m.SettingsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.Settings[userID][key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (m *MockStore) ListUserSettings(_ context.Context, userID int64) (map[string]string, error) {
	if m.SettingsErr != nil {
		return nil, m.SettingsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.Settings[userID]))
	for k, v := range m.Settings[userID] {
		out[k] = v
	}
	return out, nil
}

func (m *MockStore) CreateSession(_ context.Context, sess *store.Session) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *sess
	m.Sessions[string(sess.TokenHash)] = &c
	return nil
}

func (m *MockStore) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetSessionCalls++
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	s, ok := m.Sessions[string(tokenHash)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *MockStore) DeleteSession(_ context.Context, tokenHash []byte) (bool, error) {
	if m.DeleteSessionErr != nil {
		return false, m.DeleteSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Sessions[string(tokenHash)]
	delete(m.Sessions, string(tokenHash))
	return ok, nil
}

func (m *MockStore) DeleteAllUserSessions(_ context.Context, userID int64) (int64, error) {
	if m.DeleteAllSessionsErr != nil {
		return 0, m.DeleteAllSessionsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, s := range m.Sessions {
		if s.UserID == userID {
			delete(m.Sessions, key)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) CleanupExpiredSessions(_ context.Context, before time.Time) (int64, error) {
	if m.CleanupErr != nil {
		return 0, m.CleanupErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, s := range m.Sessions {
		if s.ExpiresAt.Before(before) {
			delete(m.Sessions, key)
			n++
		}
	}
	return n, nil
}

// SessionCount returns how many durable sessions exist, thread-safe.
func (m *MockStore) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sessions)
}

// CheckHealth always succeeds.
func (m *MockStore) CheckHealth(context.Context) error { return nil }

// MockCache implements auth.SessionCache for tests.
// Always stateful...Sessions is a map, like a real cache.
// Use *Err fields to inject errors for specific operations.
type MockCache struct {
	// Error injection...zero value means no error
	GetSessionErr        error
	SetSessionErr        error
	DeleteSessionErr     error
	DeleteAllSessionsErr error

	Sessions map[string]*store.CachedSession // keyed by string(tokenHash)

	mu sync.Mutex
}

// NewMockCache returns an empty MockCache ready for use.
func NewMockCache() *MockCache {
	return &MockCache{
		Sessions: make(map[string]*store.CachedSession),
	}
}

func (m *MockCache) GetSession(_ context.Context, tokenHash []byte) (*store.CachedSession, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[string(tokenHash)]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	c := *s
	return &c, nil
}

func (m *MockCache) SetSession(_ context.Context, sess *store.Session) error {
	if m.SetSessionErr != nil {
		return m.SetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions[string(sess.TokenHash)] = &store.CachedSession{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		ExpiresAt: sess.ExpiresAt,
	}
	return nil
}

func (m *MockCache) DeleteSession(_ context.Context, tokenHash []byte) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sessions, string(tokenHash))
	return nil
}

func (m *MockCache) DeleteAllUserSessions(_ context.Context, userID int64) error {
	if m.DeleteAllSessionsErr != nil {
		return m.DeleteAllSessionsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.Sessions {
		if s.UserID == userID {
			delete(m.Sessions, key)
		}
	}
	return nil
}

// Len returns how many sessions are cached, thread-safe.
func (m *MockCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sessions)
}
