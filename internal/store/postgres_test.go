package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	s := requirePostgres(t)
	runDurableStoreTests(t, s)
}

func TestPostgresStore_SessionsCascadeWithUser(t *testing.T) {
	s := requirePostgres(t)
	ctx := context.Background()
	name := uniq(t, "cascade")

	uid := mustCreate(t, s, name, name+"@example.com")
	sess := newTestSession(t, uid, time.Now().Add(time.Hour))
	require.NoError(t, s.CreateSession(ctx, sess))

	_, err := s.pool.Exec(ctx, "DELETE FROM users WHERE id = $1", uid)
	require.NoError(t, err)

	_, err = s.GetSessionByTokenHash(ctx, sess.TokenHash)
	assert.ErrorIs(t, err, ErrNotFound)
}
