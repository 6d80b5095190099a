package sqlitestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon"
	"github.com/BrandonDHaskell/Portunus/presence/internal/db"
	"github.com/BrandonDHaskell/Portunus/presence/internal/db/dbtest"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/session"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/session/sqlitestore"
)

var (
	t0    = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	siteA = beacon.Identity{UUID: uuid.MustParse("f7826da6-4fa2-4e98-8024-bc5b71e0893e"), Major: 7}
)

func newStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	conn := dbtest.Open(t, db.SchemaAgent)
	return sqlitestore.New(conn, dbtest.NewWriter(t, conn))
}

func openSession(key string) session.AttendanceSession {
	return session.AttendanceSession{
		SessionKey:      key,
		Identity:        siteA,
		SiteID:          "hq",
		UserID:          "user-1",
		StartedAt:       t0,
		LastHeartbeatAt: t0,
		LastAckAt:       t0,
	}
}

func TestSave_RoundTripsAndCloses(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sess := openSession("s1")
	require.NoError(t, s.Save(ctx, sess))

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, sess, got[0])

	end := t0.Add(time.Hour)
	sess.EndedAt = &end
	sess.EndReason = session.ReasonConfirmedExit
	sess.LastHeartbeatAt = t0.Add(59 * time.Minute)
	require.NoError(t, s.Save(ctx, sess))

	got, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].EndedAt)
	assert.Equal(t, end, *got[0].EndedAt)
	assert.Equal(t, session.ReasonConfirmedExit, got[0].EndReason)
	assert.Equal(t, t0.Add(59*time.Minute), got[0].LastHeartbeatAt)
}

func TestSave_RejectsSecondOpenSession(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, openSession("s1")))
	assert.ErrorIs(t, s.Save(ctx, openSession("s2")), session.ErrAlreadyOpen)

	// Once the first is closed, a new one may open.
	closed := openSession("s1")
	end := t0.Add(time.Minute)
	closed.EndedAt = &end
	require.NoError(t, s.Save(ctx, closed))
	assert.NoError(t, s.Save(ctx, openSession("s2")))
}

func TestTouchAck_NeverMovesBackwards(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, openSession("s1")))

	require.NoError(t, s.TouchAck(ctx, "s1", t0.Add(5*time.Minute)))
	require.NoError(t, s.TouchAck(ctx, "s1", t0.Add(time.Minute)))

	stale := openSession("s1")
	stale.LastHeartbeatAt = t0.Add(6 * time.Minute)
	require.NoError(t, s.Save(ctx, stale))

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, t0.Add(5*time.Minute), got[0].LastAckAt)
	assert.Equal(t, t0.Add(6*time.Minute), got[0].LastHeartbeatAt)
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, openSession("s1")))

	require.NoError(t, s.Delete(ctx, "s1"))
	require.NoError(t, s.Delete(ctx, "s1"))

	got, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}
