package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/attendance/store"
)

var t0 = time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)

func openSession(id, person string) attendance.Session {
	return attendance.Session{
		ID:       attendance.SessionID(id),
		PersonID: attendance.PersonID(person),
		Date:     attendance.DateOf(t0),
		WorkDate: attendance.DateOf(t0),
		TimeIn:   t0,
		Status:   attendance.SessionOpen,
	}
}

func TestMemory_OneOpenSessionPerPerson(t *testing.T) {
	m := store.NewTxMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateSession(ctx, openSession("s-1", "p-1")))
	err := m.CreateSession(ctx, openSession("s-2", "p-1"))
	assert.ErrorIs(t, err, attendance.ErrOpenSessionExists)

	assert.NoError(t, m.CreateSession(ctx, openSession("s-3", "p-2")))
}

func TestMemory_UpdateSession_VersionCheck(t *testing.T) {
	m := store.NewTxMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateSession(ctx, openSession("s-1", "p-1")))

	s, err := m.GetSession(ctx, "s-1")
	require.NoError(t, err)
	require.Equal(t, 1, s.Version)

	s.TaskLog = "first"
	require.NoError(t, m.UpdateSession(ctx, *s))

	// same stale copy again
	s.TaskLog = "second"
	err = m.UpdateSession(ctx, *s)
	assert.ErrorIs(t, err, attendance.ErrConcurrentModification)

	cur, err := m.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Version)
	assert.Equal(t, "first", cur.TaskLog)
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that writes a session and a notification
	// WHEN: The callback fails
	// THEN: Neither write is visible

	m := store.NewTxMemory()
	ctx := context.Background()

	err := m.WithTx(ctx, func(tx attendance.Store) error {
		if err := tx.CreateSession(ctx, openSession("s-1", "p-1")); err != nil {
			return err
		}
		if err := tx.SaveNotification(ctx, attendance.Notification{ID: "n-1", IdempotencyKey: "k-1"}); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)

	s, err := m.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.NoError(t, m.SaveNotification(ctx, attendance.Notification{ID: "n-2", IdempotencyKey: "k-1"}),
		"idempotency key released by rollback")
}

func TestMemory_NotificationDedup(t *testing.T) {
	m := store.NewTxMemory()
	ctx := context.Background()

	n := attendance.Notification{ID: "n-1", Kind: attendance.NotifyLongSession, PersonID: "p-1", IdempotencyKey: "session:s-1:LONG_SESSION"}
	require.NoError(t, m.SaveNotification(ctx, n))
	n.ID = "n-2"
	assert.ErrorIs(t, m.SaveNotification(ctx, n), attendance.ErrDuplicateNotification)

	list, err := m.ListNotifications(ctx, attendance.NotificationFilter{PersonID: "p-1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemory_BadgeUniqueAmongActive(t *testing.T) {
	m := store.NewTxMemory()
	ctx := context.Background()

	require.NoError(t, m.SavePerson(ctx, attendance.Person{ID: "p-1", BadgeCode: "B-1", Status: attendance.PersonInactive}))
	require.NoError(t, m.SavePerson(ctx, attendance.Person{ID: "p-2", BadgeCode: "B-1", Status: attendance.PersonActive}))
	err := m.SavePerson(ctx, attendance.Person{ID: "p-3", BadgeCode: "B-1", Status: attendance.PersonActive})
	assert.ErrorIs(t, err, attendance.ErrBadgeInUse)

	p, err := m.GetPersonByBadge(ctx, "B-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, attendance.PersonID("p-2"), p.ID)
}

func TestMemory_ListSessionsByPerson_DateRange(t *testing.T) {
	m := store.NewTxMemory()
	ctx := context.Background()
	for i, id := range []string{"s-1", "s-2", "s-3"} {
		s := openSession(id, "p-1")
		s.TimeIn = t0.AddDate(0, 0, i)
		s.Date = attendance.DateOf(s.TimeIn)
		out := s.TimeIn.Add(8 * time.Hour)
		s.TimeOut = &out
		s.Status = attendance.SessionClosed
		require.NoError(t, m.CreateSession(ctx, s))
	}

	all, err := m.ListSessionsByPerson(ctx, "p-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, attendance.SessionID("s-3"), all[0].ID, "newest first")

	some, err := m.ListSessionsByPerson(ctx, "p-1", t0.AddDate(0, 0, 1), t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, attendance.SessionID("s-2"), some[0].ID)
}
