package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	s := New("s-1", "clinic-1", testNow)
	created, err := store.Create(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	_, err = store.Create(ctx, s)
	assert.ErrorIs(t, err, ErrExists)

	loaded, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StageInitial, loaded.Stage)
	assert.Equal(t, WelcomeMessage, loaded.History[0].Text)

	loaded.Stage = StageAwaitingPain
	loaded.ActiveAgent = IntakeSpecialist
	saved, err := store.Save(ctx, loaded)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	// a stale writer loses
	_, err = store.Save(ctx, loaded)
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	idle, err := store.ListIdle(ctx, testNow.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "s-1", idle[0].ID)

	idle, err = store.ListIdle(ctx, testNow.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, idle)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, time.Hour)
	exerciseStore(t, store)

	ctx := context.Background()
	s, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	s.Status = StatusCompleted
	_, err = store.Save(ctx, s)
	require.NoError(t, err)

	idle, err := store.ListIdle(ctx, testNow.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, idle, "completed sessions leave the active index")
	assert.True(t, mr.Exists("pearlflow:session:s-1"))
}

func TestPostgresStoreSaveUsesVersion(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPostgresStoreWithDB(mock)
	ctx := context.Background()
	s := New("s-1", "clinic-1", testNow)

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("s-1", "clinic-1", "ACTIVE", int64(1), pgxmock.AnyArg(), testNow, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	created, err := store.Create(ctx, s)
	require.NoError(t, err)

	state, err := json.Marshal(created)
	require.NoError(t, err)
	mock.ExpectQuery("SELECT state, version FROM sessions").
		WithArgs("s-1").
		WillReturnRows(pgxmock.NewRows([]string{"state", "version"}).AddRow(state, int64(1)))
	loaded, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "clinic-1", loaded.ClinicID)

	mock.ExpectExec("UPDATE sessions").
		WithArgs("ACTIVE", int64(2), pgxmock.AnyArg(), testNow, "s-1", int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	saved, err := store.Save(ctx, loaded)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	mock.ExpectExec("UPDATE sessions").
		WithArgs("ACTIVE", int64(2), pgxmock.AnyArg(), testNow, "s-1", int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT state, version FROM sessions").
		WithArgs("s-1").
		WillReturnRows(pgxmock.NewRows([]string{"state", "version"}).AddRow(state, int64(2)))
	_, err = store.Save(ctx, loaded)
	assert.ErrorIs(t, err, ErrVersionConflict)

	require.NoError(t, mock.ExpectationsWereMet())
}
