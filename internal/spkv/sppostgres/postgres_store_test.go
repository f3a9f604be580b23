package sppostgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/brandur/signpost/internal/spkv"
)

var logger = logrus.New()

var stableTime = time.Date(2022, 11, 9, 10, 11, 12, 0, time.UTC)

func TestPostgresStore(t *testing.T) {
	var (
		ctx   context.Context
		mock  sqlmock.Sqlmock
		store *PostgresStore
	)

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()

			var db *sql.DB
			var err error

			ctx = context.Background()
			db, mock, err = sqlmock.New()
			require.NoError(t, err)
			t.Cleanup(func() {
				require.NoError(t, mock.ExpectationsWereMet())
				db.Close()
			})

			store = newPostgresStoreWithDB(logger, db)
			store.timeNow = func() time.Time { return stableTime }

			test(t)
		}
	}

	t.Run("Get", setup(func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(queryGet)).
			WithArgs("lunch", stableTime).
			WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("tacos"))

		val, err := store.Get(ctx, "lunch")
		require.NoError(t, err)
		require.Equal(t, "tacos", val)
	}))

	t.Run("GetNotFound", setup(func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(queryGet)).
			WithArgs("lunch", stableTime).
			WillReturnRows(sqlmock.NewRows([]string{"value"}))

		_, err := store.Get(ctx, "lunch")
		require.ErrorIs(t, err, spkv.ErrKeyNotFound)
	}))

	t.Run("GetError", setup(func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(queryGet)).
			WithArgs("lunch", stableTime).
			WillReturnError(xerrors.New("connection reset"))

		_, err := store.Get(ctx, "lunch")
		require.Error(t, err)
		require.NotErrorIs(t, err, spkv.ErrKeyNotFound)
	}))

	t.Run("Set", setup(func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(queryUpsert)).
			WithArgs("lunch", "tacos", nil).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.Set(ctx, "lunch", "tacos"))
	}))

	t.Run("SetWithTTL", setup(func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(queryUpsert)).
			WithArgs("lunch", "tacos", stableTime.Add(2*time.Second)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.SetWithTTL(ctx, "lunch", "tacos", 2*time.Second))
	}))

	t.Run("SetWithNonPositiveTTL", setup(func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(queryUpsert)).
			WithArgs("lunch", "tacos", nil).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.SetWithTTL(ctx, "lunch", "tacos", 0))
	}))

	t.Run("TTL", setup(func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(queryGetExpiresAt)).
			WithArgs("lunch", stableTime).
			WillReturnRows(sqlmock.NewRows([]string{"expires_at"}).AddRow(stableTime.Add(90 * time.Second)))

		ttl, err := store.TTL(ctx, "lunch")
		require.NoError(t, err)
		require.Equal(t, 90*time.Second, ttl)
	}))

	t.Run("TTLNone", setup(func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(queryGetExpiresAt)).
			WithArgs("lunch", stableTime).
			WillReturnRows(sqlmock.NewRows([]string{"expires_at"}).AddRow(nil))

		ttl, err := store.TTL(ctx, "lunch")
		require.NoError(t, err)
		require.Zero(t, ttl)
	}))

	t.Run("TTLNotFound", setup(func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(queryGetExpiresAt)).
			WithArgs("lunch", stableTime).
			WillReturnRows(sqlmock.NewRows([]string{"expires_at"}))

		_, err := store.TTL(ctx, "lunch")
		require.ErrorIs(t, err, spkv.ErrKeyNotFound)
	}))

	t.Run("Delete", setup(func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(queryDelete)).
			WithArgs("lunch").
			WillReturnResult(sqlmock.NewResult(0, 0))

		require.NoError(t, store.Delete(ctx, "lunch"))
	}))

	t.Run("CompareAndDelete", setup(func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(queryCompareAndDelete)).
			WithArgs("lunch", "tacos", stableTime).
			WillReturnResult(sqlmock.NewResult(0, 1))

		deleted, err := store.CompareAndDelete(ctx, "lunch", "tacos")
		require.NoError(t, err)
		require.True(t, deleted)
	}))

	t.Run("CompareAndDeleteChanged", setup(func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(queryCompareAndDelete)).
			WithArgs("lunch", "tacos", stableTime).
			WillReturnResult(sqlmock.NewResult(0, 0))

		deleted, err := store.CompareAndDelete(ctx, "lunch", "tacos")
		require.NoError(t, err)
		require.False(t, deleted)
	}))

	t.Run("Reap", setup(func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(queryReap)).
			WithArgs(stableTime).
			WillReturnResult(sqlmock.NewResult(0, 3))

		numReaped, err := store.reap(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(3), numReaped)
	}))

	t.Run("ReapLoop", setup(func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(queryReap)).
			WithArgs(stableTime).
			WillReturnResult(sqlmock.NewResult(0, 1))

		shutdown := make(chan struct{})
		close(shutdown)

		// Pre-closed, so this reaps once and returns.
		store.ReapLoop(shutdown)
	}))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)

	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	require.Equal(t, []string{
		"000001_create_signpost_entries.down.sql",
		"000001_create_signpost_entries.up.sql",
	}, names)
}
