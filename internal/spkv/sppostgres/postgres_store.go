// Package sppostgres implements spkv's `Store` interface on PostgreSQL.
// Postgres has no native key expiry, so entries carry an `expires_at` column
// that reads filter on and a reap loop periodically clears out.
package sppostgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"reflect"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/signpost/internal/spkv"
)

const reapInterval = 1 * time.Minute

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	queryGet = `SELECT value FROM signpost_entries
WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`

	queryGetExpiresAt = `SELECT expires_at FROM signpost_entries
WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`

	queryUpsert = `INSERT INTO signpost_entries (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`

	queryDelete = `DELETE FROM signpost_entries WHERE key = $1`

	queryCompareAndDelete = `DELETE FROM signpost_entries
WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > $3)`

	queryReap = `DELETE FROM signpost_entries WHERE expires_at <= $1`
)

type PostgresStore struct {
	db              *sql.DB
	logger          *logrus.Logger
	name            string
	reapLoopStarted bool
	timeNow         func() time.Time
}

// NewPostgresStore opens a connection pool to the database at databaseURL and
// runs any pending migrations.
func NewPostgresStore(logger *logrus.Logger, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, xerrors.Errorf("error opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, xerrors.Errorf("error pinging database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, xerrors.Errorf("error running migrations: %w", err)
	}

	return newPostgresStoreWithDB(logger, db), nil
}

func newPostgresStoreWithDB(logger *logrus.Logger, db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:      db,
		logger:  logger,
		name:    reflect.TypeOf(PostgresStore{}).Name(),
		timeNow: time.Now,
	}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return xerrors.Errorf("error creating migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return xerrors.Errorf("error creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return xerrors.Errorf("error creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return xerrors.Errorf("error applying migrations: %w", err)
	}

	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close() //nolint:wrapcheck
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	if err := s.db.QueryRowContext(ctx, queryGet, key, s.timeNow()).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", spkv.ErrKeyNotFound
		}

		return "", xerrors.Errorf("error getting key %q: %w", key, err)
	}

	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, queryUpsert, key, value, sql.NullTime{}); err != nil {
		return xerrors.Errorf("error setting key %q: %w", key, err)
	}

	return nil
}

func (s *PostgresStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Set(ctx, key, value)
	}

	expiresAt := sql.NullTime{Time: s.timeNow().Add(ttl), Valid: true}
	if _, err := s.db.ExecContext(ctx, queryUpsert, key, value, expiresAt); err != nil {
		return xerrors.Errorf("error setting key %q with TTL: %w", key, err)
	}

	return nil
}

func (s *PostgresStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	now := s.timeNow()

	var expiresAt sql.NullTime
	if err := s.db.QueryRowContext(ctx, queryGetExpiresAt, key, now).Scan(&expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, spkv.ErrKeyNotFound
		}

		return 0, xerrors.Errorf("error getting TTL of key %q: %w", key, err)
	}

	if !expiresAt.Valid {
		return 0, nil
	}

	return expiresAt.Time.Sub(now), nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, queryDelete, key); err != nil {
		return xerrors.Errorf("error deleting key %q: %w", key, err)
	}

	return nil
}

func (s *PostgresStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := s.db.ExecContext(ctx, queryCompareAndDelete, key, expected, s.timeNow())
	if err != nil {
		return false, xerrors.Errorf("error compare-and-deleting key %q: %w", key, err)
	}

	numDeleted, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Errorf("error reading rows affected: %w", err)
	}

	return numDeleted > 0, nil
}

// ReapLoop periodically deletes expired rows until shutdown is closed.
func (s *PostgresStore) ReapLoop(shutdown <-chan struct{}) {
	if s.reapLoopStarted {
		panic("ReapLoop already started -- should only be run once")
	}

	s.reapLoopStarted = true

	for {
		if _, err := s.reap(context.Background()); err != nil {
			s.logger.Errorf("%s: Error reaping: %v", s.name, err)
		}

		select {
		case <-shutdown:
			s.logger.Infof("%s: Received shutdown signal", s.name)
			return

		case <-time.After(reapInterval):
		}
	}
}

func (s *PostgresStore) reap(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, queryReap, s.timeNow())
	if err != nil {
		return 0, xerrors.Errorf("error deleting expired entries: %w", err)
	}

	numReaped, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Errorf("error reading rows affected: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"num_reaped": numReaped,
	}).Infof("%s: Reaped %d entry(s)", s.name, numReaped)

	return numReaped, nil
}
