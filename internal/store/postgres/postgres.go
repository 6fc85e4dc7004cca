// Package postgres implements the counter store and the activity event log
// on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/counter"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements store.CounterStore and store.EventLog on one database.
type Store struct {
	db *sql.DB
}

var (
	_ store.CounterStore = (*Store)(nil)
	_ store.EventLog     = (*Store)(nil)
)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an already-migrated database handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Increment(ctx context.Context, namespace, scope, key string, delta int64) (int64, error) {
	return queryIncrement(ctx, s.db, namespace, scope, key, delta)
}

func (s *Store) Get(ctx context.Context, namespace, scope, key string) (int64, error) {
	return queryGetCounter(ctx, s.db, namespace, scope, key)
}

func (s *Store) DeleteByScope(ctx context.Context, scope string) (int64, error) {
	return queryDeleteScope(ctx, s.db, scope)
}

func (s *Store) GetAllByScope(ctx context.Context, scope string) (map[string]int64, error) {
	return queryGetAllByScope(ctx, s.db, scope)
}

func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	return queryScopes(ctx, s.db)
}

func (s *Store) Len(ctx context.Context) (int64, error) {
	return queryCountCounters(ctx, s.db)
}

// Seed deletes the scope and inserts values inside one transaction.
func (s *Store) Seed(ctx context.Context, scope string, values []counter.Value) error {
	return s.runInTransaction(ctx, func(tx executor) error {
		if _, err := queryDeleteScope(ctx, tx, scope); err != nil {
			return err
		}
		for _, v := range values {
			if err := queryInsertCounter(ctx, tx, scope, v); err != nil {
				return fmt.Errorf("insert %s: %w", counter.FieldName(v.Namespace, v.Key), err)
			}
		}
		return nil
	})
}

func (s *Store) Append(ctx context.Context, ev *activity.Event) error {
	return queryAppendEvent(ctx, s.db, ev)
}

func (s *Store) Since(ctx context.Context, q store.EventQuery) ([]*activity.Event, error) {
	return querySince(ctx, s.db, q)
}

func (s *Store) Head(ctx context.Context) (string, error) {
	return queryHead(ctx, s.db)
}

// runInTransaction begins a transaction, calls fn, and commits on success
// or rolls back on error.
func (s *Store) runInTransaction(ctx context.Context, fn func(tx executor) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
