// Package sqlite implements the counter store and the activity event log on
// an embedded SQLite database, for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/counter"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists counters and events in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ store.CounterStore = (*Store)(nil)
	_ store.EventLog     = (*Store)(nil)
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Increment(ctx context.Context, namespace, scope, key string, delta int64) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (namespace, scope, "key", value, updated_at)
		VALUES (?1, ?2, ?3, MAX(0, ?4), ?5)
		ON CONFLICT (namespace, scope, "key") DO UPDATE
		SET value = MAX(0, counters.value + ?4), updated_at = ?5
		RETURNING value`,
		namespace, scope, key, delta, toMillis(s.now()),
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("increment %s/%s: %w", scope, counter.FieldName(namespace, key), err)
	}
	return value, nil
}

func (s *Store) Get(ctx context.Context, namespace, scope, key string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE namespace = ? AND scope = ? AND "key" = ?`,
		namespace, scope, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return value, err
}

func (s *Store) DeleteByScope(ctx context.Context, scope string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM counters WHERE scope = ?`, scope)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetAllByScope(ctx context.Context, scope string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT namespace, "key", value FROM counters WHERE scope = ? ORDER BY namespace, "key"`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			ns, key string
			value   int64
		)
		if err := rows.Scan(&ns, &key, &value); err != nil {
			return nil, err
		}
		out[counter.FieldName(ns, key)] = value
	}
	return out, rows.Err()
}

// Seed replaces the scope inside one transaction.
func (s *Store) Seed(ctx context.Context, scope string, values []counter.Value) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM counters WHERE scope = ?`, scope); err != nil {
		_ = tx.Rollback()
		return err
	}
	now := toMillis(s.now())
	for _, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO counters (namespace, scope, "key", value, updated_at) VALUES (?, ?, ?, MAX(0, ?), ?)`,
			v.Namespace, scope, v.Key, v.Value, now,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert %s: %w", counter.FieldName(v.Namespace, v.Key), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT scope FROM counters ORDER BY scope`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

func (s *Store) Len(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM counters`).Scan(&n)
	return n, err
}

func (s *Store) Append(ctx context.Context, ev *activity.Event) error {
	var changed sql.NullString
	if ev.ChangedKeys != nil {
		b, err := json.Marshal(ev.ChangedKeys)
		if err != nil {
			return fmt.Errorf("encode changed_keys: %w", err)
		}
		changed = sql.NullString{String: string(b), Valid: true}
	}
	var entity sql.NullString
	if len(ev.Entity) > 0 {
		entity = sql.NullString{String: string(ev.Entity), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_events (
		  id, action, entity_type, entity_id, organization_id,
		  changed_keys, cache_token, entity, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Action), string(ev.EntityType), ev.EntityID, ev.OrganizationID,
		changed, ev.CacheToken, entity, toMillis(ev.CreatedAt),
	)
	return err
}

func (s *Store) Since(ctx context.Context, q store.EventQuery) ([]*activity.Event, error) {
	where := []string{"id > ?"}
	args := []any{q.After}
	if q.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, q.OrganizationID)
	}
	if len(q.EntityTypes) > 0 {
		marks := make([]string, len(q.EntityTypes))
		for i, t := range q.EntityTypes {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "entity_type IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT id, action, entity_type, entity_id, organization_id,
		changed_keys, cache_token, entity, created_at
		FROM activity_events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC`
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*activity.Event
	for rows.Next() {
		var (
			ev              activity.Event
			action, typ     string
			changed, entity sql.NullString
			created         int64
		)
		if err := rows.Scan(&ev.ID, &action, &typ, &ev.EntityID, &ev.OrganizationID,
			&changed, &ev.CacheToken, &entity, &created); err != nil {
			return nil, err
		}
		ev.Action = activity.Action(action)
		ev.EntityType = activity.EntityType(typ)
		ev.CreatedAt = fromMillis(created)
		if changed.Valid {
			if err := json.Unmarshal([]byte(changed.String), &ev.ChangedKeys); err != nil {
				return nil, fmt.Errorf("decode changed_keys of %s: %w", ev.ID, err)
			}
		}
		if entity.Valid {
			ev.Entity = json.RawMessage(entity.String)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *Store) Head(ctx context.Context) (string, error) {
	var id sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT max(id) FROM activity_events`).Scan(&id); err != nil {
		return "", err
	}
	return id.String, nil
}
