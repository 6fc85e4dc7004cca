package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/counter"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

// eventColumns is the column list used for SELECT statements on activity_events.
const eventColumns = `id, action, entity_type, entity_id, organization_id,
	changed_keys, cache_token, entity, created_at`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queryIncrement is a single upsert so concurrent writers never race on a
// read-modify-write.
func queryIncrement(ctx context.Context, db executor, namespace, scope, key string, delta int64) (int64, error) {
	var value int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO counters (namespace, scope, key, value, updated_at)
		VALUES ($1, $2, $3, GREATEST(0, $4::bigint), now())
		ON CONFLICT (namespace, scope, key) DO UPDATE
		SET value = GREATEST(0, counters.value + $4::bigint), updated_at = now()
		RETURNING value`,
		namespace, scope, key, delta,
	).Scan(&value)
	return value, err
}

func queryGetCounter(ctx context.Context, db executor, namespace, scope, key string) (int64, error) {
	var value int64
	err := db.QueryRowContext(ctx, `
		SELECT value FROM counters
		WHERE namespace = $1 AND scope = $2 AND key = $3`,
		namespace, scope, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return value, err
}

func queryDeleteScope(ctx context.Context, db executor, scope string) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM counters WHERE scope = $1`, scope)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func queryGetAllByScope(ctx context.Context, db executor, scope string) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT namespace, key, value FROM counters
		WHERE scope = $1
		ORDER BY namespace, key`,
		scope,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCounterFields(rows)
}

func queryInsertCounter(ctx context.Context, db executor, scope string, v counter.Value) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO counters (namespace, scope, key, value, updated_at)
		VALUES ($1, $2, $3, GREATEST(0, $4::bigint), now())`,
		v.Namespace, scope, v.Key, v.Value,
	)
	return err
}

func queryScopes(ctx context.Context, db executor) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT scope FROM counters ORDER BY scope`)
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

func queryCountCounters(ctx context.Context, db executor) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM counters`).Scan(&n)
	return n, err
}

func queryAppendEvent(ctx context.Context, db executor, ev *activity.Event) error {
	changed, err := jsonbStrings(ev.ChangedKeys)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO activity_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID,
		string(ev.Action),
		string(ev.EntityType),
		ev.EntityID,
		ev.OrganizationID,
		changed,
		ev.CacheToken,
		jsonbBytes(ev.Entity),
		ev.CreatedAt,
	)
	return err
}

// querySince builds the WHERE clause from the non-empty query filters.
func querySince(ctx context.Context, db executor, q store.EventQuery) ([]*activity.Event, error) {
	where := []string{"id > $1"}
	args := []any{q.After}

	if q.OrganizationID != "" {
		args = append(args, q.OrganizationID)
		where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if len(q.EntityTypes) > 0 {
		types := make([]string, len(q.EntityTypes))
		for i, t := range q.EntityTypes {
			types[i] = string(t)
		}
		args = append(args, pq.Array(types))
		where = append(where, fmt.Sprintf("entity_type = ANY($%d)", len(args)))
	}

	query := `SELECT ` + eventColumns + ` FROM activity_events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY id ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func queryHead(ctx context.Context, db executor) (string, error) {
	var id sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT max(id) FROM activity_events`).Scan(&id); err != nil {
		return "", err
	}
	return id.String, nil
}
