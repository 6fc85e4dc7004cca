package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/counter"
)

// scannable is satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanEvent(row scannable) (*activity.Event, error) {
	var (
		ev      activity.Event
		action  string
		typ     string
		changed []byte
		entity  []byte
	)
	err := row.Scan(
		&ev.ID,
		&action,
		&typ,
		&ev.EntityID,
		&ev.OrganizationID,
		&changed,
		&ev.CacheToken,
		&entity,
		&ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Action = activity.Action(action)
	ev.EntityType = activity.EntityType(typ)
	if len(changed) > 0 && string(changed) != "null" {
		if err := json.Unmarshal(changed, &ev.ChangedKeys); err != nil {
			return nil, fmt.Errorf("decode changed_keys of %s: %w", ev.ID, err)
		}
	}
	if len(entity) > 0 && string(entity) != "null" {
		ev.Entity = json.RawMessage(entity)
	}
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]*activity.Event, error) {
	var out []*activity.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanCounterFields(rows *sql.Rows) (map[string]int64, error) {
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

// jsonbBytes returns nil for an empty payload so the column stores NULL.
func jsonbBytes(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}

func jsonbStrings(s []string) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode changed_keys: %w", err)
	}
	return b, nil
}
