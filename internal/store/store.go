// Package store defines the persistence interfaces for counters and the
// activity event log.
package store

import (
	"context"
	"errors"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/counter"
)

// ErrCursorExpired is returned by EventLog.Since when the requested cursor
// is older than the retained history, so a gap-free answer is impossible.
var ErrCursorExpired = errors.New("cursor is older than retained history")

// CounterStore holds clamped, non-negative counters keyed by
// (namespace, scope, key). Every method is safe for concurrent use.
type CounterStore interface {
	// Increment atomically applies delta and returns the new value,
	// clamped at zero. A missing counter starts from zero.
	Increment(ctx context.Context, namespace, scope, key string, delta int64) (int64, error)
	// Get returns 0 for a counter that does not exist.
	Get(ctx context.Context, namespace, scope, key string) (int64, error)
	// DeleteByScope removes every counter of scope and returns how many.
	DeleteByScope(ctx context.Context, scope string) (int64, error)
	// GetAllByScope returns the scope's counters keyed by counter.FieldName.
	GetAllByScope(ctx context.Context, scope string) (map[string]int64, error)
	// Seed replaces every counter of scope with values in one step.
	Seed(ctx context.Context, scope string, values []counter.Value) error
	// Scopes lists every scope with at least one counter, sorted.
	Scopes(ctx context.Context) ([]string, error)
	// Len returns the total number of counters.
	Len(ctx context.Context) (int64, error)

	Close() error
}

// EventQuery selects events from the log. Zero values mean "no filter".
type EventQuery struct {
	// After excludes events with an id <= After. Empty means from the start.
	After          string
	Limit          int
	OrganizationID string
	EntityTypes    []activity.EntityType
}

// Matches reports whether ev passes the query's filters (not After/Limit).
func (q EventQuery) Matches(ev *activity.Event) bool {
	if q.OrganizationID != "" && ev.OrganizationID != q.OrganizationID {
		return false
	}
	if len(q.EntityTypes) == 0 {
		return true
	}
	for _, t := range q.EntityTypes {
		if t == ev.EntityType {
			return true
		}
	}
	return false
}

// EventLog is the append-only history that catch-up reads from. Ids are
// appended in increasing order.
type EventLog interface {
	Append(ctx context.Context, ev *activity.Event) error
	// Since returns matching events with id > q.After in ascending id order,
	// at most q.Limit of them when Limit > 0.
	Since(ctx context.Context, q EventQuery) ([]*activity.Event, error)
	// Head returns the id of the newest event, or "" when the log is empty.
	Head(ctx context.Context) (string, error)

	Close() error
}
