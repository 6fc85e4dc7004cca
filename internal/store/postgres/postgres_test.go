package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/counter"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

var eventRowColumns = []string{
	"id", "action", "entity_type", "entity_id", "organization_id",
	"changed_keys", "cache_token", "entity", "created_at",
}

func TestQueryIncrement(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`INSERT INTO counters .+ ON CONFLICT \(namespace, scope, key\) DO UPDATE\s+SET value = GREATEST\(0, counters.value \+ \$4::bigint\)`).
		WithArgs("m", "org_1", "", int64(-2)).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(0))

	got, err := queryIncrement(context.Background(), db, "m", "org_1", "", -2)
	if err != nil {
		t.Fatalf("queryIncrement: %v", err)
	}
	if got != 0 {
		t.Fatalf("value = %d, want 0", got)
	}
}

func TestQueryGetCounter(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT value FROM counters`).
		WithArgs("m", "org_1", "").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(4))
	mock.ExpectQuery(`SELECT value FROM counters`).
		WithArgs("m", "org_2", "").
		WillReturnError(sql.ErrNoRows)

	ctx := context.Background()
	if got, err := queryGetCounter(ctx, db, "m", "org_1", ""); err != nil || got != 4 {
		t.Fatalf("existing = %d, %v", got, err)
	}
	if got, err := queryGetCounter(ctx, db, "m", "org_2", ""); err != nil || got != 0 {
		t.Fatalf("missing = %d, %v; want 0, nil", got, err)
	}
}

func TestQueryDeleteScope(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(`DELETE FROM counters WHERE scope = \$1`).
		WithArgs("org_1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := queryDeleteScope(context.Background(), db, "org_1")
	if err != nil || n != 3 {
		t.Fatalf("queryDeleteScope = %d, %v", n, err)
	}
}

func TestQueryGetAllByScope(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT namespace, key, value FROM counters`).
		WithArgs("org_1").
		WillReturnRows(sqlmock.NewRows([]string{"namespace", "key", "value"}).
			AddRow("m", "", 3).
			AddRow("pages", "published", 7))

	got, err := queryGetAllByScope(context.Background(), db, "org_1")
	if err != nil {
		t.Fatalf("queryGetAllByScope: %v", err)
	}
	if len(got) != 2 || got["m"] != 3 || got["pages:published"] != 7 {
		t.Fatalf("got %v", got)
	}
}

func TestSeed(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM counters WHERE scope = \$1`).
		WithArgs("org_1").
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`INSERT INTO counters`).
		WithArgs("m", "org_1", "", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO counters`).
		WithArgs("pages", "org_1", "published", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Seed(context.Background(), "org_1", []counter.Value{
		{Namespace: "m", Value: 3},
		{Namespace: "pages", Key: "published", Value: 7},
	})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
}

func TestSeed_RollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM counters`).
		WithArgs("org_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO counters`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if err := s.Seed(context.Background(), "org_1", []counter.Value{{Namespace: "m", Value: 1}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestQueryScopesAndLen(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT DISTINCT scope FROM counters ORDER BY scope`).
		WillReturnRows(sqlmock.NewRows([]string{"scope"}).AddRow("org_1").AddRow("org_2"))
	mock.ExpectQuery(`SELECT count\(\*\) FROM counters`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	ctx := context.Background()
	scopes, err := queryScopes(ctx, db)
	if err != nil || len(scopes) != 2 {
		t.Fatalf("queryScopes = %v, %v", scopes, err)
	}
	n, err := queryCountCounters(ctx, db)
	if err != nil || n != 5 {
		t.Fatalf("queryCountCounters = %d, %v", n, err)
	}
}

func TestQueryAppendEvent(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := &activity.Event{
		ID:             "00000000000000000001",
		Action:         activity.ActionUpdate,
		EntityType:     activity.EntityPage,
		EntityID:       "page_9",
		OrganizationID: "org_1",
		ChangedKeys:    []string{"title"},
		CreatedAt:      now,
		CacheToken:     "abc123",
	}
	mock.ExpectExec(`INSERT INTO activity_events`).
		WithArgs(ev.ID, "update", "page", "page_9", "org_1", []byte(`["title"]`), "abc123", sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := queryAppendEvent(context.Background(), db, ev); err != nil {
		t.Fatalf("queryAppendEvent: %v", err)
	}
}

func TestQuerySince(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("no filters", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`SELECT .+ FROM activity_events WHERE id > \$1 ORDER BY id ASC$`).
			WithArgs("").
			WillReturnRows(sqlmock.NewRows(eventRowColumns).
				AddRow("00000000000000000001", "create", "page", "page_9", "org_1", nil, "", []byte(`{"id":"page_9"}`), now).
				AddRow("00000000000000000002", "update", "page", "page_9", "org_1", []byte(`["title"]`), "abc123", nil, now))

		got, err := querySince(context.Background(), db, store.EventQuery{})
		if err != nil {
			t.Fatalf("querySince: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d events", len(got))
		}
		if got[0].ChangedKeys != nil || string(got[0].Entity) != `{"id":"page_9"}` {
			t.Fatalf("first event = %+v", got[0])
		}
		if len(got[1].ChangedKeys) != 1 || got[1].CacheToken != "abc123" || got[1].Entity != nil {
			t.Fatalf("second event = %+v", got[1])
		}
	})

	t.Run("all filters", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`WHERE id > \$1 AND organization_id = \$2 AND entity_type = ANY\(\$3\) ORDER BY id ASC LIMIT \$4`).
			WithArgs("00000000000000000005", "org_1", sqlmock.AnyArg(), 10).
			WillReturnRows(sqlmock.NewRows(eventRowColumns))

		got, err := querySince(context.Background(), db, store.EventQuery{
			After:          "00000000000000000005",
			Limit:          10,
			OrganizationID: "org_1",
			EntityTypes:    []activity.EntityType{activity.EntityPage},
		})
		if err != nil || len(got) != 0 {
			t.Fatalf("querySince = %v, %v", got, err)
		}
	})
}

func TestQueryHead(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT max\(id\) FROM activity_events`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectQuery(`SELECT max\(id\) FROM activity_events`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow("00000000000000000009"))

	ctx := context.Background()
	if head, err := queryHead(ctx, db); err != nil || head != "" {
		t.Fatalf("empty head = %q, %v", head, err)
	}
	if head, err := queryHead(ctx, db); err != nil || head != "00000000000000000009" {
		t.Fatalf("head = %q, %v", head, err)
	}
}

func TestScanEvent_BadChangedKeys(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT .+ FROM activity_events`).
		WillReturnRows(sqlmock.NewRows(eventRowColumns).
			AddRow("1", "update", "page", "p", "", []byte(`{`), "", nil, time.Now()))

	if _, err := querySince(context.Background(), db, store.EventQuery{}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestJSONHelpers(t *testing.T) {
	if jsonbBytes(nil) != nil {
		t.Error("jsonbBytes(nil) should be nil")
	}
	if got := jsonbBytes(json.RawMessage(`{"a":1}`)); string(got) != `{"a":1}` {
		t.Errorf("jsonbBytes = %s", got)
	}
	if b, err := jsonbStrings(nil); err != nil || b != nil {
		t.Errorf("jsonbStrings(nil) = %s, %v", b, err)
	}
}
