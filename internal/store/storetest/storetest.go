// Package storetest holds behaviour tests shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/counter"
	"github.com/alfredjeanlab/changefeed/internal/idgen"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

// CounterStore runs the counter contract against stores built by newStore.
// newStore must return an empty store each call.
func CounterStore(t *testing.T, newStore func(t *testing.T) store.CounterStore) {
	ctx := context.Background()

	t.Run("missing counter is zero", func(t *testing.T) {
		s := newStore(t)
		v, err := s.Get(ctx, "m", "org_1", "")
		if err != nil || v != 0 {
			t.Fatalf("Get = %d, %v; want 0, nil", v, err)
		}
	})

	t.Run("increment clamps at zero", func(t *testing.T) {
		s := newStore(t)
		for _, step := range []struct {
			delta, want int64
		}{
			{-1, 0},
			{3, 3},
			{-5, 0},
			{2, 2},
		} {
			got, err := s.Increment(ctx, "m", "org_1", "", step.delta)
			if err != nil {
				t.Fatalf("Increment(%d): %v", step.delta, err)
			}
			if got != step.want {
				t.Fatalf("Increment(%d) = %d, want %d", step.delta, got, step.want)
			}
		}
		if v, _ := s.Get(ctx, "m", "org_1", ""); v != 2 {
			t.Fatalf("Get = %d, want 2", v)
		}
	})

	t.Run("concurrent increments", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Increment(ctx, "pages", "org_1", "published", 1); err != nil {
					t.Errorf("Increment: %v", err)
				}
			}()
		}
		wg.Wait()
		if v, _ := s.Get(ctx, "pages", "org_1", "published"); v != 20 {
			t.Fatalf("Get = %d, want 20", v)
		}
	})

	t.Run("scope operations", func(t *testing.T) {
		s := newStore(t)
		mustIncrement(t, s, "m", "org_1", "", 3)
		mustIncrement(t, s, "pages", "org_1", "published", 7)
		mustIncrement(t, s, "m", "org_2", "", 1)

		all, err := s.GetAllByScope(ctx, "org_1")
		if err != nil {
			t.Fatalf("GetAllByScope: %v", err)
		}
		if len(all) != 2 || all["m"] != 3 || all["pages:published"] != 7 {
			t.Fatalf("GetAllByScope = %v", all)
		}

		scopes, err := s.Scopes(ctx)
		if err != nil {
			t.Fatalf("Scopes: %v", err)
		}
		if len(scopes) != 2 || scopes[0] != "org_1" || scopes[1] != "org_2" {
			t.Fatalf("Scopes = %v", scopes)
		}

		n, err := s.DeleteByScope(ctx, "org_1")
		if err != nil || n != 2 {
			t.Fatalf("DeleteByScope = %d, %v; want 2", n, err)
		}
		if v, _ := s.Get(ctx, "m", "org_2", ""); v != 1 {
			t.Fatalf("other scope affected: %d", v)
		}
		if total, _ := s.Len(ctx); total != 1 {
			t.Fatalf("Len = %d, want 1", total)
		}
	})

	t.Run("seed overwrites scope", func(t *testing.T) {
		s := newStore(t)
		mustIncrement(t, s, "stale", "org_1", "", 9)
		mustIncrement(t, s, "m", "org_2", "", 1)

		values := []counter.Value{{Namespace: "m", Value: 4}, {Namespace: "pages", Key: "published", Value: 2}}
		for i := 0; i < 2; i++ {
			if err := s.Seed(ctx, "org_1", values); err != nil {
				t.Fatalf("Seed #%d: %v", i, err)
			}
		}
		all, _ := s.GetAllByScope(ctx, "org_1")
		if len(all) != 2 || all["m"] != 4 || all["pages:published"] != 2 {
			t.Fatalf("after seed = %v", all)
		}
		if v, _ := s.Get(ctx, "m", "org_2", ""); v != 1 {
			t.Fatalf("seed touched another scope: %d", v)
		}
	})
}

func mustIncrement(t *testing.T, s store.CounterStore, ns, scope, key string, delta int64) {
	t.Helper()
	if _, err := s.Increment(context.Background(), ns, scope, key, delta); err != nil {
		t.Fatalf("Increment(%s, %s, %s): %v", ns, scope, key, err)
	}
}

// Event builds a test event with a sequence id derived from n.
func Event(n uint64, org string, t activity.EntityType) *activity.Event {
	return &activity.Event{
		ID:             idgen.FormatSequenceID(n),
		Action:         activity.ActionUpdate,
		EntityType:     t,
		EntityID:       fmt.Sprintf("%s_%d", t, n),
		OrganizationID: org,
		ChangedKeys:    []string{"title"},
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// EventLog runs the event log contract against logs built by newLog.
func EventLog(t *testing.T, newLog func(t *testing.T) store.EventLog) {
	ctx := context.Background()

	t.Run("empty head", func(t *testing.T) {
		l := newLog(t)
		head, err := l.Head(ctx)
		if err != nil || head != "" {
			t.Fatalf("Head = %q, %v", head, err)
		}
	})

	t.Run("since is ordered and exclusive", func(t *testing.T) {
		l := newLog(t)
		for n := uint64(1); n <= 5; n++ {
			if err := l.Append(ctx, Event(n, "org_1", activity.EntityPage)); err != nil {
				t.Fatalf("Append(%d): %v", n, err)
			}
		}
		got, err := l.Since(ctx, store.EventQuery{After: idgen.FormatSequenceID(2)})
		if err != nil {
			t.Fatalf("Since: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("Since returned %d events, want 3", len(got))
		}
		for i, ev := range got {
			if want := idgen.FormatSequenceID(uint64(i + 3)); ev.ID != want {
				t.Fatalf("event %d id = %s, want %s", i, ev.ID, want)
			}
		}
		if got[0].OrganizationID != "org_1" || got[0].EntityType != activity.EntityPage ||
			len(got[0].ChangedKeys) != 1 || got[0].ChangedKeys[0] != "title" {
			t.Fatalf("event fields not preserved: %+v", got[0])
		}

		head, _ := l.Head(ctx)
		if head != idgen.FormatSequenceID(5) {
			t.Fatalf("Head = %s", head)
		}
	})

	t.Run("filters and limit", func(t *testing.T) {
		l := newLog(t)
		events := []*activity.Event{
			Event(1, "org_1", activity.EntityPage),
			Event(2, "org_2", activity.EntityPage),
			Event(3, "org_1", activity.EntityUser),
			Event(4, "org_1", activity.EntityPage),
		}
		for _, ev := range events {
			if err := l.Append(ctx, ev); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}

		for _, tc := range []struct {
			name string
			q    store.EventQuery
			want []uint64
		}{
			{"all", store.EventQuery{}, []uint64{1, 2, 3, 4}},
			{"org", store.EventQuery{OrganizationID: "org_1"}, []uint64{1, 3, 4}},
			{"types", store.EventQuery{EntityTypes: []activity.EntityType{activity.EntityUser}}, []uint64{3}},
			{"limit", store.EventQuery{Limit: 2}, []uint64{1, 2}},
			{"org after", store.EventQuery{OrganizationID: "org_1", After: idgen.FormatSequenceID(1)}, []uint64{3, 4}},
		} {
			t.Run(tc.name, func(t *testing.T) {
				got, err := l.Since(ctx, tc.q)
				if err != nil {
					t.Fatalf("Since: %v", err)
				}
				if len(got) != len(tc.want) {
					t.Fatalf("got %d events, want %d", len(got), len(tc.want))
				}
				for i, n := range tc.want {
					if got[i].ID != idgen.FormatSequenceID(n) {
						t.Fatalf("event %d = %s, want %s", i, got[i].ID, idgen.FormatSequenceID(n))
					}
				}
			})
		}
	})
}

// IsCursorExpired reports whether err is store.ErrCursorExpired.
func IsCursorExpired(err error) bool {
	return errors.Is(err, store.ErrCursorExpired)
}
