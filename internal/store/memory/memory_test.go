package memory

import (
	"context"
	"testing"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/idgen"
	"github.com/alfredjeanlab/changefeed/internal/store"
	"github.com/alfredjeanlab/changefeed/internal/store/storetest"
)

func TestCounterStore(t *testing.T) {
	storetest.CounterStore(t, func(*testing.T) store.CounterStore { return NewCounterStore() })
}

func TestEventLog(t *testing.T) {
	storetest.EventLog(t, func(*testing.T) store.EventLog { return NewEventLog(16) })
}

func TestEventLogWrapsAndExpiresCursors(t *testing.T) {
	ctx := context.Background()
	l := NewEventLog(3)
	for n := uint64(1); n <= 5; n++ {
		if err := l.Append(ctx, storetest.Event(n, "org_1", activity.EntityPage)); err != nil {
			t.Fatalf("Append(%d): %v", n, err)
		}
	}
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}

	all, err := l.Since(ctx, store.EventQuery{})
	if err != nil || len(all) != 3 || all[0].ID != idgen.FormatSequenceID(3) {
		t.Fatalf("Since(all) = %v, %v", all, err)
	}

	// Event 2 was the newest dropped one: cursor 2 is still gap-free.
	if got, err := l.Since(ctx, store.EventQuery{After: idgen.FormatSequenceID(2)}); err != nil || len(got) != 3 {
		t.Fatalf("Since(2) = %d events, %v", len(got), err)
	}
	if _, err := l.Since(ctx, store.EventQuery{After: idgen.FormatSequenceID(1)}); !storetest.IsCursorExpired(err) {
		t.Fatalf("Since(1) err = %v, want ErrCursorExpired", err)
	}
}

func TestEventLogRejectsOutOfOrderAppend(t *testing.T) {
	ctx := context.Background()
	l := NewEventLog(3)
	if err := l.Append(ctx, storetest.Event(5, "", activity.EntityPage)); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(ctx, storetest.Event(4, "", activity.EntityPage)); err == nil {
		t.Fatal("expected error for out-of-order id")
	}
}
