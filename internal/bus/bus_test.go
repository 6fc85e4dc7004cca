package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/metrics"
)

func newTestBus(opts ...Option) *Bus {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(opts...)
}

func pageEvent(id string) *activity.Event {
	return &activity.Event{
		ID:         id,
		Action:     activity.ActionUpdate,
		EntityType: activity.EntityPage,
		EntityID:   "page_9",
		CreatedAt:  time.Now(),
	}
}

type recorder struct {
	name string
	mu   sync.Mutex
	ids  []string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) HandleEvent(_ context.Context, ev *activity.Event) error {
	r.mu.Lock()
	r.ids = append(r.ids, ev.ID)
	r.mu.Unlock()
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestPublishReachesAnyAndTypedListeners(t *testing.T) {
	b := newTestBus()
	all := &recorder{name: "all"}
	pages := &recorder{name: "pages"}
	users := &recorder{name: "users"}
	b.OnAny(all)
	b.On(activity.EntityPage, pages)
	b.On(activity.EntityUser, users)

	b.Publish(context.Background(), pageEvent("1"))

	if got := all.seen(); len(got) != 1 || got[0] != "1" {
		t.Fatalf("any listener got %v", got)
	}
	if got := pages.seen(); len(got) != 1 {
		t.Fatalf("page listener got %v", got)
	}
	if got := users.seen(); len(got) != 0 {
		t.Fatalf("user listener should not see page events, got %v", got)
	}
}

func TestDuplicateRegistrationIsNoop(t *testing.T) {
	b := newTestBus()
	r := &recorder{name: "dup"}
	b.OnAny(r)
	b.OnAny(r)
	b.On(activity.EntityPage, r)
	b.On(activity.EntityPage, r)

	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}
	b.Publish(context.Background(), pageEvent("1"))
	if got := r.seen(); len(got) != 2 {
		t.Fatalf("expected one delivery per registration kind, got %v", got)
	}
}

func TestOffRemovesListener(t *testing.T) {
	b := newTestBus()
	r := &recorder{name: "r"}
	b.OnAny(r)
	b.On(activity.EntityPage, r)
	b.OffAny(r)
	b.Off(activity.EntityPage, r)
	b.OffAny(r) // removing twice is harmless

	if b.Len() != 0 {
		t.Fatalf("Len = %d, want 0", b.Len())
	}
	b.Publish(context.Background(), pageEvent("1"))
	if got := r.seen(); len(got) != 0 {
		t.Fatalf("removed listener received %v", got)
	}
}

func TestFailingListenersAreIsolated(t *testing.T) {
	m := metrics.New()
	b := newTestBus(WithMetrics(m))
	ok := &recorder{name: "ok"}
	b.OnAny(ListenerFunc("erroring", func(context.Context, *activity.Event) error {
		return errors.New("boom")
	}))
	b.OnAny(ListenerFunc("panicking", func(context.Context, *activity.Event) error {
		panic("kaboom")
	}))
	b.OnAny(ok)

	b.Publish(context.Background(), pageEvent("1"))

	if got := ok.seen(); len(got) != 1 {
		t.Fatalf("healthy listener got %v", got)
	}
	n, err := testutil.GatherAndCount(m.Registry(), "changefeed_bus_listener_errors_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 2 {
		t.Fatalf("listener error series = %d, want 2", n)
	}
}

func TestPublishWaitsForListeners(t *testing.T) {
	b := newTestBus()
	var done atomic.Bool
	b.OnAny(ListenerFunc("slow", func(context.Context, *activity.Event) error {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
		return nil
	}))

	b.Publish(context.Background(), pageEvent("1"))
	if !done.Load() {
		t.Fatal("Publish returned before listener finished")
	}
}

func TestListenersRunConcurrently(t *testing.T) {
	b := newTestBus()
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for _, name := range []string{"a", "b"} {
		b.OnAny(ListenerFunc(name, func(context.Context, *activity.Event) error {
			started <- struct{}{}
			<-release
			return nil
		}))
	}

	published := make(chan struct{})
	go func() {
		b.Publish(context.Background(), pageEvent("1"))
		close(published)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("listeners did not start concurrently")
		}
	}
	close(release)
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish did not return")
	}
}

func TestUnknownEntityTypePanics(t *testing.T) {
	b := newTestBus()
	for _, tc := range []struct {
		name string
		fn   func()
	}{
		{"publish", func() {
			b.Publish(context.Background(), &activity.Event{ID: "1", EntityType: "spaceship"})
		}},
		{"on", func() {
			b.On("spaceship", &recorder{name: "x"})
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			tc.fn()
		})
	}
}

func TestClose(t *testing.T) {
	b := newTestBus()
	r := &recorder{name: "r"}
	b.OnAny(r)
	b.Close()
	b.Publish(context.Background(), pageEvent("1"))
	if got := r.seen(); len(got) != 0 {
		t.Fatalf("closed bus delivered %v", got)
	}
}
