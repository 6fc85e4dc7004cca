package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/idgen"
	"github.com/alfredjeanlab/changefeed/internal/store/memory"
)

// fakeSink records messages. block makes writes wait for the context;
// fail makes them error.
type fakeSink struct {
	mu     sync.Mutex
	msgs   []*Message
	block  bool
	fail   bool
	closed bool
}

func (s *fakeSink) WriteEvent(ctx context.Context, msg *Message) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.fail {
		return errors.New("connection reset")
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.ID
	}
	return out
}

func id(n uint64) string { return idgen.FormatSequenceID(n) }

func event(n uint64, org string, t activity.EntityType) *activity.Event {
	return &activity.Event{
		ID:             id(n),
		Action:         activity.ActionUpdate,
		EntityType:     t,
		EntityID:       "e" + id(n),
		OrganizationID: org,
		ChangedKeys:    []string{"title"},
		CreatedAt:      time.Now().UTC(),
	}
}

func newTestDispatcher(p Policy, timeout time.Duration) *Dispatcher {
	return NewDispatcher(p, Options{
		WriteTimeout: timeout,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func mustSubscriber(t *testing.T, sink Sink, channels []string, f Filter, cursor string) *Subscriber {
	t.Helper()
	sub, err := NewSubscriber(sink, channels, f, cursor)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	return sub
}

func equalIDs(got []string, want ...uint64) bool {
	if len(got) != len(want) {
		return false
	}
	for i, n := range want {
		if got[i] != id(n) {
			return false
		}
	}
	return true
}

func TestDispatchAdvancesCursors(t *testing.T) {
	d := newTestDispatcher(OrganizationPolicy(), time.Second)
	s1Sink, s2Sink := &fakeSink{}, &fakeSink{}
	s1 := mustSubscriber(t, s1Sink, []string{"org_1"},
		Filter{OrganizationID: "org_1", EntityTypes: []activity.EntityType{activity.EntityPage}}, id(5))
	s2 := mustSubscriber(t, s2Sink, []string{"org_1"}, Filter{OrganizationID: "org_1"}, "")
	for _, s := range []*Subscriber{s1, s2} {
		if err := d.Register(s); err != nil {
			t.Fatal(err)
		}
	}
	ctx := context.Background()

	_ = d.HandleEvent(ctx, event(6, "org_1", activity.EntityPage))
	if s1.Cursor() != id(6) || s2.Cursor() != id(6) {
		t.Fatalf("cursors = %s, %s; want both %s", s1.Cursor(), s2.Cursor(), id(6))
	}
	if s1.State() != StateStreaming {
		t.Fatalf("state = %v, want streaming", s1.State())
	}

	// Only S2 accepts users.
	_ = d.HandleEvent(ctx, event(7, "org_1", activity.EntityUser))
	if !equalIDs(s1Sink.ids(), 6) {
		t.Fatalf("s1 got %v", s1Sink.ids())
	}
	if !equalIDs(s2Sink.ids(), 6, 7) {
		t.Fatalf("s2 got %v", s2Sink.ids())
	}
	if s1.Cursor() != id(6) {
		t.Fatalf("s1 cursor moved to %s", s1.Cursor())
	}

	// Other organizations never reach this channel.
	_ = d.HandleEvent(ctx, event(8, "org_2", activity.EntityPage))
	if len(s2Sink.ids()) != 2 {
		t.Fatalf("s2 got foreign event: %v", s2Sink.ids())
	}
}

func TestDispatchSkipsEventsAtOrBehindCursor(t *testing.T) {
	d := newTestDispatcher(OrganizationPolicy(), time.Second)
	sink := &fakeSink{}
	sub := mustSubscriber(t, sink, []string{"org_1"}, Filter{OrganizationID: "org_1"}, id(5))
	_ = d.Register(sub)

	for _, n := range []uint64{4, 5, 6, 6} {
		_ = d.HandleEvent(context.Background(), event(n, "org_1", activity.EntityPage))
	}
	if !equalIDs(sink.ids(), 6) {
		t.Fatalf("got %v, want only 6", sink.ids())
	}
}

func TestDeregisterRemovesEveryChannel(t *testing.T) {
	activity.Register(activity.TypeInfo{Name: "post", Public: true})
	d := newTestDispatcher(PublicPolicy(), time.Second)
	channels := []string{PublicChannel(activity.EntityPage), PublicChannel("post")}

	base := mustSubscriber(t, &fakeSink{}, channels[:1], Filter{}, "")
	_ = d.Register(base)
	baseLen, baseChannels := d.Len(), d.ChannelCount()

	sink := &fakeSink{}
	sub := mustSubscriber(t, sink, channels, Filter{}, "")
	if err := d.Register(sub); err != nil {
		t.Fatal(err)
	}
	if err := d.Register(sub); err == nil {
		t.Fatal("registering twice should fail")
	}
	if d.ChannelLen(channels[0]) != 2 || d.ChannelLen(channels[1]) != 1 {
		t.Fatalf("channel sizes = %d, %d", d.ChannelLen(channels[0]), d.ChannelLen(channels[1]))
	}

	if !d.Deregister(sub.ID()) {
		t.Fatal("Deregister returned false")
	}
	if d.Deregister(sub.ID()) {
		t.Fatal("second Deregister should return false")
	}
	if d.Len() != baseLen || d.ChannelCount() != baseChannels || d.ChannelLen(channels[1]) != 0 {
		t.Fatalf("index not back to baseline: len=%d channels=%d", d.Len(), d.ChannelCount())
	}
	if sub.State() != StateClosed {
		t.Fatalf("state = %v, want closed", sub.State())
	}

	_ = d.HandleEvent(context.Background(), event(1, "", activity.EntityPage))
	if len(sink.ids()) != 0 {
		t.Fatalf("deregistered subscriber received %v", sink.ids())
	}
}

func TestFailedWriteDropsOnlyThatSubscriber(t *testing.T) {
	d := newTestDispatcher(OrganizationPolicy(), time.Second)
	bad := mustSubscriber(t, &fakeSink{fail: true}, []string{"org_1"}, Filter{OrganizationID: "org_1"}, "")
	goodSink := &fakeSink{}
	good := mustSubscriber(t, goodSink, []string{"org_1"}, Filter{OrganizationID: "org_1"}, "")
	_ = d.Register(bad)
	_ = d.Register(good)

	_ = d.HandleEvent(context.Background(), event(1, "org_1", activity.EntityPage))

	if d.Len() != 1 {
		t.Fatalf("Len = %d, want 1", d.Len())
	}
	if bad.State() != StateClosed || bad.Cursor() != "" {
		t.Fatalf("failed subscriber: state=%v cursor=%q", bad.State(), bad.Cursor())
	}
	if !equalIDs(goodSink.ids(), 1) {
		t.Fatalf("healthy subscriber got %v", goodSink.ids())
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	d := newTestDispatcher(OrganizationPolicy(), 100*time.Millisecond)
	slow := mustSubscriber(t, &fakeSink{block: true}, []string{"org_1"}, Filter{OrganizationID: "org_1"}, "")
	fastSink := &fakeSink{}
	fast := mustSubscriber(t, fastSink, []string{"org_1"}, Filter{OrganizationID: "org_1"}, "")
	_ = d.Register(slow)
	_ = d.Register(fast)

	start := time.Now()
	_ = d.HandleEvent(context.Background(), event(1, "org_1", activity.EntityPage))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("dispatch took %v", elapsed)
	}
	if !equalIDs(fastSink.ids(), 1) {
		t.Fatalf("fast subscriber got %v", fastSink.ids())
	}
	if slow.State() != StateClosed || d.Len() != 1 {
		t.Fatalf("timed-out subscriber still registered (len=%d)", d.Len())
	}
}

func TestCancelledPublisherDoesNotDropSubscribers(t *testing.T) {
	d := newTestDispatcher(OrganizationPolicy(), time.Second)
	sink := &fakeSink{}
	_ = d.Register(mustSubscriber(t, sink, []string{"org_1"}, Filter{OrganizationID: "org_1"}, ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = d.HandleEvent(ctx, event(1, "org_1", activity.EntityPage))
	if d.Len() != 1 || !equalIDs(sink.ids(), 1) {
		t.Fatalf("len=%d got=%v", d.Len(), sink.ids())
	}
}

func TestPublicPolicy(t *testing.T) {
	d := newTestDispatcher(PublicPolicy(), time.Second)
	sink := &fakeSink{}
	_ = d.Register(mustSubscriber(t, sink, []string{PublicChannel(activity.EntityPage)},
		Filter{EntityTypes: []activity.EntityType{activity.EntityPage}}, ""))
	ctx := context.Background()

	withEntity := event(1, "org_1", activity.EntityPage)
	withEntity.Entity = json.RawMessage(`{"id":"e1"}`)
	withEntity.CacheToken = "secret-token"
	_ = d.HandleEvent(ctx, withEntity)

	noID := event(2, "org_1", activity.EntityPage)
	noID.EntityID = ""
	_ = d.HandleEvent(ctx, noID)

	_ = d.HandleEvent(ctx, event(3, "org_1", activity.EntityMembership)) // not public

	if !equalIDs(sink.ids(), 1) {
		t.Fatalf("got %v, want only 1", sink.ids())
	}
	if string(sink.msgs[0].Entity) != `{"id":"e1"}` {
		t.Fatalf("public message lacks entity: %s", sink.msgs[0].Entity)
	}
	data, _ := json.Marshal(sink.msgs[0])
	var fields map[string]any
	_ = json.Unmarshal(data, &fields)
	if _, ok := fields["cache_token"]; ok {
		t.Fatalf("message leaks cache token: %s", data)
	}
}

func TestOrganizationPolicyOmitsEntity(t *testing.T) {
	ev := event(1, "org_1", activity.EntityPage)
	ev.Entity = json.RawMessage(`{"id":"x"}`)
	p := OrganizationPolicy()
	if msg := NewMessage(ev, p.IncludeEntity); msg.Entity != nil {
		t.Fatalf("org message carries entity: %s", msg.Entity)
	}
	if _, ok := p.Channel(event(2, "", activity.EntityPage)); ok {
		t.Fatal("event without organization should have no org channel")
	}
}

func TestUnknownEntityTypePanics(t *testing.T) {
	d := newTestDispatcher(OrganizationPolicy(), time.Second)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	_ = d.HandleEvent(context.Background(), event(1, "org_1", "spaceship"))
}

func appendEvents(t *testing.T, log *memory.EventLog, events ...*activity.Event) {
	t.Helper()
	for _, ev := range events {
		if err := log.Append(context.Background(), ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestAttachReplaysThenGoesLive(t *testing.T) {
	log := memory.NewEventLog(100)
	appendEvents(t, log,
		event(1, "org_1", activity.EntityPage),
		event(2, "org_1", activity.EntityPage),
		event(3, "org_2", activity.EntityPage),
		event(4, "org_1", activity.EntityPage),
	)
	d := newTestDispatcher(OrganizationPolicy(), time.Second)
	sink := &fakeSink{}
	sub := mustSubscriber(t, sink, []string{"org_1"}, Filter{OrganizationID: "org_1"}, id(1))

	if err := d.Attach(context.Background(), log, sub, true, 2); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	// Event 4 was already in the log when it is dispatched live.
	_ = d.HandleEvent(context.Background(), event(4, "org_1", activity.EntityPage))
	_ = d.HandleEvent(context.Background(), event(5, "org_1", activity.EntityPage))

	if !equalIDs(sink.ids(), 2, 4, 5) {
		t.Fatalf("got %v, want 2 4 5", sink.ids())
	}
}

func TestAttachWithoutReplay(t *testing.T) {
	log := memory.NewEventLog(100)
	appendEvents(t, log, event(1, "org_1", activity.EntityPage))
	d := newTestDispatcher(OrganizationPolicy(), time.Second)
	sink := &fakeSink{}
	sub := mustSubscriber(t, sink, []string{"org_1"}, Filter{OrganizationID: "org_1"}, "")

	if err := d.Attach(context.Background(), log, sub, false, 10); err != nil {
		t.Fatal(err)
	}
	_ = d.HandleEvent(context.Background(), event(2, "org_1", activity.EntityPage))
	if !equalIDs(sink.ids(), 2) {
		t.Fatalf("got %v, want only live event 2", sink.ids())
	}
}

func TestAttachExpiredCursor(t *testing.T) {
	log := memory.NewEventLog(2)
	appendEvents(t, log,
		event(1, "org_1", activity.EntityPage),
		event(2, "org_1", activity.EntityPage),
		event(3, "org_1", activity.EntityPage),
	)
	d := newTestDispatcher(OrganizationPolicy(), time.Second)
	sub := mustSubscriber(t, &fakeSink{}, []string{"org_1"}, Filter{OrganizationID: "org_1"}, id(0))

	if err := d.Attach(context.Background(), log, sub, true, 10); err == nil {
		t.Fatal("expected expired cursor error")
	}
	if d.Len() != 0 || sub.State() != StateClosed {
		t.Fatalf("subscriber left registered after failed attach")
	}
}

func TestCloseDeregistersAll(t *testing.T) {
	d := newTestDispatcher(OrganizationPolicy(), time.Second)
	sub := mustSubscriber(t, &fakeSink{}, []string{"org_1"}, Filter{OrganizationID: "org_1"}, "")
	_ = d.Register(sub)
	d.Close()
	if d.Len() != 0 || sub.State() != StateClosed {
		t.Fatal("Close left subscribers behind")
	}
	if err := d.Register(mustSubscriber(t, &fakeSink{}, []string{"org_1"}, Filter{}, "")); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("Register after Close = %v", err)
	}
}
