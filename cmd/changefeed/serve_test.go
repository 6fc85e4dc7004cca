package main

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/bus"
	"github.com/alfredjeanlab/changefeed/internal/client"
	"github.com/alfredjeanlab/changefeed/internal/config"
)

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, discard)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { a.close(context.Background()) })
	return a
}

func startTestNATS(t *testing.T) string {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

// A mutation sent through the client lands in the counters and the log of
// a fully wired app and comes back out of catch-up.
func TestAppEndToEnd(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t, sqliteURL(t)))
	ts := httptest.NewServer(a.server.NewHTTPHandler("tok"))
	t.Cleanup(ts.Close)

	if _, err := client.NewHTTPClient(ts.URL).Emit(ctx, &activity.Mutation{}); err == nil {
		t.Fatal("expected auth error without token")
	}

	c := client.NewHTTPClient(ts.URL, client.WithToken("tok"))
	resp, err := c.Emit(ctx, &activity.Mutation{
		Action:          activity.ActionCreate,
		EntityType:      activity.EntityPage,
		EntityID:        "page_1",
		OrganizationID:  "org_1",
		Entity:          []byte(`{"id":"page_1","title":"Hello"}`),
		IssueCacheToken: true,
		Counters:        []activity.CounterDelta{{Namespace: "pages", Scope: "org_1", Delta: 1}},
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if resp.Event.CacheToken == "" {
		t.Error("expected a cache token")
	}

	page, err := c.Catchup(ctx, &client.StreamRequest{Stream: "org", Organization: "org_1", Offset: "-1"})
	if err != nil {
		t.Fatalf("Catchup: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].ID != resp.Event.ID {
		t.Fatalf("catch-up = %+v, want event %s", page.Events, resp.Event.ID)
	}

	if v, err := c.GetCounter(ctx, "org_1", "pages", ""); err != nil || v != 1 {
		t.Errorf("GetCounter = %d, %v; want 1", v, err)
	}
	if status, err := c.Health(ctx); err != nil || status != "ok" {
		t.Errorf("Health = %q, %v", status, err)
	}
}

// The event log survives a restart and new ids continue after it.
func TestAppResumesSequence(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, sqliteURL(t))

	first, err := newApp(ctx, cfg, discard)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	ev, err := first.emitter.Emit(ctx, activity.Mutation{Action: activity.ActionCreate, EntityType: activity.EntityPage, EntityID: "p"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	first.close(ctx)

	second := newTestApp(t, cfg)
	next, err := second.emitter.Emit(ctx, activity.Mutation{Action: activity.ActionCreate, EntityType: activity.EntityPage, EntityID: "q"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if next.ID <= ev.ID {
		t.Errorf("id %s not after %s", next.ID, ev.ID)
	}
}

// Events emitted on one instance reach the bus of a relaying instance.
func TestAppRelaysOverNATS(t *testing.T) {
	url := startTestNATS(t)

	srcCfg := testConfig(t, "")
	srcCfg.NATSURL = url
	src := newTestApp(t, srcCfg)

	dstCfg := testConfig(t, "")
	dstCfg.NATSURL = url
	dstCfg.NATSRelay = true
	dst := newTestApp(t, dstCfg)

	got := make(chan *activity.Event, 4)
	dst.bus.OnAny(bus.ListenerFunc("collect", func(_ context.Context, ev *activity.Event) error {
		got <- ev
		return nil
	}))

	ev, err := src.emitter.Emit(context.Background(), activity.Mutation{
		Action:         activity.ActionUpdate,
		EntityType:     activity.EntityPage,
		EntityID:       "page_9",
		OrganizationID: "org_1",
		ChangedKeys:    []string{"title"},
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case relayed := <-got:
		if relayed.ID != ev.ID || relayed.EntityID != "page_9" {
			t.Errorf("relayed %+v, want %s", relayed, ev.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relayed event")
	}
}

func TestNewAppFailsOnBadNATS(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.NATSURL = "nats://127.0.0.1:1"
	if _, err := newApp(context.Background(), cfg, discard); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.GRPCAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, discard) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not return")
	}
}

func TestRunServeListenError(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.HTTPAddr = "256.0.0.1:bad"
	err := runServe(context.Background(), cfg, discard)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
