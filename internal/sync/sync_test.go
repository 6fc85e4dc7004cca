package sync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/store/memory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// mockDestination records calls to Write.
type mockDestination struct {
	writes atomic.Int64
	last   atomic.Value // []byte
	err    error
}

func (d *mockDestination) Write(_ context.Context, data []byte) error {
	d.writes.Add(1)
	cp := make([]byte, len(data))
	copy(cp, data)
	d.last.Store(cp)
	return d.err
}

func TestSchedulerStartStop(t *testing.T) {
	dest := &mockDestination{}
	sched := NewScheduler(seededStore(t), []Destination{dest}, 50*time.Millisecond, discard)
	sched.Start()

	// Wait for at least the initial sync + one tick.
	time.Sleep(120 * time.Millisecond)
	sched.Stop()

	if writes := dest.writes.Load(); writes < 2 {
		t.Fatalf("expected at least 2 writes, got %d", writes)
	}
	data, ok := dest.last.Load().([]byte)
	if !ok || len(data) == 0 {
		t.Fatal("expected non-empty data")
	}
	// 1 header + 4 counters
	if lines := nonEmptyLines(string(data)); len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
}

func TestSchedulerStop_NoStart(t *testing.T) {
	sched := NewScheduler(memory.NewCounterStore(), nil, time.Minute, discard)
	sched.Stop()
}

func TestSyncOnceAttemptsEveryDestination(t *testing.T) {
	failing := &mockDestination{err: errors.New("bucket gone")}
	ok := &mockDestination{}
	sched := NewScheduler(seededStore(t), []Destination{failing, ok}, time.Minute, discard)

	if err := sched.SyncOnce(context.Background()); err == nil {
		t.Fatal("expected the first destination's error")
	}
	if failing.writes.Load() != 1 || ok.writes.Load() != 1 {
		t.Fatalf("writes = %d/%d, want 1/1", failing.writes.Load(), ok.writes.Load())
	}
}

// fakeS3 serves a single object with path-style addressing.
type fakeS3 struct {
	mu      stdsync.Mutex
	puts    int
	methods []string
	object  []byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, r.Method+" "+r.URL.Path)
	switch r.Method {
	case http.MethodPut:
		_, _ = io.Copy(io.Discard, r.Body)
		f.puts++
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write(f.object)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Destination(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))

	fake := &fakeS3{object: []byte("{\"type\":\"header\",\"version\":\"1\"}\n{\"type\":\"counter\",\"scope\":\"org_1\",\"namespace\":\"m\",\"value\":3}\n")}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	dest, err := NewS3Destination(ctx, "snapshots", "changefeed/counters.jsonl", "us-east-1", srv.URL)
	if err != nil {
		t.Fatalf("NewS3Destination: %v", err)
	}
	if got := dest.Location(); got != "s3://snapshots/changefeed/counters.jsonl" {
		t.Errorf("Location = %q", got)
	}

	sched := NewScheduler(seededStore(t), []Destination{dest}, time.Minute, discard)
	if err := sched.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	data, err := dest.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	seeds, err := ImportJSONL(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ImportJSONL: %v", err)
	}
	if len(seeds["org_1"]) != 1 || seeds["org_1"][0].Value != 3 {
		t.Errorf("seeds = %+v", seeds)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.puts != 1 {
		t.Errorf("puts = %d, want 1", fake.puts)
	}
	for _, m := range fake.methods {
		if m != "PUT /snapshots/changefeed/counters.jsonl" && m != "GET /snapshots/changefeed/counters.jsonl" {
			t.Errorf("unexpected request %q", m)
		}
	}
}

func TestNewS3DestinationRequiresBucket(t *testing.T) {
	if _, err := NewS3Destination(context.Background(), "", "k", "us-east-1", ""); err == nil {
		t.Fatal("expected error")
	}
}
