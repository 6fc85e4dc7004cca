package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alfredjeanlab/changefeed/internal/counter"
)

const seedTOML = `
[scopes.org_1]
members = 3
"pages:published" = 7

[scopes.org_2]
members = 1
`

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.toml")
	if err := os.WriteFile(path, []byte(seedTOML), 0o644); err != nil {
		t.Fatalf("writing seed: %v", err)
	}
	return path
}

func TestRunBackfill(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, sqliteURL(t))
	seed := writeSeed(t)

	var out bytes.Buffer
	if err := runBackfill(ctx, cfg, backfillOptions{File: seed}, &out); err != nil {
		t.Fatalf("runBackfill: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "Seeded 3 counters across 2 scopes") {
		t.Errorf("output = %q", got)
	}

	s, err := openStores(ctx, cfg, discard)
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}
	defer s.Close()
	for _, tc := range []struct {
		ns, scope, key string
		want           int64
	}{
		{"members", "org_1", "", 3},
		{"pages", "org_1", "published", 7},
		{"members", "org_2", "", 1},
	} {
		if v, err := s.Counters.Get(ctx, tc.ns, tc.scope, tc.key); err != nil || v != tc.want {
			t.Errorf("%s/%s:%s = %d, %v; want %d", tc.scope, tc.ns, tc.key, v, err, tc.want)
		}
	}

	// A second run needs --force.
	if err := runBackfill(ctx, cfg, backfillOptions{File: seed}, &out); !errors.Is(err, counter.ErrNotEmpty) {
		t.Errorf("second run err = %v, want ErrNotEmpty", err)
	}
	if err := runBackfill(ctx, cfg, backfillOptions{File: seed, Force: true}, &out); err != nil {
		t.Errorf("forced run: %v", err)
	}
}

func TestRunBackfillRefuses(t *testing.T) {
	seed := writeSeed(t)

	for _, tc := range []struct {
		name string
		url  string
		env  string
		want error
	}{
		{"MemoryStore", "", "test", errVolatileStore},
		{"Production", sqliteURL(t), "production", counter.ErrProduction},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t, tc.url)
			cfg.Env = tc.env
			err := runBackfill(context.Background(), cfg, backfillOptions{File: seed}, &bytes.Buffer{})
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRunBackfillMissingFile(t *testing.T) {
	cfg := testConfig(t, sqliteURL(t))
	err := runBackfill(context.Background(), cfg, backfillOptions{File: filepath.Join(t.TempDir(), "nope.toml")}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRunBackfillFromS3NeedsBucket(t *testing.T) {
	cfg := testConfig(t, sqliteURL(t))
	err := runBackfill(context.Background(), cfg, backfillOptions{FromS3: true}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "CHANGEFEED_SYNC_S3_BUCKET") {
		t.Fatalf("err = %v", err)
	}
}
