package counter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

var (
	// ErrNotEmpty is returned when backfilling a store that already holds
	// counters without Force.
	ErrNotEmpty = errors.New("counter store is not empty")
	// ErrProduction is returned when backfilling in a production
	// environment.
	ErrProduction = errors.New("refusing to backfill in production")
)

// Seeder is the part of a counter store the backfill needs.
type Seeder interface {
	Len(ctx context.Context) (int64, error)
	Seed(ctx context.Context, scope string, values []Value) error
}

// BackfillOptions guards a backfill run.
type BackfillOptions struct {
	// Environment is the deployment environment name; "production" is
	// always refused.
	Environment string
	// Force allows seeding a store that already has rows. Each scope is
	// still a full overwrite, so re-running is safe.
	Force  bool
	Logger *slog.Logger
}

// BackfillReport summarizes a run.
type BackfillReport struct {
	Scopes   int
	Counters int
}

// Backfill seeds every scope in seeds, overwriting whatever the store holds
// for that scope.
func Backfill(ctx context.Context, s Seeder, seeds map[string][]Value, opts BackfillOptions) (BackfillReport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if strings.EqualFold(strings.TrimSpace(opts.Environment), "production") {
		return BackfillReport{}, ErrProduction
	}
	if !opts.Force {
		n, err := s.Len(ctx)
		if err != nil {
			return BackfillReport{}, fmt.Errorf("count counters: %w", err)
		}
		if n > 0 {
			return BackfillReport{}, fmt.Errorf("%w (%d rows); use force to overwrite", ErrNotEmpty, n)
		}
	}

	scopes := make([]string, 0, len(seeds))
	for scope := range seeds {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)

	var report BackfillReport
	for _, scope := range scopes {
		values := seeds[scope]
		for _, v := range values {
			if v.Value < 0 {
				return report, fmt.Errorf("scope %s: counter %s is negative", scope, FieldName(v.Namespace, v.Key))
			}
		}
		if err := s.Seed(ctx, scope, values); err != nil {
			return report, fmt.Errorf("seed scope %s: %w", scope, err)
		}
		report.Scopes++
		report.Counters += len(values)
		logger.Debug("seeded scope", "scope", scope, "counters", len(values))
	}
	return report, nil
}

// seedFile is the on-disk backfill input:
//
//	[scopes.org_1]
//	members = 3
//	"pages:published" = 7
type seedFile struct {
	Scopes map[string]map[string]int64 `toml:"scopes"`
}

// LoadSeedFile reads a TOML seed file into per-scope values sorted by field
// name.
func LoadSeedFile(path string) (map[string][]Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeed(string(data))
}

// ParseSeed parses TOML seed data.
func ParseSeed(data string) (map[string][]Value, error) {
	var f seedFile
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	out := make(map[string][]Value, len(f.Scopes))
	for scope, fields := range f.Scopes {
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)
		values := make([]Value, 0, len(names))
		for _, name := range names {
			ns, key := ParseFieldName(name)
			if ns == "" {
				return nil, fmt.Errorf("scope %s: empty namespace in %q", scope, name)
			}
			values = append(values, Value{Namespace: ns, Key: key, Value: fields[name]})
		}
		out[scope] = values
	}
	return out, nil
}
