package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alfredjeanlab/changefeed/internal/config"
	"github.com/alfredjeanlab/changefeed/internal/store"
	"github.com/alfredjeanlab/changefeed/internal/store/memory"
	"github.com/alfredjeanlab/changefeed/internal/store/postgres"
	"github.com/alfredjeanlab/changefeed/internal/store/redis"
	"github.com/alfredjeanlab/changefeed/internal/store/sqlite"
)

// stores holds the opened backends. Counters and Log may be the same value.
type stores struct {
	Counters store.CounterStore
	Log      store.EventLog
	// Persistent is false when counters live only in process memory.
	Persistent bool

	closers []func() error
}

// openStores opens the backends selected by cfg: the database URL picks
// memory, Postgres or SQLite for both counters and the event log, and a
// Redis URL moves counters to Redis.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	driver, err := cfg.DatabaseDriver()
	if err != nil {
		return nil, err
	}

	s := &stores{}
	switch driver {
	case config.DriverPostgres:
		pg, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		s.Counters, s.Log, s.Persistent = pg, pg, true
		s.closers = append(s.closers, pg.Close)
	case config.DriverSQLite:
		lite, err := sqlite.Open(cfg.SQLitePath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		s.Counters, s.Log, s.Persistent = lite, lite, true
		s.closers = append(s.closers, lite.Close)
	default:
		s.Counters = memory.NewCounterStore()
		s.Log = memory.NewEventLog(cfg.EventLogSize)
	}
	logger.Info("storage opened", "driver", driver)

	if cfg.RedisURL != "" {
		rs, err := redis.Open(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		s.Counters, s.Persistent = rs, true
		s.closers = append(s.closers, rs.Close)
		logger.Info("counters in redis", "prefix", cfg.RedisPrefix)
	}
	return s, nil
}

// Close closes every opened backend in reverse order.
func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
