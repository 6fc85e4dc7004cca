// Package emitter turns committed mutations into activity events. It is the
// single write-path entry point: counter deltas are applied first, then the
// event gets its id, is appended to the event log and published on the bus,
// all under one lock so log order matches publish order.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/cachetoken"
	"github.com/alfredjeanlab/changefeed/internal/idgen"
	"github.com/alfredjeanlab/changefeed/internal/metrics"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

// Publisher delivers an event to in-process listeners.
type Publisher interface {
	Publish(ctx context.Context, ev *activity.Event)
}

// Config wires an Emitter. Counters and Log may be nil.
type Config struct {
	Counters store.CounterStore
	Log      store.EventLog
	Bus      Publisher
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Emitter is safe for concurrent use.
type Emitter struct {
	counters store.CounterStore
	log      store.EventLog
	bus      Publisher
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu  sync.Mutex // sequencing: id, append, publish
	seq *idgen.Sequence
}

// New returns an emitter whose event ids continue after the newest id in
// cfg.Log.
func New(ctx context.Context, cfg Config) (*Emitter, error) {
	if cfg.Bus == nil {
		return nil, errors.New("emitter: bus is required")
	}
	var head string
	if cfg.Log != nil {
		var err error
		head, err = cfg.Log.Head(ctx)
		if err != nil {
			return nil, fmt.Errorf("emitter: read log head: %w", err)
		}
	}
	seq, err := idgen.NewSequence(head)
	if err != nil {
		return nil, fmt.Errorf("emitter: resume sequence: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		counters: cfg.Counters,
		log:      cfg.Log,
		bus:      cfg.Bus,
		logger:   logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
		seq:      seq,
	}, nil
}

// Emit records m and returns the published event. It panics when m names an
// unregistered entity type. A counter failure aborts the emit before anything
// is published; deltas applied before the failing one stay applied.
// A failed log append is logged and the event is still published.
func (e *Emitter) Emit(ctx context.Context, m activity.Mutation) (*activity.Event, error) {
	activity.MustEntityType(m.EntityType)
	if !m.Action.IsValid() {
		return nil, fmt.Errorf("emitter: invalid action %q", m.Action)
	}

	if err := e.applyCounters(ctx, m.Counters); err != nil {
		return nil, err
	}

	token := m.CacheToken
	if token == "" && m.IssueCacheToken && m.Action != activity.ActionDelete {
		var err error
		token, err = cachetoken.NewBaseToken()
		if err != nil {
			return nil, fmt.Errorf("emitter: mint cache token: %w", err)
		}
	}

	ev := &activity.Event{
		Action:         m.Action,
		EntityType:     m.EntityType,
		EntityID:       m.EntityID,
		OrganizationID: m.OrganizationID,
		CacheToken:     token,
		Entity:         slices.Clone(m.Entity),
	}
	if m.Action == activity.ActionUpdate {
		ev.ChangedKeys = slices.Clone(m.ChangedKeys)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ev.ID = e.seq.Next()
	ev.CreatedAt = e.now().UTC()
	if e.log != nil {
		if err := e.log.Append(ctx, ev); err != nil {
			e.logger.Warn("failed to append activity event", "event_id", ev.ID, "error", err)
		}
	}
	e.bus.Publish(ctx, ev)
	return ev, nil
}

func (e *Emitter) applyCounters(ctx context.Context, deltas []activity.CounterDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	if e.counters == nil {
		return errors.New("emitter: counter deltas given but no counter store configured")
	}
	for _, d := range deltas {
		_, err := e.counters.Increment(ctx, d.Namespace, d.Scope, d.Key, d.Delta)
		e.metrics.CounterOp("increment", err)
		if err != nil {
			return fmt.Errorf("emitter: increment %s/%s: %w", d.Scope, d.Namespace, err)
		}
	}
	return nil
}

// LastID returns the most recently assigned event id, or "".
func (e *Emitter) LastID() string {
	return e.seq.Last()
}
