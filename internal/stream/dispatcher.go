package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/metrics"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

const tracerName = "github.com/alfredjeanlab/changefeed/internal/stream"

// Defaults for Options.
const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultConcurrency  = 64
)

// ErrDispatcherClosed is returned by Register after Close.
var ErrDispatcherClosed = errors.New("stream: dispatcher closed")

// Options tunes a Dispatcher.
type Options struct {
	// WriteTimeout bounds one write to one subscriber, including waiting
	// for its write slot.
	WriteTimeout time.Duration
	// Concurrency caps simultaneous subscriber writes per event.
	Concurrency    int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
}

// Dispatcher tracks the live subscribers of one stream type and pushes
// matching events to them. It implements bus.Listener.
type Dispatcher struct {
	policy Policy

	mu       sync.RWMutex
	subs     map[string]*Subscriber
	channels map[string]map[string]*Subscriber
	closed   bool

	writeTimeout time.Duration
	concurrency  int
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
}

// NewDispatcher creates a dispatcher for policy.
func NewDispatcher(policy Policy, opts Options) *Dispatcher {
	d := &Dispatcher{
		policy:       policy,
		subs:         make(map[string]*Subscriber),
		channels:     make(map[string]map[string]*Subscriber),
		writeTimeout: opts.WriteTimeout,
		concurrency:  opts.Concurrency,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
	if d.writeTimeout <= 0 {
		d.writeTimeout = DefaultWriteTimeout
	}
	if d.concurrency <= 0 {
		d.concurrency = DefaultConcurrency
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if opts.TracerProvider != nil {
		d.tracer = opts.TracerProvider.Tracer(tracerName)
	} else {
		d.tracer = otel.Tracer(tracerName)
	}
	return d
}

// Name implements bus.Listener.
func (d *Dispatcher) Name() string { return "stream:" + d.policy.Name }

// Policy returns the dispatcher's policy.
func (d *Dispatcher) Policy() Policy { return d.policy }

// Register indexes sub under each of its channels.
func (d *Dispatcher) Register(sub *Subscriber) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if _, ok := d.subs[sub.ID()]; ok {
		return fmt.Errorf("stream: subscriber %s already registered", sub.ID())
	}
	d.subs[sub.ID()] = sub
	for _, key := range sub.channels {
		set, ok := d.channels[key]
		if !ok {
			set = make(map[string]*Subscriber)
			d.channels[key] = set
		}
		set[sub.ID()] = sub
	}
	d.metrics.SetSubscribers(d.policy.Name, len(d.subs))
	return nil
}

// Deregister removes the subscriber from every channel and closes it. It
// reports whether the subscriber was registered.
func (d *Dispatcher) Deregister(id string) bool {
	d.mu.Lock()
	sub, ok := d.subs[id]
	if ok {
		d.removeLocked(sub)
	}
	d.mu.Unlock()

	if ok {
		_ = sub.Close()
	}
	return ok
}

func (d *Dispatcher) removeLocked(sub *Subscriber) {
	delete(d.subs, sub.ID())
	for _, key := range sub.channels {
		set := d.channels[key]
		delete(set, sub.ID())
		if len(set) == 0 {
			delete(d.channels, key)
		}
	}
	d.metrics.SetSubscribers(d.policy.Name, len(d.subs))
}

// Len returns the number of registered subscribers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// ChannelLen returns the number of subscribers indexed under key.
func (d *Dispatcher) ChannelLen(key string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.channels[key])
}

// ChannelCount returns the number of non-empty channels.
func (d *Dispatcher) ChannelCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.channels)
}

// HandleEvent implements bus.Listener. Each eligible subscriber is written
// to from its own goroutine; a failed write closes and deregisters that
// subscriber only. Delivery failures are not returned.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev *activity.Event) error {
	activity.MustEntityType(ev.EntityType)

	key, ok := d.policy.Channel(ev)
	if !ok {
		return nil
	}

	d.mu.RLock()
	targets := make([]*Subscriber, 0, len(d.channels[key]))
	for _, sub := range d.channels[key] {
		targets = append(targets, sub)
	}
	d.mu.RUnlock()
	if len(targets) == 0 {
		return nil
	}

	ctx, span := d.tracer.Start(ctx, "stream.dispatch", trace.WithAttributes(
		attribute.String("stream.name", d.policy.Name),
		attribute.String("stream.channel", key),
		attribute.String("event.id", ev.ID),
		attribute.Int("stream.subscribers", len(targets)),
	))
	defer span.End()

	msg := NewMessage(ev, d.policy.IncludeEntity)
	// A cancelled publisher must not tear down healthy subscribers; each
	// write is bounded by writeTimeout instead.
	wctx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, sub := range targets {
		if !d.policy.ShouldReceive(sub, ev) {
			continue
		}
		g.Go(func() error {
			d.deliver(wctx, sub, msg)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscriber, msg *Message) {
	sent, err := sub.deliver(ctx, msg, d.writeTimeout)
	if err != nil {
		d.metrics.Delivered(d.policy.Name, false)
		if !errors.Is(err, ErrSinkClosed) {
			d.logger.Warn("stream write failed",
				"stream", d.policy.Name, "subscriber_id", sub.ID(), "event_id", msg.ID, "error", err)
		}
		d.Deregister(sub.ID())
		return
	}
	if sent {
		d.metrics.Delivered(d.policy.Name, true)
	}
}

// Attach registers sub and replays the log from its cursor before any live
// event reaches it. The subscriber's write slot is taken before it becomes
// visible to dispatch and held through the replay, and events already
// replayed are skipped by cursor, so the client sees neither a gap nor a
// duplicate. pageSize bounds each log read. On error the subscriber is
// deregistered.
func (d *Dispatcher) Attach(ctx context.Context, log store.EventLog, sub *Subscriber, replay bool, pageSize int) error {
	if err := sub.acquire(ctx); err != nil {
		return err
	}
	defer sub.release()

	if err := d.Register(sub); err != nil {
		return err
	}
	if !replay {
		return nil
	}
	if err := d.replayHeld(ctx, log, sub, pageSize); err != nil {
		d.Deregister(sub.ID())
		return err
	}
	return nil
}

func (d *Dispatcher) replayHeld(ctx context.Context, log store.EventLog, sub *Subscriber, pageSize int) error {
	if pageSize <= 0 {
		pageSize = DefaultCatchupLimit
	}
	q := d.policy.Query(sub.channels)
	q.After = sub.Cursor()
	q.Limit = pageSize
	for {
		events, err := log.Since(ctx, q)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		for _, ev := range events {
			if !d.policy.eligible(sub, ev) {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, d.writeTimeout)
			_, err := sub.writeHeld(wctx, NewMessage(ev, d.policy.IncludeEntity))
			cancel()
			if err != nil {
				return fmt.Errorf("replay %s: %w", ev.ID, err)
			}
		}
		if len(events) < pageSize {
			return nil
		}
		q.After = events[len(events)-1].ID
	}
}

// Close deregisters every subscriber and rejects new registrations.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	subs := make([]*Subscriber, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
		d.removeLocked(sub)
	}
	d.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
}
