// Package bus is the in-process activity hub. The write path publishes one
// event per committed mutation and every matching listener runs before
// Publish returns.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/metrics"
)

const tracerName = "github.com/alfredjeanlab/changefeed/internal/bus"

// Listener receives activity events. Errors are logged by the bus with the
// listener's name and never reach the publisher.
type Listener interface {
	Name() string
	HandleEvent(ctx context.Context, ev *activity.Event) error
}

type funcListener struct {
	name string
	fn   func(ctx context.Context, ev *activity.Event) error
}

func (f *funcListener) Name() string { return f.name }

func (f *funcListener) HandleEvent(ctx context.Context, ev *activity.Event) error {
	return f.fn(ctx, ev)
}

// ListenerFunc adapts a function to a Listener. Each call returns a distinct
// listener, so keep the result around to deregister it later.
func ListenerFunc(name string, fn func(ctx context.Context, ev *activity.Event) error) Listener {
	return &funcListener{name: name, fn: fn}
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for listener failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics reports publishes and listener failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Bus) { b.tracer = tp.Tracer(tracerName) }
}

// Bus fans activity events out to registered listeners.
type Bus struct {
	mu     sync.RWMutex
	any    []Listener
	typed  map[activity.EntityType][]Listener
	closed bool

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		typed:  make(map[activity.EntityType][]Listener),
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnAny registers l for every event. Registering the same listener twice is
// a no-op.
func (b *Bus) OnAny(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if contains(b.any, l) {
		b.logger.Warn("listener already registered", "listener", l.Name())
		return
	}
	b.any = append(b.any, l)
}

// OffAny removes a listener registered with OnAny.
func (b *Bus) OffAny(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.any = remove(b.any, l)
}

// On registers l for events of one entity type. It panics if t is not a
// registered entity type.
func (b *Bus) On(t activity.EntityType, l Listener) {
	activity.MustEntityType(t)
	b.mu.Lock()
	defer b.mu.Unlock()
	if contains(b.typed[t], l) {
		b.logger.Warn("listener already registered", "listener", l.Name(), "entity_type", t)
		return
	}
	b.typed[t] = append(b.typed[t], l)
}

// Off removes a listener registered with On.
func (b *Bus) Off(t activity.EntityType, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := remove(b.typed[t], l)
	if len(ls) == 0 {
		delete(b.typed, t)
		return
	}
	b.typed[t] = ls
}

// Len returns the number of registrations (any plus typed).
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.any)
	for _, ls := range b.typed {
		n += len(ls)
	}
	return n
}

// Publish delivers ev to every OnAny listener and every listener registered
// for ev.EntityType, and waits for all of them. Listeners run concurrently
// and are started in registration order. A failing or panicking listener is
// logged and does not affect the others.
//
// Publish panics if ev.EntityType is not registered.
func (b *Bus) Publish(ctx context.Context, ev *activity.Event) {
	activity.MustEntityType(ev.EntityType)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.logger.Debug("publish on closed bus", "event_id", ev.ID)
		return
	}
	targets := make([]Listener, 0, len(b.any)+len(b.typed[ev.EntityType]))
	targets = append(targets, b.any...)
	targets = append(targets, b.typed[ev.EntityType]...)
	b.mu.RUnlock()

	ctx, span := b.tracer.Start(ctx, "bus.publish", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.entity_type", string(ev.EntityType)),
		attribute.String("event.action", string(ev.Action)),
		attribute.Int("bus.listeners", len(targets)),
	))
	defer span.End()

	b.metrics.EventPublished(string(ev.EntityType), string(ev.Action))

	var wg sync.WaitGroup
	var failMu sync.Mutex
	failed := 0
	for _, l := range targets {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			if err := b.invoke(ctx, l, ev); err != nil {
				b.metrics.ListenerFailed(l.Name())
				b.logger.Warn("listener failed",
					"listener", l.Name(), "event_id", ev.ID, "entity_type", ev.EntityType, "error", err)
				failMu.Lock()
				failed++
				failMu.Unlock()
			}
		}(l)
	}
	wg.Wait()

	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d listener(s) failed", failed))
	}
}

func (b *Bus) invoke(ctx context.Context, l Listener, ev *activity.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.HandleEvent(ctx, ev)
}

// Close drops every registration. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.any = nil
	b.typed = make(map[activity.EntityType][]Listener)
}

func contains(ls []Listener, l Listener) bool {
	for _, x := range ls {
		if x == l {
			return true
		}
	}
	return false
}

func remove(ls []Listener, l Listener) []Listener {
	for i, x := range ls {
		if x == l {
			out := make([]Listener, 0, len(ls)-1)
			out = append(out, ls[:i]...)
			return append(out, ls[i+1:]...)
		}
	}
	return ls
}
