package events

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/changefeed/internal/activity"
)

type relayedKey struct{}

// withRelayed marks ctx as carrying an event that arrived from another
// instance.
func withRelayed(ctx context.Context) context.Context {
	return context.WithValue(ctx, relayedKey{}, true)
}

func isRelayed(ctx context.Context) bool {
	v, _ := ctx.Value(relayedKey{}).(bool)
	return v
}

// Forwarder is a bus listener that republishes local events on NATS.
type Forwarder struct {
	pub    Publisher
	origin string
	logger *slog.Logger
}

// NewForwarder returns a forwarder with a fresh origin id.
func NewForwarder(pub Publisher, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{pub: pub, origin: uuid.NewString(), logger: logger}
}

// Origin identifies this instance in forwarded envelopes.
func (f *Forwarder) Origin() string { return f.origin }

func (f *Forwarder) Name() string { return "nats-forwarder" }

// HandleEvent implements bus.Listener. Events that came in through a Relay
// are not sent back out.
func (f *Forwarder) HandleEvent(ctx context.Context, ev *activity.Event) error {
	if isRelayed(ctx) {
		return nil
	}
	return f.pub.Publish(ctx, Subject(ev), Envelope{Origin: f.origin, Event: ev})
}
