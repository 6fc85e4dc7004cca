package events

import (
	"context"
	"log/slog"

	"github.com/alfredjeanlab/changefeed/internal/activity"
)

// LocalPublisher is the in-process side a Relay publishes into.
type LocalPublisher interface {
	Publish(ctx context.Context, ev *activity.Event)
}

// Relay feeds events forwarded by other instances into the local bus.
type Relay struct {
	sub    Subscriber
	local  LocalPublisher
	origin string
	logger *slog.Logger
}

// NewRelay returns a relay that ignores envelopes from origin, which should
// be the local Forwarder's origin.
func NewRelay(sub Subscriber, local LocalPublisher, origin string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{sub: sub, local: local, origin: origin, logger: logger}
}

// Start subscribes and relays in the background until ctx is done or the
// subscription closes. The returned channel is closed when relaying stops.
// Messages published after Start returns are seen by the relay.
func (r *Relay) Start(ctx context.Context) (<-chan struct{}, error) {
	ch, cancel, err := r.sub.Subscribe(AllSubjects)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-ch:
				if !ok {
					return
				}
				r.handle(ctx, data)
			}
		}
	}()
	return done, nil
}

func (r *Relay) handle(ctx context.Context, data []byte) {
	env, err := Decode(data)
	if err != nil {
		r.logger.Warn("dropping malformed relay message", "error", err)
		return
	}
	if env.Origin == r.origin {
		return
	}
	if !activity.IsKnown(env.Event.EntityType) {
		r.logger.Warn("dropping relayed event of unknown type",
			"event_id", env.Event.ID, "entity_type", env.Event.EntityType, "origin", env.Origin)
		return
	}
	r.local.Publish(withRelayed(ctx), env.Event)
}
