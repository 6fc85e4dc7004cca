// Package events carries activity events between processes over NATS. The
// Forwarder republishes every locally emitted event; the Relay feeds events
// from other instances into the local bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alfredjeanlab/changefeed/internal/activity"
)

// SubjectPrefix is the root of every activity subject.
const SubjectPrefix = "changefeed.activity"

// AllSubjects matches every activity subject.
const AllSubjects = SubjectPrefix + ".>"

// Subject returns "changefeed.activity.{entityType}.{action}".
func Subject(ev *activity.Event) string {
	return SubjectPrefix + "." + string(ev.EntityType) + "." + string(ev.Action)
}

// SubjectFor narrows AllSubjects to one entity type, or to every type when t
// is empty.
func SubjectFor(t activity.EntityType) string {
	if t == "" {
		return AllSubjects
	}
	return SubjectPrefix + "." + string(t) + ".*"
}

// Envelope is the wire form of a forwarded event. Origin identifies the
// instance that emitted it so a relay can skip its own events.
type Envelope struct {
	Origin string          `json:"origin"`
	Event  *activity.Event `json:"event"`
}

// Decode parses an Envelope and checks it carries an event.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Event == nil || env.Event.ID == "" {
		return nil, fmt.Errorf("decoding envelope: missing event")
	}
	if strings.TrimSpace(string(env.Event.EntityType)) == "" {
		return nil, fmt.Errorf("decoding envelope: event %s has no entity type", env.Event.ID)
	}
	return &env, nil
}

// Publisher sends a JSON-encoded value to a subject.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Subscriber receives raw payloads from subjects. Cancelling a
// subscription closes its channel.
type Subscriber interface {
	Subscribe(topic string) (<-chan []byte, func(), error)
	Close() error
}

// NoopPublisher drops everything; serve uses it when NATS is off.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, any) error { return nil }
func (*NoopPublisher) Close() error                               { return nil }
