// Package stream pushes activity events to live subscribers and answers
// catch-up queries from the event log. Subscribers are indexed by channel
// key (an organization id, or "public:{entityType}") and each dispatcher
// applies one Policy.
package stream

import (
	"encoding/json"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/activity"
)

// Message is the frame written to a subscriber. The cache token is never
// included: it is a bare lookup key for the writer's own next read.
type Message struct {
	ID          string              `json:"id"`
	EntityType  activity.EntityType `json:"entity_type"`
	Action      activity.Action     `json:"action"`
	EntityID    string              `json:"entity_id"`
	ChangedKeys []string            `json:"changed_keys"`
	CreatedAt   time.Time           `json:"created_at"`
	Entity      json.RawMessage     `json:"entity,omitempty"`
}

// NewMessage builds the outbound frame for ev. The entity payload is
// attached only when includeEntity is set.
func NewMessage(ev *activity.Event, includeEntity bool) *Message {
	m := &Message{
		ID:          ev.ID,
		EntityType:  ev.EntityType,
		Action:      ev.Action,
		EntityID:    ev.EntityID,
		ChangedKeys: ev.ChangedKeys,
		CreatedAt:   ev.CreatedAt,
	}
	if includeEntity && len(ev.Entity) > 0 {
		m.Entity = ev.Entity
	}
	return m
}

// Topic is the SSE event name, "<entity>.<action>".
func (m *Message) Topic() string {
	return string(m.EntityType) + "." + string(m.Action)
}
