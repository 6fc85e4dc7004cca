package stream

import (
	"strings"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

// PublicChannelPrefix prefixes the channel key of public entity types.
const PublicChannelPrefix = "public:"

// Policy decides which channel an event belongs to and who on that channel
// receives it.
type Policy struct {
	Name string
	// Channel maps an event to its channel key; false means the stream
	// ignores the event.
	Channel func(ev *activity.Event) (string, bool)
	// ShouldReceive is the per-subscriber eligibility check beyond channel
	// membership.
	ShouldReceive func(sub *Subscriber, ev *activity.Event) bool
	// IncludeEntity attaches the event's entity payload to messages.
	IncludeEntity bool
	// Query narrows event log reads for subscribers on channels. Results
	// are still checked with Channel and ShouldReceive.
	Query func(channels []string) store.EventQuery
}

// OrganizationPolicy streams every event of an organization to subscribers
// scoped to that organization.
func OrganizationPolicy() Policy {
	return Policy{
		Name: "org",
		Channel: func(ev *activity.Event) (string, bool) {
			return ev.OrganizationID, ev.OrganizationID != ""
		},
		ShouldReceive: func(sub *Subscriber, ev *activity.Event) bool {
			f := sub.Filter()
			return f.OrganizationID == ev.OrganizationID && f.AllowsType(ev.EntityType)
		},
		Query: func(channels []string) store.EventQuery {
			if len(channels) == 1 {
				return store.EventQuery{OrganizationID: channels[0]}
			}
			return store.EventQuery{}
		},
	}
}

// PublicChannel returns the channel key of a public entity type.
func PublicChannel(t activity.EntityType) string {
	return PublicChannelPrefix + string(t)
}

// PublicPolicy streams events of public entity types, with their payloads,
// to anyone. Events without an entity id are never delivered.
func PublicPolicy() Policy {
	return Policy{
		Name: "public",
		Channel: func(ev *activity.Event) (string, bool) {
			if !activity.MustEntityType(ev.EntityType).Public {
				return "", false
			}
			return PublicChannel(ev.EntityType), true
		},
		ShouldReceive: func(sub *Subscriber, ev *activity.Event) bool {
			return ev.EntityID != "" && sub.Filter().AllowsType(ev.EntityType)
		},
		IncludeEntity: true,
		Query: func(channels []string) store.EventQuery {
			var q store.EventQuery
			for _, ch := range channels {
				if t, ok := strings.CutPrefix(ch, PublicChannelPrefix); ok {
					q.EntityTypes = append(q.EntityTypes, activity.EntityType(t))
				}
			}
			return q
		},
	}
}

// PublicChannels returns the channel keys of every registered public type.
func PublicChannels() []string {
	var out []string
	for _, info := range activity.Types() {
		if info.Public {
			out = append(out, PublicChannel(info.Name))
		}
	}
	return out
}

// eligible applies the full delivery check to an event read from the log.
func (p Policy) eligible(sub *Subscriber, ev *activity.Event) bool {
	if !activity.IsKnown(ev.EntityType) {
		return false
	}
	key, ok := p.Channel(ev)
	return ok && sub.inChannel(key) && p.ShouldReceive(sub, ev)
}
