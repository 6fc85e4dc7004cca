// Package activity defines the activity events produced for every committed
// entity mutation, and the closed registry of entity types they refer to.
package activity

import (
	"encoding/json"
	"time"
)

// Action is the kind of mutation an event describes.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// String returns the string representation of the action.
func (a Action) String() string {
	return string(a)
}

// IsValid checks whether the action is a known value.
func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Event is an immutable notification of one committed mutation. Events are
// built once by the emitter and must not be modified by listeners.
type Event struct {
	ID             string          `json:"id"`
	Action         Action          `json:"action"`
	EntityType     EntityType      `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	ChangedKeys    []string        `json:"changed_keys"` // nil for create and delete
	CreatedAt      time.Time       `json:"created_at"`
	CacheToken     string          `json:"cache_token,omitempty"`
	Entity         json.RawMessage `json:"entity,omitempty"`
}

// HasCacheToken reports whether the writer minted a cache token for the next
// read of this entity.
func (e *Event) HasCacheToken() bool {
	return e.CacheToken != ""
}

// Topic returns the dotted "<entity>.<action>" name used for framing and for
// cross-process subjects.
func (e *Event) Topic() string {
	return string(e.EntityType) + "." + string(e.Action)
}
