// Package counter holds the counter value types shared by the counter
// stores, and the one-shot backfill that seeds them from authoritative
// aggregates.
package counter

import (
	"strings"
	"time"
)

// Counter is one (namespace, scope, key) row.
type Counter struct {
	Namespace string    `json:"namespace"`
	Scope     string    `json:"scope"`
	Key       string    `json:"key,omitempty"`
	Value     int64     `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Value is a counter within a scope, as used when seeding.
type Value struct {
	Namespace string `json:"namespace" toml:"namespace"`
	Key       string `json:"key,omitempty" toml:"key,omitempty"`
	Value     int64  `json:"value" toml:"value"`
}

// FieldName is the key a counter is reported under by GetAllByScope:
// "namespace" when key is empty, otherwise "namespace:key".
func FieldName(namespace, key string) string {
	if key == "" {
		return namespace
	}
	return namespace + ":" + key
}

// ParseFieldName splits a FieldName back into namespace and key.
// Namespaces never contain ':', keys may.
func ParseFieldName(field string) (namespace, key string) {
	namespace, key, _ = strings.Cut(field, ":")
	return namespace, key
}

// Apply returns the clamped result of adding delta to current.
func Apply(current, delta int64) int64 {
	if v := current + delta; v > 0 {
		return v
	}
	return 0
}
