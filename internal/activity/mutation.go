package activity

import (
	"encoding/json"
	"strings"
)

// CounterDelta is one counter adjustment the write path applies alongside a
// mutation.
type CounterDelta struct {
	Namespace string `json:"namespace"`
	Scope     string `json:"scope"`
	Key       string `json:"key,omitempty"`
	Delta     int64  `json:"delta"`
}

// Mutation is what a write path reports after its transaction commits.
type Mutation struct {
	Action          Action          `json:"action"`
	EntityType      EntityType      `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	OrganizationID  string          `json:"organization_id,omitempty"`
	ChangedKeys     []string        `json:"changed_keys,omitempty"`
	Entity          json.RawMessage `json:"entity,omitempty"`
	IssueCacheToken bool            `json:"issue_cache_token,omitempty"`
	// CacheToken is a base token chosen by the writer. When empty and
	// IssueCacheToken is set, one is minted.
	CacheToken      string          `json:"cache_token,omitempty"`
	Counters        []CounterDelta  `json:"counters,omitempty"`
}

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validate checks a mutation reported over the wire. It returns a
// *ValidationError if any rules fail, or nil if the mutation is valid.
// Unknown entity types are reported as validation errors here because the
// input comes from another process; in-process callers get a panic further
// down instead.
func (m *Mutation) Validate() error {
	var ve ValidationError

	if !m.Action.IsValid() {
		ve.Errors = append(ve.Errors, FieldError{Field: "action", Message: "must be create, update or delete"})
	}
	if m.EntityType == "" {
		ve.Errors = append(ve.Errors, FieldError{Field: "entity_type", Message: "is required"})
	} else if !IsKnown(m.EntityType) {
		ve.Errors = append(ve.Errors, FieldError{Field: "entity_type", Message: "is not registered"})
	}
	if strings.TrimSpace(m.EntityID) == "" {
		ve.Errors = append(ve.Errors, FieldError{Field: "entity_id", Message: "is required"})
	}
	if m.Action != ActionUpdate && len(m.ChangedKeys) > 0 {
		ve.Errors = append(ve.Errors, FieldError{Field: "changed_keys", Message: "only allowed on update"})
	}
	if len(m.Entity) > 0 && !json.Valid(m.Entity) {
		ve.Errors = append(ve.Errors, FieldError{Field: "entity", Message: "must be valid JSON"})
	}
	if strings.Contains(m.CacheToken, ".") {
		ve.Errors = append(ve.Errors, FieldError{Field: "cache_token", Message: "must not contain '.'"})
	}
	if m.CacheToken != "" && m.Action == ActionDelete {
		ve.Errors = append(ve.Errors, FieldError{Field: "cache_token", Message: "not allowed on delete"})
	}
	for _, c := range m.Counters {
		if c.Namespace == "" || c.Scope == "" {
			ve.Errors = append(ve.Errors, FieldError{Field: "counters", Message: "namespace and scope are required"})
			break
		}
	}

	if len(ve.Errors) > 0 {
		return &ve
	}
	return nil
}
