package activity

import (
	"fmt"
	"sort"
	"sync"
)

// EntityType tags the kind of entity a mutation touched.
type EntityType string

// Well-known entity types registered by default.
const (
	EntityOrganization EntityType = "organization"
	EntityMembership   EntityType = "membership"
	EntityPage         EntityType = "page"
	EntityAttachment   EntityType = "attachment"
	EntityUser         EntityType = "user"
)

// String returns the string representation of the entity type.
func (t EntityType) String() string {
	return string(t)
}

// TypeInfo describes a registered entity type.
type TypeInfo struct {
	Name EntityType
	// Public types get a "public:{type}" stream channel that any connection
	// may subscribe to.
	Public bool
}

var (
	registryMu sync.RWMutex
	registry   = map[EntityType]TypeInfo{
		EntityOrganization: {Name: EntityOrganization},
		EntityMembership:   {Name: EntityMembership},
		EntityPage:         {Name: EntityPage, Public: true},
		EntityAttachment:   {Name: EntityAttachment},
		EntityUser:         {Name: EntityUser},
	}
)

// Register adds or replaces an entity type in the registry. It is meant to be
// called during start-up, before any event is published.
func Register(info TypeInfo) {
	if info.Name == "" {
		panic("activity: register empty entity type")
	}
	registryMu.Lock()
	registry[info.Name] = info
	registryMu.Unlock()
}

// Lookup returns the registration for t.
func Lookup(t EntityType) (TypeInfo, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	info, ok := registry[t]
	return info, ok
}

// IsKnown reports whether t is registered.
func IsKnown(t EntityType) bool {
	_, ok := Lookup(t)
	return ok
}

// MustEntityType returns the registration for t and panics when t is not
// registered. An unknown type reaching a component is a wiring bug, not a
// runtime condition.
func MustEntityType(t EntityType) TypeInfo {
	info, ok := Lookup(t)
	if !ok {
		panic(fmt.Sprintf("activity: unknown entity type %q", t))
	}
	return info
}

// Types returns every registered entity type sorted by name.
func Types() []TypeInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]TypeInfo, 0, len(registry))
	for _, info := range registry {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
