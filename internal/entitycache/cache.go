// Package entitycache stores enriched entity responses under opaque cache
// tokens. A token is reserved the moment a write commits, populated by the
// read path once the response exists, and dropped when the entity is
// deleted or the entry ages out of the LRU.
package entitycache

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/metrics"
)

// DefaultSize is the entry capacity used when Config.Size is not positive.
const DefaultSize = 10000

// ErrMissingID is returned by Set when the payload has no "id" field.
var ErrMissingID = errors.New("entitycache: payload must contain an id field")

// State is the three-way outcome of a lookup.
type State int

const (
	Absent State = iota
	Reserved
	Populated
)

func (s State) String() string {
	switch s {
	case Reserved:
		return "RESERVED"
	case Populated:
		return "HIT"
	default:
		return "MISS"
	}
}

// Result is returned by Get. Payload is set only when State is Populated.
type Result struct {
	State   State
	Payload json.RawMessage
}

type entityKey struct {
	entityType activity.EntityType
	entityID   string
}

type entry struct {
	key     entityKey
	indexed bool
	gen     uint64
	payload json.RawMessage // nil while reserved
}

type indexRef struct {
	key entityKey
	gen uint64
}

// Config sizes a Cache.
type Config struct {
	Size int
	// TTL is the maximum entry age; zero or negative disables age eviction.
	TTL     time.Duration
	Metrics *metrics.Metrics
}

// Cache is safe for concurrent use.
//
// Two locks are involved. mu serializes the compound operations (reserve,
// set, invalidate) so index and LRU updates for one token do not interleave.
// idxMu guards the secondary index only and is also taken by the LRU's
// eviction callback, which runs with the LRU's own lock held; idxMu is never
// held while calling into the LRU.
type Cache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, entry]

	idxMu  sync.Mutex
	index  map[entityKey]map[string]struct{}
	tokens map[string]indexRef
	gen    uint64

	metrics *metrics.Metrics
}

// New creates a cache.
func New(cfg Config) *Cache {
	size := cfg.Size
	if size <= 0 {
		size = DefaultSize
	}
	c := &Cache{
		index:   make(map[entityKey]map[string]struct{}),
		tokens:  make(map[string]indexRef),
		metrics: cfg.Metrics,
	}
	c.lru = expirable.NewLRU[string, entry](size, c.onEvict, cfg.TTL)
	return c
}

// onEvict runs under the LRU lock for capacity, age and explicit removals.
func (c *Cache) onEvict(token string, e entry) {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()
	if !e.indexed {
		c.metrics.CacheEvicted()
		return
	}
	ref, ok := c.tokens[token]
	if !ok || ref.gen != e.gen {
		// Already unindexed by InvalidateByEntity, or superseded by a newer
		// reservation of the same token.
		return
	}
	c.unindexLocked(token, ref.key)
	c.metrics.CacheEvicted()
}

func (c *Cache) unindexLocked(token string, key entityKey) {
	delete(c.tokens, token)
	set := c.index[key]
	delete(set, token)
	if len(set) == 0 {
		delete(c.index, key)
	}
}

// Reserve marks token as in flight for the given entity and indexes it
// under (entityType, entityID). It panics if entityType is not registered.
func (c *Cache) Reserve(token string, entityType activity.EntityType, entityID string) {
	activity.MustEntityType(entityType)
	key := entityKey{entityType: entityType, entityID: entityID}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.idxMu.Lock()
	c.gen++
	gen := c.gen
	if old, ok := c.tokens[token]; ok && old.key != key {
		c.unindexLocked(token, old.key)
	}
	c.tokens[token] = indexRef{key: key, gen: gen}
	set, ok := c.index[key]
	if !ok {
		set = make(map[string]struct{})
		c.index[key] = set
	}
	set[token] = struct{}{}
	c.idxMu.Unlock()

	c.lru.Add(token, entry{key: key, indexed: true, gen: gen})
}

// Get looks token up. Unknown or expired tokens are Absent, never an error.
func (c *Cache) Get(token string) Result {
	e, ok := c.lru.Get(token)
	switch {
	case !ok:
		c.metrics.CacheLookup("miss")
		return Result{State: Absent}
	case e.payload == nil:
		c.metrics.CacheLookup("reserved")
		return Result{State: Reserved}
	default:
		c.metrics.CacheLookup("hit")
		return Result{State: Populated, Payload: e.payload}
	}
}

// Set populates token. A reserved token keeps its entity index entry; an
// unknown token is created directly so late population after an eviction
// still works. The last Set for a token wins.
func (c *Cache) Set(token string, payload json.RawMessage) error {
	if !HasID(payload) {
		return ErrMissingID
	}
	stored := make(json.RawMessage, len(payload))
	copy(stored, payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(token)
	if !ok {
		e = entry{}
	}
	e.payload = stored
	c.lru.Add(token, e)
	return nil
}

// InvalidateByEntity drops every token indexed under the entity and reports
// whether any were found. It panics if entityType is not registered.
func (c *Cache) InvalidateByEntity(entityType activity.EntityType, entityID string) bool {
	activity.MustEntityType(entityType)
	key := entityKey{entityType: entityType, entityID: entityID}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.idxMu.Lock()
	set := c.index[key]
	tokens := make([]string, 0, len(set))
	for token := range set {
		tokens = append(tokens, token)
		delete(c.tokens, token)
	}
	delete(c.index, key)
	c.idxMu.Unlock()

	for _, token := range tokens {
		c.lru.Remove(token)
	}
	return len(tokens) > 0
}

// Len returns the number of cached tokens, reserved or populated.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// IndexLen returns the number of entities with at least one indexed token.
func (c *Cache) IndexLen() int {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()
	return len(c.index)
}

// Purge empties the cache and the index.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.idxMu.Lock()
	c.index = make(map[entityKey]map[string]struct{})
	c.tokens = make(map[string]indexRef)
	c.idxMu.Unlock()
}

// HasID reports whether payload is a JSON object with a non-null "id" field,
// the requirement for Set.
func HasID(payload json.RawMessage) bool {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return len(probe.ID) > 0 && string(probe.ID) != "null"
}
