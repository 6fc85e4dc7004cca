package entitycache

import (
	"context"
	"log/slog"

	"github.com/alfredjeanlab/changefeed/internal/activity"
)

// Listener keeps the cache in step with the activity bus: create and update
// events carrying a cache token reserve it, delete events invalidate every
// token of the entity.
type Listener struct {
	cache  *Cache
	logger *slog.Logger
}

// NewListener returns a bus listener bound to c.
func NewListener(c *Cache, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{cache: c, logger: logger}
}

func (l *Listener) Name() string { return "entitycache" }

// HandleEvent implements bus.Listener.
func (l *Listener) HandleEvent(_ context.Context, ev *activity.Event) error {
	activity.MustEntityType(ev.EntityType)

	switch ev.Action {
	case activity.ActionCreate, activity.ActionUpdate:
		if !ev.HasCacheToken() {
			return nil
		}
		l.cache.Reserve(ev.CacheToken, ev.EntityType, ev.EntityID)
		// Writers may attach the full payload so the first read is a hit.
		if len(ev.Entity) > 0 && HasID(ev.Entity) {
			return l.cache.Set(ev.CacheToken, ev.Entity)
		}
	case activity.ActionDelete:
		if l.cache.InvalidateByEntity(ev.EntityType, ev.EntityID) {
			l.logger.Debug("invalidated cache tokens", "entity_type", ev.EntityType, "entity_id", ev.EntityID)
		}
	}
	return nil
}
