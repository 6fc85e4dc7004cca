// Package memory provides in-process store backends used when no database
// is configured, and by tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

// DefaultEventLogSize is the number of events kept when no size is given.
const DefaultEventLogSize = 1000

// EventLog is a fixed-size ring buffer of recent events. Once full, the
// oldest event is dropped for each append and cursors older than the
// dropped history get store.ErrCursorExpired.
type EventLog struct {
	mu      sync.RWMutex
	ring    []*activity.Event
	pos     int    // next write position
	n       int    // valid entries
	dropped string // id of the newest event pushed out of the ring
}

var _ store.EventLog = (*EventLog)(nil)

// NewEventLog creates a ring buffer holding size events.
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = DefaultEventLogSize
	}
	return &EventLog{ring: make([]*activity.Event, size)}
}

// Append stores ev. Ids must arrive in increasing order.
func (l *EventLog) Append(_ context.Context, ev *activity.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.n > 0 {
		if last := l.ring[(l.pos-1+len(l.ring))%len(l.ring)]; ev.ID <= last.ID {
			return fmt.Errorf("append %s: id not after head %s", ev.ID, last.ID)
		}
	}
	if l.n == len(l.ring) {
		l.dropped = l.ring[l.pos].ID
	}
	l.ring[l.pos] = ev
	l.pos = (l.pos + 1) % len(l.ring)
	if l.n < len(l.ring) {
		l.n++
	}
	return nil
}

// Since walks the ring from oldest to newest.
func (l *EventLog) Since(_ context.Context, q store.EventQuery) ([]*activity.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if q.After != "" && l.dropped != "" && q.After < l.dropped {
		return nil, store.ErrCursorExpired
	}

	var out []*activity.Event
	start := (l.pos - l.n + len(l.ring)) % len(l.ring)
	for i := range l.n {
		ev := l.ring[(start+i)%len(l.ring)]
		if ev.ID <= q.After || !q.Matches(ev) {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Head returns the newest id.
func (l *EventLog) Head(context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.n == 0 {
		return l.dropped, nil
	}
	return l.ring[(l.pos-1+len(l.ring))%len(l.ring)].ID, nil
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.n
}

func (l *EventLog) Close() error { return nil }
