package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/alfredjeanlab/changefeed/internal/idgen"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

// Offset sentinels accepted from clients.
const (
	OffsetAll = "-1"
	OffsetNow = "now"
)

// DefaultCatchupLimit is the page size used when no limit is given.
const DefaultCatchupLimit = 100

// Offset is a parsed client offset.
type Offset struct {
	All bool
	Now bool
	// Cursor is the event id to continue after when neither All nor Now.
	Cursor string
}

// ErrInvalidOffset is returned for offsets that are neither a sentinel nor
// an event id.
var ErrInvalidOffset = errors.New("invalid offset")

// ParseOffset parses a client offset, using def when s is empty.
func ParseOffset(s, def string) (Offset, error) {
	if s == "" {
		s = def
	}
	switch s {
	case OffsetAll:
		return Offset{All: true}, nil
	case OffsetNow:
		return Offset{Now: true}, nil
	}
	n, err := idgen.ParseSequenceID(s)
	if err != nil {
		return Offset{}, fmt.Errorf("%w %q", ErrInvalidOffset, s)
	}
	return Offset{Cursor: idgen.FormatSequenceID(n)}, nil
}

// CatchupResult is one page of missed events.
type CatchupResult struct {
	Events []*Message `json:"events"`
	// Cursor is the offset to pass on the next request, or to open a live
	// connection with.
	Cursor string `json:"cursor"`
}

// Catchup returns up to limit events for the given channels after offset,
// in ascending id order. OffsetAll reads from the start of the log;
// OffsetNow returns no events and the log head as the cursor.
func Catchup(ctx context.Context, log store.EventLog, policy Policy, channels []string, filter Filter, offset Offset, limit int) (*CatchupResult, error) {
	if limit <= 0 {
		limit = DefaultCatchupLimit
	}
	res := &CatchupResult{Events: []*Message{}}

	if offset.Now {
		head, err := log.Head(ctx)
		if err != nil {
			return nil, fmt.Errorf("read log head: %w", err)
		}
		res.Cursor = head
		if res.Cursor == "" {
			res.Cursor = OffsetAll
		}
		return res, nil
	}

	probe := &Subscriber{channels: channels, filter: filter}
	q := policy.Query(channels)
	q.After = offset.Cursor
	q.Limit = limit
	res.Cursor = offset.Cursor

	for {
		events, err := log.Since(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			res.Cursor = ev.ID
			if !policy.eligible(probe, ev) {
				continue
			}
			res.Events = append(res.Events, NewMessage(ev, policy.IncludeEntity))
			if len(res.Events) == limit {
				return res, nil
			}
		}
		if len(events) < q.Limit {
			break
		}
		q.After = events[len(events)-1].ID
	}
	if res.Cursor == "" {
		res.Cursor = OffsetAll
	}
	return res, nil
}
