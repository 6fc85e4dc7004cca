package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/idgen"
)

// ErrSinkClosed is returned by sinks written to after Close.
var ErrSinkClosed = errors.New("stream: sink closed")

// Sink frames and flushes messages to one open connection. Implementations
// must be safe for concurrent WriteEvent and Close calls and should honour
// the context deadline.
type Sink interface {
	WriteEvent(ctx context.Context, msg *Message) error
	Close() error
}

// State is a subscriber's lifecycle position. Closed is terminal.
type State int32

const (
	StateConnected State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	default:
		return "closed"
	}
}

// Filter is the per-connection scoping resolved when the connection opened.
type Filter struct {
	// OrganizationID scopes private streams; empty for public streams.
	OrganizationID string
	// EntityTypes restricts delivery; empty means every type.
	EntityTypes []activity.EntityType
}

// AllowsType reports whether t passes the entity-type restriction.
func (f Filter) AllowsType(t activity.EntityType) bool {
	return len(f.EntityTypes) == 0 || slices.Contains(f.EntityTypes, t)
}

// Subscriber is one open live connection.
type Subscriber struct {
	id       string
	sink     Sink
	channels []string
	filter   Filter

	// slot serializes writes to the sink; holding it also fences live
	// dispatch while the log is being replayed.
	slot chan struct{}

	mu     sync.Mutex
	cursor string
	state  State

	done      chan struct{}
	closeOnce sync.Once
}

// NewSubscriber creates a subscriber on the given channel keys. cursor is
// the last event id the client has seen, or "" for none.
func NewSubscriber(sink Sink, channels []string, filter Filter, cursor string) (*Subscriber, error) {
	if len(channels) == 0 {
		return nil, errors.New("stream: subscriber needs at least one channel")
	}
	id, err := idgen.GenerateWithPrefix(idgen.PrefixSubscriber)
	if err != nil {
		return nil, fmt.Errorf("generate subscriber id: %w", err)
	}
	return &Subscriber{
		id:       id,
		sink:     sink,
		channels: slices.Clone(channels),
		filter:   filter,
		slot:     make(chan struct{}, 1),
		cursor:   cursor,
		done:     make(chan struct{}),
	}, nil
}

func (s *Subscriber) ID() string          { return s.id }
func (s *Subscriber) Channels() []string  { return slices.Clone(s.channels) }
func (s *Subscriber) Filter() Filter      { return s.filter }
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Cursor returns the id of the last event written to this subscriber.
func (s *Subscriber) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) inChannel(key string) bool {
	return slices.Contains(s.channels, key)
}

func (s *Subscriber) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-s.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscriber) release() { <-s.slot }

// deliver writes msg within timeout. It reports false without error when
// the message is at or behind the cursor.
func (s *Subscriber) deliver(ctx context.Context, msg *Message, timeout time.Duration) (bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	defer s.release()
	return s.writeHeld(ctx, msg)
}

// writeHeld writes msg; the caller holds the slot.
func (s *Subscriber) writeHeld(ctx context.Context, msg *Message) (bool, error) {
	s.mu.Lock()
	state, cursor := s.state, s.cursor
	s.mu.Unlock()

	if state == StateClosed {
		return false, ErrSinkClosed
	}
	if cursor != "" && msg.ID <= cursor {
		return false, nil
	}
	if err := s.sink.WriteEvent(ctx, msg); err != nil {
		return false, err
	}

	s.mu.Lock()
	if msg.ID > s.cursor {
		s.cursor = msg.ID
	}
	if s.state == StateConnected {
		s.state = StateStreaming
	}
	s.mu.Unlock()
	return true, nil
}

// Close moves the subscriber to StateClosed and closes its sink. It is
// idempotent.
func (s *Subscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
		err = s.sink.Close()
	})
	return err
}
