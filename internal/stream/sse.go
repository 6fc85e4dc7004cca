package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// DefaultKeepalive is how often SSE keepalive comments are sent.
const DefaultKeepalive = 15 * time.Second

// SSESink writes messages as server-sent events:
//
//	id:<event id>
//	event:<entity>.<action>
//	data:<message json>
type SSESink struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	rc     *http.ResponseController
	closed bool
}

// NewSSESink sends the event-stream headers and flushes them.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("streaming not supported: %w", err)
	}
	return &SSESink{w: w, rc: rc}, nil
}

// WriteEvent implements Sink.
func (s *SSESink) WriteEvent(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.write(ctx, func() error {
		_, err := fmt.Fprintf(s.w, "id:%s\nevent:%s\ndata:%s\n\n", msg.ID, msg.Topic(), data)
		return err
	})
}

// Keepalive writes a comment line so idle proxies keep the connection open.
func (s *SSESink) Keepalive(ctx context.Context) error {
	return s.write(ctx, func() error {
		_, err := fmt.Fprint(s.w, ":keepalive\n\n")
		return err
	})
}

func (s *SSESink) write(ctx context.Context, frame func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		defer s.rc.SetWriteDeadline(time.Time{})
	}
	if err := frame(); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Close stops further writes. The HTTP handler owns the connection itself.
func (s *SSESink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
