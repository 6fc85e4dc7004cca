package idgen

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// SequenceWidth is the fixed number of digits in an event id. Fixed width
// makes string order equal numeric order.
const SequenceWidth = 20

// Sequence issues strictly increasing event ids. Each id is the larger of the
// previous id plus one and the current time in microseconds, so ids are
// roughly time-ordered and never repeat within a process.
type Sequence struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

// NewSequence returns a sequence that issues ids greater than after. Pass the
// newest id already stored in the event log (or "") so ids keep increasing
// across restarts.
func NewSequence(after string) (*Sequence, error) {
	s := &Sequence{now: time.Now}
	if after == "" {
		return s, nil
	}
	last, err := ParseSequenceID(after)
	if err != nil {
		return nil, err
	}
	s.last = last
	return s, nil
}

// Next returns the next id.
func (s *Sequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := uint64(s.now().UnixMicro())
	if next <= s.last {
		next = s.last + 1
	}
	s.last = next
	return FormatSequenceID(next)
}

// Last returns the most recently issued id, or "" if none was issued.
func (s *Sequence) Last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == 0 {
		return ""
	}
	return FormatSequenceID(s.last)
}

// FormatSequenceID renders n as a fixed-width event id.
func FormatSequenceID(n uint64) string {
	return fmt.Sprintf("%0*d", SequenceWidth, n)
}

// ParseSequenceID parses an id produced by FormatSequenceID.
func ParseSequenceID(id string) (uint64, error) {
	if len(id) != SequenceWidth {
		return 0, fmt.Errorf("idgen: event id %q must be %d digits", id, SequenceWidth)
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("idgen: event id %q: %w", id, err)
	}
	return n, nil
}
