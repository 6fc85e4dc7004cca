package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/counter"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

type counterKey struct {
	namespace, scope, key string
}

// CounterStore keeps counters in a mutex-guarded map.
type CounterStore struct {
	mu   sync.Mutex
	rows map[counterKey]*counter.Counter
	now  func() time.Time
}

var _ store.CounterStore = (*CounterStore)(nil)

func NewCounterStore() *CounterStore {
	return &CounterStore{rows: make(map[counterKey]*counter.Counter), now: time.Now}
}

func (s *CounterStore) Increment(_ context.Context, namespace, scope, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey{namespace, scope, key}
	c, ok := s.rows[k]
	if !ok {
		c = &counter.Counter{Namespace: namespace, Scope: scope, Key: key}
		s.rows[k] = c
	}
	c.Value = counter.Apply(c.Value, delta)
	c.UpdatedAt = s.now()
	return c.Value, nil
}

func (s *CounterStore) Get(_ context.Context, namespace, scope, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.rows[counterKey{namespace, scope, key}]; ok {
		return c.Value, nil
	}
	return 0, nil
}

func (s *CounterStore) DeleteByScope(_ context.Context, scope string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteScopeLocked(scope), nil
}

func (s *CounterStore) deleteScopeLocked(scope string) int64 {
	var n int64
	for k := range s.rows {
		if k.scope == scope {
			delete(s.rows, k)
			n++
		}
	}
	return n
}

func (s *CounterStore) GetAllByScope(_ context.Context, scope string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for k, c := range s.rows {
		if k.scope == scope {
			out[counter.FieldName(k.namespace, k.key)] = c.Value
		}
	}
	return out, nil
}

func (s *CounterStore) Seed(_ context.Context, scope string, values []counter.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteScopeLocked(scope)
	now := s.now()
	for _, v := range values {
		s.rows[counterKey{v.Namespace, scope, v.Key}] = &counter.Counter{
			Namespace: v.Namespace,
			Scope:     scope,
			Key:       v.Key,
			Value:     counter.Apply(0, v.Value),
			UpdatedAt: now,
		}
	}
	return nil
}

func (s *CounterStore) Scopes(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for k := range s.rows {
		seen[k.scope] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for scope := range seen {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out, nil
}

func (s *CounterStore) Len(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

func (s *CounterStore) Close() error { return nil }
