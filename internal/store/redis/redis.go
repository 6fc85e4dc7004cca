// Package redis implements store.CounterStore on Redis. Each scope is one
// hash whose fields are counter.FieldName values; updates go through Lua
// scripts so the clamp is applied atomically on the server.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/alfredjeanlab/changefeed/internal/counter"
	"github.com/alfredjeanlab/changefeed/internal/store"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "changefeed:"

// KEYS[1]=scope hash; KEYS[2]=scope set; ARGV[1]=field; ARGV[2]=delta; ARGV[3]=scope
var luaIncrement = redis.NewScript(`
  local v = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0') + tonumber(ARGV[2])
  if v < 0 then v = 0 end
  redis.call('HSET', KEYS[1], ARGV[1], v)
  redis.call('SADD', KEYS[2], ARGV[3])
  return v
`)

// KEYS[1]=scope hash; KEYS[2]=scope set; ARGV[1]=scope
var luaDeleteScope = redis.NewScript(`
  local n = redis.call('HLEN', KEYS[1])
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], ARGV[1])
  return n
`)

// Store keeps counters in Redis hashes.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ store.CounterStore = (*Store)(nil)

// Open connects to the Redis server at url (redis://...). An empty prefix
// means DefaultPrefix.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return New(rdb, prefix), nil
}

// New wraps an existing client. Keys are written under prefix.
func New(rdb redis.UniversalClient, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) scopeKey(scope string) string { return s.prefix + "counters:" + scope }
func (s *Store) scopesKey() string            { return s.prefix + "counters:scopes" }

func (s *Store) Increment(ctx context.Context, namespace, scope, key string, delta int64) (int64, error) {
	v, err := luaIncrement.Run(ctx, s.rdb,
		[]string{s.scopeKey(scope), s.scopesKey()},
		counter.FieldName(namespace, key), delta, scope,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment %s/%s: %w", scope, counter.FieldName(namespace, key), err)
	}
	return v, nil
}

func (s *Store) Get(ctx context.Context, namespace, scope, key string) (int64, error) {
	v, err := s.rdb.HGet(ctx, s.scopeKey(scope), counter.FieldName(namespace, key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (s *Store) DeleteByScope(ctx context.Context, scope string) (int64, error) {
	return luaDeleteScope.Run(ctx, s.rdb, []string{s.scopeKey(scope), s.scopesKey()}, scope).Int64()
}

func (s *Store) GetAllByScope(ctx context.Context, scope string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, s.scopeKey(scope)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for field, val := range raw {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s/%s: %w", scope, field, err)
		}
		out[field] = n
	}
	return out, nil
}

// Seed replaces the scope hash in one MULTI/EXEC block.
func (s *Store) Seed(ctx context.Context, scope string, values []counter.Value) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.scopeKey(scope))
		if len(values) == 0 {
			p.SRem(ctx, s.scopesKey(), scope)
			return nil
		}
		fields := make([]any, 0, 2*len(values))
		for _, v := range values {
			fields = append(fields, counter.FieldName(v.Namespace, v.Key), counter.Apply(0, v.Value))
		}
		p.HSet(ctx, s.scopeKey(scope), fields...)
		p.SAdd(ctx, s.scopesKey(), scope)
		return nil
	})
	return err
}

func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	scopes, err := s.rdb.SMembers(ctx, s.scopesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(scopes)
	return scopes, nil
}

func (s *Store) Len(ctx context.Context) (int64, error) {
	scopes, err := s.Scopes(ctx)
	if err != nil {
		return 0, err
	}
	if len(scopes) == 0 {
		return 0, nil
	}
	cmds := make([]*redis.IntCmd, len(scopes))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, scope := range scopes {
			cmds[i] = p.HLen(ctx, s.scopeKey(scope))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
