package sync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/counter"
)

// Source is the read side of a counter store.
type Source interface {
	Scopes(ctx context.Context) ([]string, error)
	GetAllByScope(ctx context.Context, scope string) (map[string]int64, error)
}

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version      string    `json:"version"`
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	ScopeCount   int       `json:"scope_count"`
	CounterCount int       `json:"counter_count"`
}

// record is one counter line.
type record struct {
	Type      string `json:"type"`
	Scope     string `json:"scope"`
	Namespace string `json:"namespace"`
	Key       string `json:"key,omitempty"`
	Value     int64  `json:"value"`
}

// ExportJSONL writes every counter of s as JSONL to w, sorted by scope then
// field name.
func ExportJSONL(ctx context.Context, s Source, w io.Writer) error {
	scopes, err := s.Scopes(ctx)
	if err != nil {
		return fmt.Errorf("list scopes: %w", err)
	}
	sort.Strings(scopes)

	var records []record
	for _, scope := range scopes {
		fields, err := s.GetAllByScope(ctx, scope)
		if err != nil {
			return fmt.Errorf("get counters for %s: %w", scope, err)
		}
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ns, key := counter.ParseFieldName(name)
			records = append(records, record{Type: "counter", Scope: scope, Namespace: ns, Key: key, Value: fields[name]})
		}
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(header{
		Version:      "1",
		Type:         "header",
		Timestamp:    time.Now().UTC(),
		ScopeCount:   len(scopes),
		CounterCount: len(records),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode counter %s/%s: %w", r.Scope, r.Namespace, err)
		}
	}
	return nil
}

// ImportJSONL reads a snapshot written by ExportJSONL into seed values keyed
// by scope, ready for counter.Backfill.
func ImportJSONL(r io.Reader) (map[string][]counter.Value, error) {
	seeds := make(map[string][]counter.Value)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	sawHeader := false
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		switch rec.Type {
		case "header":
			sawHeader = true
		case "counter":
			if rec.Scope == "" || rec.Namespace == "" {
				return nil, fmt.Errorf("line %d: counter needs scope and namespace", line)
			}
			seeds[rec.Scope] = append(seeds[rec.Scope], counter.Value{Namespace: rec.Namespace, Key: rec.Key, Value: rec.Value})
		default:
			return nil, fmt.Errorf("line %d: unknown record type %q", line, rec.Type)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawHeader {
		return nil, fmt.Errorf("snapshot has no header")
	}
	return seeds, nil
}
