// Package client provides a transport-agnostic interface for the changefeed
// service and an HTTP/JSON implementation that talks to its REST API.
package client

import (
	"context"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/stream"
)

// Client is the interface the changefeed CLI uses to talk to a server.
type Client interface {
	// Emit reports a committed mutation.
	Emit(ctx context.Context, m *activity.Mutation) (*EmitResponse, error)

	// Catchup returns one page of events after req.Offset.
	Catchup(ctx context.Context, req *StreamRequest) (*stream.CatchupResult, error)
	// Follow streams events until ctx is done, reconnecting from the last
	// seen id when the connection drops.
	Follow(ctx context.Context, req *StreamRequest, fn func(*stream.Message) error) error

	// Counters
	GetCounter(ctx context.Context, scope, namespace, key string) (int64, error)
	Increment(ctx context.Context, scope, namespace, key string, delta int64) (int64, error)

	// SignCacheToken signs a base token for the client's session.
	SignCacheToken(ctx context.Context, baseToken string) (string, error)

	// Health
	Health(ctx context.Context) (string, error)

	// Lifecycle
	Close() error
}

// EmitResponse is the response from Emit.
type EmitResponse struct {
	Event            *activity.Event `json:"event"`
	SignedCacheToken string          `json:"signed_cache_token,omitempty"`
}

// StreamRequest selects a stream and where to start reading it.
type StreamRequest struct {
	// Stream is "org" or "public".
	Stream string
	// Organization scopes the org stream when the server runs without
	// sessions.
	Organization string
	Channels     []string
	Types        []activity.EntityType
	// Offset is an event id, "-1" for all retained history or "now".
	Offset string
	Limit  int
}
