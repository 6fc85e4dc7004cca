// Package server exposes the change feed over HTTP and gRPC: mutation
// ingest, catch-up and live streams, the entity cache, counters, health and
// metrics.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/changefeed/internal/cachetoken"
	"github.com/alfredjeanlab/changefeed/internal/emitter"
	"github.com/alfredjeanlab/changefeed/internal/entitycache"
	"github.com/alfredjeanlab/changefeed/internal/metrics"
	"github.com/alfredjeanlab/changefeed/internal/session"
	"github.com/alfredjeanlab/changefeed/internal/store"
	"github.com/alfredjeanlab/changefeed/internal/stream"
)

// Deps are the components a Server serves. Sessions and Metrics may be nil;
// without Sessions the organization stream is scoped by the "org" query
// parameter and cache tokens cannot be signed.
type Deps struct {
	Emitter  *emitter.Emitter
	Counters store.CounterStore
	Log      store.EventLog
	Cache    *entitycache.Cache
	Signer   *cachetoken.Signer
	Sessions *session.Manager
	// Streams maps a stream name ("org", "public") to its dispatcher.
	Streams map[string]*stream.Dispatcher
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	Keepalive    time.Duration
	CatchupLimit int
}

// Server implements the HTTP surface.
type Server struct {
	emitter  *emitter.Emitter
	counters store.CounterStore
	log      store.EventLog
	cache    *entitycache.Cache
	signer   *cachetoken.Signer
	sessions *session.Manager
	streams  map[string]*stream.Dispatcher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	keepalive    time.Duration
	catchupLimit int
	upgrader     websocket.Upgrader
}

// New returns a Server over d.
func New(d Deps) (*Server, error) {
	switch {
	case d.Emitter == nil:
		return nil, errors.New("server: emitter is required")
	case d.Log == nil:
		return nil, errors.New("server: event log is required")
	case d.Cache == nil || d.Signer == nil:
		return nil, errors.New("server: cache and signer are required")
	case len(d.Streams) == 0:
		return nil, errors.New("server: at least one stream is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepalive := d.Keepalive
	if keepalive <= 0 {
		keepalive = stream.DefaultKeepalive
	}
	limit := d.CatchupLimit
	if limit <= 0 {
		limit = stream.DefaultCatchupLimit
	}
	return &Server{
		emitter:      d.Emitter,
		counters:     d.Counters,
		log:          d.Log,
		cache:        d.Cache,
		signer:       d.Signer,
		sessions:     d.Sessions,
		streams:      d.Streams,
		metrics:      d.Metrics,
		logger:       logger,
		keepalive:    keepalive,
		catchupLimit: limit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browsers connect from the product's own origins; access is
			// scoped by the session, not the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// inputError marks an error caused by the request, mapped to 400.
type inputError string

func (e inputError) Error() string { return string(e) }

// sessionSecret adapts the request session to entitycache.SessionSecretFunc.
func sessionSecret(r *http.Request) (string, bool) {
	return session.SecretFromRequest(r)
}
