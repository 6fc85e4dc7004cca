package entitycache

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alfredjeanlab/changefeed/internal/cachetoken"
)

// Header names used by the middleware.
const (
	HeaderToken  = "X-Cache-Token"
	HeaderStatus = "X-Cache"
)

// SessionSecretFunc extracts the caller's session secret from a request.
type SessionSecretFunc func(r *http.Request) (string, bool)

type slotKey struct{}

type slot struct {
	payload json.RawMessage
}

// Store hands the enriched response to the cache middleware wrapping the
// current request. It reports false when the request carries no verified
// cache token, in which case nothing will be cached.
func Store(ctx context.Context, payload json.RawMessage) bool {
	s, ok := ctx.Value(slotKey{}).(*slot)
	if !ok {
		return false
	}
	s.payload = payload
	return true
}

// Middleware serves populated entries directly and caches what the wrapped
// handler stores otherwise.
type Middleware struct {
	cache   *Cache
	signer  *cachetoken.Signer
	session SessionSecretFunc
	logger  *slog.Logger
}

// NewMiddleware builds the cache middleware.
func NewMiddleware(c *Cache, signer *cachetoken.Signer, session SessionSecretFunc, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{cache: c, signer: signer, session: session, logger: logger}
}

// Wrap returns next wrapped by the cache lookup.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := m.verifiedToken(r)
		if !ok {
			w.Header().Set(HeaderStatus, Absent.String())
			next.ServeHTTP(w, r)
			return
		}

		res := m.cache.Get(token)
		if res.State == Populated {
			w.Header().Set(HeaderStatus, res.State.String())
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(res.Payload)
			return
		}

		w.Header().Set(HeaderStatus, res.State.String())
		s := &slot{}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), slotKey{}, s)))
		if s.payload == nil {
			return
		}
		if err := m.cache.Set(token, s.payload); err != nil {
			m.logger.Warn("caching response", "error", err)
		}
	})
}

// verifiedToken returns the base token when the request carries a token
// signed for its own session. Missing or tampered tokens are a plain miss.
func (m *Middleware) verifiedToken(r *http.Request) (string, bool) {
	signed := r.Header.Get(HeaderToken)
	if signed == "" {
		return "", false
	}
	secret, ok := m.session(r)
	if !ok {
		return "", false
	}
	return m.signer.Verify(signed, secret)
}
