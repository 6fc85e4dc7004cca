// Package session scopes connections to a client session. A session is an
// HS256 JWT carrying the session secret ("sid") that cache tokens are bound
// to and the organization ("org") whose streams the connection may read.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Header carries the session token on HTTP requests.
	Header = "X-Session"
	// QueryParam carries it where headers cannot be set (EventSource,
	// browser WebSocket).
	QueryParam = "session"

	// DefaultTTL is how long issued sessions stay valid.
	DefaultTTL = 12 * time.Hour
)

var (
	// ErrInvalid is returned for malformed, tampered or incomplete tokens.
	ErrInvalid = errors.New("session: invalid token")
	// ErrExpired is returned for tokens past their expiry.
	ErrExpired = errors.New("session: token expired")
)

// Claims is a verified session.
type Claims struct {
	Secret         string
	OrganizationID string
	Subject        string
	ExpiresAt      time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	SessionID      string `json:"sid"`
	OrganizationID string `json:"org,omitempty"`
}

// Manager issues and verifies session tokens.
type Manager struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewManager returns a manager signing with key. ttl <= 0 means DefaultTTL.
func NewManager(key string, ttl time.Duration) (*Manager, error) {
	if key == "" {
		return nil, errors.New("session: signing key is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{key: []byte(key), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for the session secret and organization.
func (m *Manager) Issue(subject, secret, organizationID string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("%w: session secret is required", ErrInvalid)
	}
	now := m.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		SessionID:      secret,
		OrganizationID: organizationID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
}

// Verify parses token and checks its signature and expiry.
func (m *Manager) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalid
	}
	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return m.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if parsed.SessionID == "" {
		return nil, fmt.Errorf("%w: missing sid", ErrInvalid)
	}
	return &Claims{
		Secret:         parsed.SessionID,
		OrganizationID: parsed.OrganizationID,
		Subject:        parsed.Subject,
		ExpiresAt:      parsed.ExpiresAt.Time.UTC(),
	}, nil
}

// TokenFromRequest returns the raw session token of r, preferring the
// header over the query parameter.
func TokenFromRequest(r *http.Request) string {
	if v := r.Header.Get(Header); v != "" {
		return v
	}
	return r.URL.Query().Get(QueryParam)
}

type contextKey struct{}

// NewContext returns ctx carrying c.
func NewContext(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the session stored by Middleware, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok && c != nil
}

// SecretFromRequest returns the session secret of r.
func SecretFromRequest(r *http.Request) (string, bool) {
	c, ok := FromContext(r.Context())
	if !ok {
		return "", false
	}
	return c.Secret, true
}

// Middleware verifies the session token when one is present and stores the
// claims on the request context. Requests without a token pass through
// anonymously; requests with a bad token are rejected with 401.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := TokenFromRequest(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := m.Verify(token)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid session"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), claims)))
	})
}
