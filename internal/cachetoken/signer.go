// Package cachetoken binds opaque entity-cache tokens to the requesting
// session. A signed token is "{baseToken}.{signature}", where the signature is
// the first SignatureLength hex characters of an HMAC-SHA256 of the base token
// keyed by a per-session key. A leaked signed token is useless outside the
// session it was issued to, while the cache itself stays shared.
package cachetoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/alfredjeanlab/changefeed/internal/idgen"
)

// SignatureLength is the number of hex characters kept from the HMAC (40 bits).
const SignatureLength = 10

// Signer signs and verifies cache tokens with keys derived from a server-wide
// secret and the requester's session secret. Keys are never stored.
type Signer struct {
	serverSecret []byte
}

// NewSigner returns a signer for the given server secret.
func NewSigner(serverSecret string) (*Signer, error) {
	if serverSecret == "" {
		return nil, errors.New("cachetoken: server secret is required")
	}
	return &Signer{serverSecret: []byte(serverSecret)}, nil
}

// DeriveSigningKey returns HMAC-SHA256(serverSecret, sessionSecret).
func (s *Signer) DeriveSigningKey(sessionSecret string) []byte {
	return hmacSHA256(s.serverSecret, sessionSecret)
}

// Sign returns baseToken with its session-bound signature appended.
func (s *Signer) Sign(baseToken, sessionSecret string) string {
	return baseToken + "." + s.signature(baseToken, sessionSecret)
}

// Verify returns the base token of signedToken when its signature matches the
// session; ok is false for anything malformed or tampered.
func (s *Signer) Verify(signedToken, sessionSecret string) (baseToken string, ok bool) {
	dot := strings.LastIndexByte(signedToken, '.')
	if dot <= 0 {
		return "", false
	}
	baseToken, sig := signedToken[:dot], signedToken[dot+1:]
	if len(sig) != SignatureLength {
		return "", false
	}
	expected := s.signature(baseToken, sessionSecret)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return "", false
	}
	return baseToken, true
}

func (s *Signer) signature(baseToken, sessionSecret string) string {
	key := s.DeriveSigningKey(sessionSecret)
	return hex.EncodeToString(hmacSHA256(key, baseToken))[:SignatureLength]
}

// NewBaseToken mints a random base token. Base tokens never contain '.'.
func NewBaseToken() (string, error) {
	return idgen.Generate()
}

func hmacSHA256(key []byte, value string) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(value))
	return mac.Sum(nil)
}
