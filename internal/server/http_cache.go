package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/alfredjeanlab/changefeed/internal/entitycache"
	"github.com/alfredjeanlab/changefeed/internal/session"
)

// handleCacheGet handles GET /v1/cache behind the cache middleware, which
// has already answered a HIT. What reaches here is RESERVED (202, the
// caller should build the response and PUT it) or MISS (404).
func (s *Server) handleCacheGet(w http.ResponseWriter, _ *http.Request) {
	status := w.Header().Get(entitycache.HeaderStatus)
	if status == entitycache.Reserved.String() {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
		return
	}
	writeError(w, http.StatusNotFound, "not cached")
}

// handleCachePut handles PUT /v1/cache. The body is the enriched entity and
// must carry an "id" field.
func (s *Server) handleCachePut(w http.ResponseWriter, r *http.Request) {
	token, ok := s.verifiedCacheToken(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing or invalid "+entitycache.HeaderToken)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	payload := json.RawMessage(body)
	if !entitycache.HasID(payload) {
		writeError(w, http.StatusBadRequest, entitycache.ErrMissingID.Error())
		return
	}
	if err := s.cache.Set(token, payload); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) verifiedCacheToken(r *http.Request) (string, bool) {
	signed := r.Header.Get(entitycache.HeaderToken)
	secret, ok := sessionSecret(r)
	if signed == "" || !ok {
		return "", false
	}
	return s.signer.Verify(signed, secret)
}

type signRequest struct {
	Token string `json:"token"`
}

// handleCacheSign handles POST /v1/cache/sign, signing a base token for
// the caller's session.
func (s *Server) handleCacheSign(w http.ResponseWriter, r *http.Request) {
	claims, ok := session.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errSessionRequired.Error())
		return
	}
	var req signRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.Token == "" || strings.Contains(req.Token, ".") {
		writeError(w, http.StatusBadRequest, "token must be a non-empty base token")
		return
	}
	writeJSON(w, http.StatusOK, signRequest{Token: s.signer.Sign(req.Token, claims.Secret)})
}
