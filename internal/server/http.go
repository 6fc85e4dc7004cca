package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alfredjeanlab/changefeed/internal/entitycache"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except health and the public
// streams) must include a valid Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	cached := entitycache.NewMiddleware(s.cache, s.signer, sessionSecret, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/activity", s.handleIngest)
	mux.HandleFunc("GET /v1/streams/{stream}", s.handleStream)
	mux.HandleFunc("GET /v1/streams/{stream}/ws", s.handleWebSocket)
	mux.Handle("GET /v1/cache", cached.Wrap(http.HandlerFunc(s.handleCacheGet)))
	mux.HandleFunc("PUT /v1/cache", s.handleCachePut)
	mux.HandleFunc("POST /v1/cache/sign", s.handleCacheSign)
	mux.HandleFunc("GET /v1/counters/{scope}", s.handleGetScope)
	mux.HandleFunc("GET /v1/counters/{scope}/{namespace}", s.handleGetCounter)
	mux.HandleFunc("POST /v1/counters/{scope}/{namespace}", s.handleIncrement)
	mux.HandleFunc("DELETE /v1/counters/{scope}", s.handleDeleteScope)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	var h http.Handler = mux
	if s.sessions != nil {
		h = s.sessions.Middleware(h)
	}
	return RecoveryMiddleware(s.logger, AuthMiddleware(authToken, h))
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeBody decodes a size-limited JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return inputError("request body too large")
		}
		return inputError("invalid JSON body")
	}
	return nil
}

// writeErr maps inputError to 400 and anything else to 500.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var ie inputError
	if errors.As(err, &ie) {
		writeError(w, http.StatusBadRequest, ie.Error())
		return
	}
	s.logger.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
