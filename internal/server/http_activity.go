package server

import (
	"errors"
	"net/http"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/session"
)

// ingestResponse is returned by POST /v1/activity.
type ingestResponse struct {
	Event *activity.Event `json:"event"`
	// SignedCacheToken is the event's cache token signed for the caller's
	// session, ready to send back as X-Cache-Token.
	SignedCacheToken string `json:"signed_cache_token,omitempty"`
}

// handleIngest handles POST /v1/activity.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var m activity.Mutation
	if err := decodeBody(w, r, &m); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := m.Validate(); err != nil {
		var ve *activity.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
			return
		}
		s.writeErr(w, err)
		return
	}

	ev, err := s.emitter.Emit(r.Context(), m)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	resp := ingestResponse{Event: ev}
	if claims, ok := session.FromContext(r.Context()); ok && ev.HasCacheToken() {
		resp.SignedCacheToken = s.signer.Sign(ev.CacheToken, claims.Secret)
	}
	writeJSON(w, http.StatusCreated, resp)
}
