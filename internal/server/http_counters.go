package server

import (
	"errors"
	"net/http"
)

var errNoCounters = errors.New("counter store not configured")

type incrementRequest struct {
	Key   string `json:"key"`
	Delta int64  `json:"delta"`
}

type counterResponse struct {
	Scope     string `json:"scope"`
	Namespace string `json:"namespace"`
	Key       string `json:"key,omitempty"`
	Value     int64  `json:"value"`
}

// handleGetScope handles GET /v1/counters/{scope}.
func (s *Server) handleGetScope(w http.ResponseWriter, r *http.Request) {
	if s.counters == nil {
		writeError(w, http.StatusNotImplemented, errNoCounters.Error())
		return
	}
	scope := r.PathValue("scope")
	values, err := s.counters.GetAllByScope(r.Context(), scope)
	s.metrics.CounterOp("get_all", err)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "counters": values})
}

// handleGetCounter handles GET /v1/counters/{scope}/{namespace}?key=.
func (s *Server) handleGetCounter(w http.ResponseWriter, r *http.Request) {
	if s.counters == nil {
		writeError(w, http.StatusNotImplemented, errNoCounters.Error())
		return
	}
	resp := counterResponse{
		Scope:     r.PathValue("scope"),
		Namespace: r.PathValue("namespace"),
		Key:       r.URL.Query().Get("key"),
	}
	v, err := s.counters.Get(r.Context(), resp.Namespace, resp.Scope, resp.Key)
	s.metrics.CounterOp("get", err)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	resp.Value = v
	writeJSON(w, http.StatusOK, resp)
}

// handleIncrement handles POST /v1/counters/{scope}/{namespace}. The result
// is clamped at zero.
func (s *Server) handleIncrement(w http.ResponseWriter, r *http.Request) {
	if s.counters == nil {
		writeError(w, http.StatusNotImplemented, errNoCounters.Error())
		return
	}
	var req incrementRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	resp := counterResponse{
		Scope:     r.PathValue("scope"),
		Namespace: r.PathValue("namespace"),
		Key:       req.Key,
	}
	v, err := s.counters.Increment(r.Context(), resp.Namespace, resp.Scope, resp.Key, req.Delta)
	s.metrics.CounterOp("increment", err)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	resp.Value = v
	writeJSON(w, http.StatusOK, resp)
}

// handleDeleteScope handles DELETE /v1/counters/{scope}.
func (s *Server) handleDeleteScope(w http.ResponseWriter, r *http.Request) {
	if s.counters == nil {
		writeError(w, http.StatusNotImplemented, errNoCounters.Error())
		return
	}
	n, err := s.counters.DeleteByScope(r.Context(), r.PathValue("scope"))
	s.metrics.CounterOp("delete_scope", err)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
