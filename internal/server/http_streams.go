package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/session"
	"github.com/alfredjeanlab/changefeed/internal/store"
	"github.com/alfredjeanlab/changefeed/internal/stream"
)

var (
	errUnknownStream   = errors.New("unknown stream")
	errSessionRequired = errors.New("session required")
)

// selection is the resolved scope of one stream request.
type selection struct {
	dispatcher *stream.Dispatcher
	channels   []string
	filter     stream.Filter
}

// selectStream resolves the {stream} path value, the channels and the
// entity-type filter of r.
func (s *Server) selectStream(r *http.Request) (*selection, error) {
	d, ok := s.streams[r.PathValue("stream")]
	if !ok {
		return nil, errUnknownStream
	}
	q := r.URL.Query()
	sel := &selection{dispatcher: d}

	if v := q.Get("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			et := activity.EntityType(strings.TrimSpace(t))
			if !activity.IsKnown(et) {
				return nil, inputError("unknown entity type " + strconv.Quote(string(et)))
			}
			sel.filter.EntityTypes = append(sel.filter.EntityTypes, et)
		}
	}

	switch d.Policy().Name {
	case stream.OrganizationPolicy().Name:
		org, err := s.organization(r)
		if err != nil {
			return nil, err
		}
		sel.filter.OrganizationID = org
		sel.channels = []string{org}
	default:
		channels := q["channel"]
		if len(channels) == 0 {
			channels = stream.PublicChannels()
		}
		for _, ch := range channels {
			t, ok := strings.CutPrefix(ch, stream.PublicChannelPrefix)
			info, known := activity.Lookup(activity.EntityType(t))
			if !ok || !known || !info.Public {
				return nil, inputError("unknown channel " + strconv.Quote(ch))
			}
		}
		sel.channels = channels
	}
	return sel, nil
}

// organization returns the organization a private stream is scoped to: the
// session's when sessions are enabled, the "org" parameter otherwise.
func (s *Server) organization(r *http.Request) (string, error) {
	if s.sessions != nil {
		claims, ok := session.FromContext(r.Context())
		if !ok || claims.OrganizationID == "" {
			return "", errSessionRequired
		}
		return claims.OrganizationID, nil
	}
	org := r.URL.Query().Get("org")
	if org == "" {
		return "", inputError("org is required")
	}
	return org, nil
}

// offsetParam returns the client offset, falling back to Last-Event-ID.
func offsetParam(r *http.Request) string {
	if v := r.URL.Query().Get("offset"); v != "" {
		return v
	}
	return r.Header.Get("Last-Event-ID")
}

func (s *Server) writeStreamErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errUnknownStream):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errSessionRequired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, stream.ErrInvalidOffset):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrCursorExpired):
		writeError(w, http.StatusGone, err.Error())
	default:
		s.writeErr(w, err)
	}
}

// wantsLive reports whether r asks for a live SSE stream.
func wantsLive(r *http.Request) bool {
	if live, err := strconv.ParseBool(r.URL.Query().Get("live")); err == nil {
		return live
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// handleStream handles GET /v1/streams/{stream}: one catch-up page as JSON,
// or a live SSE stream when live=true or the client accepts
// text/event-stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sel, err := s.selectStream(r)
	if err != nil {
		s.writeStreamErr(w, err)
		return
	}
	if wantsLive(r) {
		s.serveSSE(w, r, sel)
		return
	}

	off, err := stream.ParseOffset(offsetParam(r), stream.OffsetAll)
	if err != nil {
		s.writeStreamErr(w, err)
		return
	}
	limit := s.catchupLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, s.catchupLimit)
	}

	res, err := stream.Catchup(r.Context(), s.log, sel.dispatcher.Policy(), sel.channels, sel.filter, off, limit)
	if err != nil {
		s.writeStreamErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// liveCursor turns a client offset into the cursor a live subscriber starts
// from. An expired cursor is reported before anything is written so the
// client gets a 410 instead of a silently gapped stream. The log is always
// replayed from the cursor, which closes the window between reading the
// head and registering.
func (s *Server) liveCursor(ctx context.Context, r *http.Request) (string, error) {
	off, err := stream.ParseOffset(offsetParam(r), stream.OffsetNow)
	if err != nil {
		return "", err
	}
	switch {
	case off.All:
		return "", nil
	case off.Now:
		return s.log.Head(ctx)
	}
	if _, err := s.log.Since(ctx, store.EventQuery{After: off.Cursor, Limit: 1}); err != nil {
		return "", err
	}
	return off.Cursor, nil
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, sel *selection) {
	ctx := r.Context()
	cursor, err := s.liveCursor(ctx, r)
	if err != nil {
		s.writeStreamErr(w, err)
		return
	}

	sink, err := stream.NewSSESink(w)
	if err != nil {
		s.logger.Warn("opening event stream", "error", err)
		return
	}
	sub, err := stream.NewSubscriber(sink, sel.channels, sel.filter, cursor)
	if err != nil {
		s.logger.Error("creating subscriber", "error", err)
		return
	}
	if err := sel.dispatcher.Attach(ctx, s.log, sub, true, s.catchupLimit); err != nil {
		s.logger.Warn("attaching subscriber", "subscriber_id", sub.ID(), "error", err)
		return
	}
	defer sel.dispatcher.Deregister(sub.ID())

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case <-ticker.C:
			kctx, cancel := context.WithTimeout(ctx, stream.DefaultWriteTimeout)
			err := sink.Keepalive(kctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// handleWebSocket handles GET /v1/streams/{stream}/ws.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sel, err := s.selectStream(r)
	if err != nil {
		s.writeStreamErr(w, err)
		return
	}
	cursor, err := s.liveCursor(r.Context(), r)
	if err != nil {
		s.writeStreamErr(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	sink := stream.NewWebSocketSink(conn)
	defer sink.Close()

	sub, err := stream.NewSubscriber(sink, sel.channels, sel.filter, cursor)
	if err != nil {
		s.logger.Error("creating subscriber", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if err := sel.dispatcher.Attach(ctx, s.log, sub, true, s.catchupLimit); err != nil {
		s.logger.Warn("attaching subscriber", "subscriber_id", sub.ID(), "error", err)
		return
	}
	defer sel.dispatcher.Deregister(sub.ID())

	go func() {
		select {
		case <-sub.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := sink.Serve(ctx); err != nil && ctx.Err() == nil {
		s.logger.Debug("websocket closed", "subscriber_id", sub.ID(), "error", err)
	}
}
