package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/stream"
)

// reconnectDelay is the pause before reopening a dropped stream.
var reconnectDelay = time.Second

// maxFrameSize bounds one SSE data line.
const maxFrameSize = 4 << 20

// handlerError carries an error returned by the Follow callback.
type handlerError struct{ err error }

func (e handlerError) Error() string { return e.err.Error() }
func (e handlerError) Unwrap() error { return e.err }

// Follow opens a live SSE stream and calls fn for each message. A dropped
// connection is reopened from the last delivered id so no event is missed.
// Follow returns nil when ctx is done, the callback's error if it fails,
// and any error response from the server (such as 410 for an expired
// cursor) without retrying.
func (c *HTTPClient) Follow(ctx context.Context, req *StreamRequest, fn func(*stream.Message) error) error {
	offset := req.Offset
	for {
		last, err := c.follow(ctx, req, offset, fn)
		if last != "" {
			offset = last
		}
		if ctx.Err() != nil {
			return nil
		}
		var he handlerError
		if errors.As(err, &he) {
			return he.err
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// follow reads one connection until it ends and returns the last id seen.
func (c *HTTPClient) follow(ctx context.Context, req *StreamRequest, offset string, fn func(*stream.Message) error) (string, error) {
	q := streamQuery(req)
	q.Set("live", "true")
	if offset != "" {
		q.Set("offset", offset)
	}
	httpReq, err := c.newRequest(ctx, http.MethodGet, streamPath(req, q), nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", apiError(resp)
	}

	var last string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var msg stream.Message
			if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
				return last, fmt.Errorf("decoding event: %w", err)
			}
			data.Reset()
			if err := fn(&msg); err != nil {
				return last, handlerError{err}
			}
			last = msg.ID
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := sc.Err(); err != nil {
		return last, fmt.Errorf("reading stream: %w", err)
	}
	return last, errors.New("stream closed by server")
}
