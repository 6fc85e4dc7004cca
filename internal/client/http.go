package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/session"
	"github.com/alfredjeanlab/changefeed/internal/stream"
)

// HTTPClient implements Client using the changefeed HTTP/JSON REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	session    string
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *HTTPClient) { c.token = token }
}

// WithSession sets the session token sent in the X-Session header.
func WithSession(token string) Option {
	return func(c *HTTPClient) { c.session = token }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "http://localhost:8080").
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

func (c *HTTPClient) Emit(ctx context.Context, m *activity.Mutation) (*EmitResponse, error) {
	var resp EmitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/activity", m, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Streams ---

func streamQuery(req *StreamRequest) url.Values {
	q := url.Values{}
	if req.Organization != "" {
		q.Set("org", req.Organization)
	}
	for _, ch := range req.Channels {
		q.Add("channel", ch)
	}
	if len(req.Types) > 0 {
		types := make([]string, len(req.Types))
		for i, t := range req.Types {
			types[i] = string(t)
		}
		q.Set("types", strings.Join(types, ","))
	}
	if req.Offset != "" {
		q.Set("offset", req.Offset)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	return q
}

func streamPath(req *StreamRequest, q url.Values) string {
	path := "/v1/streams/" + url.PathEscape(req.Stream)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return path
}

func (c *HTTPClient) Catchup(ctx context.Context, req *StreamRequest) (*stream.CatchupResult, error) {
	var res stream.CatchupResult
	if err := c.doJSON(ctx, http.MethodGet, streamPath(req, streamQuery(req)), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// --- Counters ---

type counterResponse struct {
	Value int64 `json:"value"`
}

func (c *HTTPClient) GetCounter(ctx context.Context, scope, namespace, key string) (int64, error) {
	path := "/v1/counters/" + url.PathEscape(scope) + "/" + url.PathEscape(namespace)
	if key != "" {
		path += "?key=" + url.QueryEscape(key)
	}
	var resp counterResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Value, nil
}

func (c *HTTPClient) Increment(ctx context.Context, scope, namespace, key string, delta int64) (int64, error) {
	body := map[string]any{"key": key, "delta": delta}
	var resp counterResponse
	path := "/v1/counters/" + url.PathEscape(scope) + "/" + url.PathEscape(namespace)
	if err := c.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// --- Cache ---

func (c *HTTPClient) SignCacheToken(ctx context.Context, baseToken string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/cache/sign", map[string]string{"token": baseToken}, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// --- Health ---

func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// --- internal helpers ---

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.session != "" {
		req.Header.Set(session.Header, c.session)
	}
	return req, nil
}

// apiError builds an APIError from a failed response.
func apiError(resp *http.Response) error {
	respBody, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded (for DELETE/204 responses).
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	// 204 No Content: success with no body.
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
