package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// RequestParameters describes the request actually sent for a key.
type RequestParameters struct {
	URL     string
	Headers map[string]string
}

// TransformRequest rewrites the request for a URL before it is sent, to sign
// it or add authentication headers for instance.
type TransformRequest func(ctx context.Context, url string) (RequestParameters, error)

// HTTPStore reads keys from a remote dataset root over HTTP.
type HTTPStore struct {
	base      string
	client    *http.Client
	transform TransformRequest
	headers   map[string]string
}

type HTTPOption func(*HTTPStore)

// WithClient sets the http.Client used for every request.
func WithClient(client *http.Client) HTTPOption {
	return func(s *HTTPStore) {
		if client != nil {
			s.client = client
		}
	}
}

// WithTransformRequest installs a hook called for every request.
func WithTransformRequest(fn TransformRequest) HTTPOption {
	return func(s *HTTPStore) { s.transform = fn }
}

// WithHeaders adds static headers to every request.
func WithHeaders(headers map[string]string) HTTPOption {
	return func(s *HTTPStore) {
		for k, v := range headers {
			s.headers[k] = v
		}
	}
}

// NewHTTPStore creates a store rooted at base.
func NewHTTPStore(base string, opts ...HTTPOption) *HTTPStore {
	s := &HTTPStore{
		base:    strings.TrimRight(base, "/"),
		client:  http.DefaultClient,
		headers: map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the absolute URL of key.
func (h *HTTPStore) URL(key string) string {
	return h.base + "/" + strings.TrimLeft(key, "/")
}

// Get fetches a key. A 404 or 403 answer is reported as ErrNotFound, object
// stores answer 403 for missing keys when listing is not allowed.
func (h *HTTPStore) Get(ctx context.Context, key string) ([]byte, error) {
	params := RequestParameters{URL: h.URL(key)}
	if h.transform != nil {
		p, err := h.transform(ctx, params.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to transform request for %s: %w", key, err)
		}
		params = p
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create get request: %w", err)
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get request failed for %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	default:
		return nil, fmt.Errorf("bad status for http get request %s: %s", key, resp.Status)
	}

	return io.ReadAll(resp.Body)
}
