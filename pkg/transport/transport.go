// Package transport defines the request/response port the dispatch core
// drives, plus a default net/http-backed implementation. The core never
// touches net/http directly; everything upstream goes through Transport.
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestSpec describes one upstream request.
type RequestSpec struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the outcome of a completed upstream exchange.
// A Response is only produced when the exchange completed at the HTTP
// level; transport failures surface as errors instead.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Transport sends one request and returns the upstream response.
// Implementations must honor context cancellation.
type Transport interface {
	Send(ctx context.Context, spec RequestSpec) (*Response, error)
}

// HTTPTransport is the default Transport backed by an *http.Client.
type HTTPTransport struct {
	client    *http.Client
	userAgent string
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient sets a custom underlying HTTP client (for testing).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.client = c }
}

// WithUserAgent sets the User-Agent header applied to every request.
func WithUserAgent(ua string) HTTPOption {
	return func(t *HTTPTransport) { t.userAgent = ua }
}

// NewHTTPTransport creates a Transport over net/http with a 30s timeout.
func NewHTTPTransport(opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send executes the request and reads the full response body.
// Network-level failures are returned as a *RequestError with
// ClassNetwork so callers can classify without inspecting error text.
func (t *HTTPTransport) Send(ctx context.Context, spec RequestSpec) (*Response, error) {
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(spec.Body) > 0 {
		body = bytes.NewReader(spec.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, spec.URL, body)
	if err != nil {
		return nil, &RequestError{Class: ClassNetwork, Message: "build request", Err: err}
	}

	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &RequestError{Class: ClassNetwork, Message: "send request", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Class: ClassNetwork, Message: "read response body", Err: err}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       data,
	}, nil
}
