package revalida

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPTransport executes WireRequests with a net/http client. Redirects are
// never followed here; the execution loop chases them itself.
type HTTPTransport struct {
	httpClient *http.Client
	middleware []Middleware
}

// NewHTTPTransport wraps client, which may be nil for a default client with a
// 30 second timeout. The client is copied so its redirect policy can be
// overridden without affecting the caller.
func NewHTTPTransport(client *http.Client, middleware ...Middleware) *HTTPTransport {
	var hc http.Client
	if client != nil {
		hc = *client
	} else {
		hc.Timeout = 30 * time.Second
	}
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HTTPTransport{httpClient: &hc, middleware: middleware}
}

// Execute implements Transport.
func (t *HTTPTransport) Execute(ctx context.Context, req *WireRequest) (*WireResponse, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for name, value := range req.Header {
		httpReq.Header.Set(name, value)
	}
	// net/http would otherwise decompress transparently and drop the header.
	if httpReq.Header.Get("Accept-Encoding") == "" {
		httpReq.Header.Set("Accept-Encoding", "identity")
	}

	resp, err := t.executeMiddleware(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	header := make(Header, len(resp.Header))
	for name, values := range resp.Header {
		header[name] = strings.Join(values, ", ")
	}
	return &WireResponse{StatusCode: resp.StatusCode, Header: header, Body: raw}, nil
}

func (t *HTTPTransport) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(t.middleware) == 0 {
		return t.httpClient.Do(req)
	}

	current := RoundTripperFunc(t.httpClient.Do)

	for i := len(t.middleware) - 1; i >= 0; i-- {
		middleware := t.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}
