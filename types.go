package revalida

import (
	"context"
	"net/http"
	"time"

	"github.com/ambiyansyah-risyal/revalida/store"
)

// Response is the envelope returned to callers and stored in the cache.
type Response = store.Response

// Header is a single-valued, case-insensitive header mapping.
type Header = store.Header

// Request describes one call made through the Client.
type Request struct {
	Method string
	URL    string
	// Header holds caller-supplied headers. On a name collision they win over
	// computed validators and defaults.
	Header map[string]string
	// Body is encoded for write verbs: []byte, string and io.Reader are sent
	// as is, anything else is JSON or form encoded.
	Body any
}

// WireRequest is the request handed to a Transport after defaults, validators
// and caller headers have been merged.
type WireRequest struct {
	Method string
	URL    string
	Header Header
	Body   []byte
}

// WireResponse is what a Transport returns: the status, the headers and the
// body exactly as received (still content-encoded).
type WireResponse struct {
	StatusCode int
	Header     Header
	Body       []byte
}

// Transport performs a single HTTP exchange without following redirects.
type Transport interface {
	Execute(ctx context.Context, req *WireRequest) (*WireResponse, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *WireRequest) (*WireResponse, error)

// Execute implements Transport.
func (f TransportFunc) Execute(ctx context.Context, req *WireRequest) (*WireResponse, error) {
	return f(ctx, req)
}

// RateLimitDetector inspects every response and may ask the client to wait
// before re-issuing the same request. Waits never consume retry budget.
type RateLimitDetector interface {
	Detect(resp *Response, rawBody []byte, parsed any) (time.Duration, bool)
}

// RateLimitDetectorFunc adapts a function to RateLimitDetector.
type RateLimitDetectorFunc func(resp *Response, rawBody []byte, parsed any) (time.Duration, bool)

// Detect implements RateLimitDetector.
func (f RateLimitDetectorFunc) Detect(resp *Response, rawBody []byte, parsed any) (time.Duration, bool) {
	return f(resp, rawBody, parsed)
}

// NoRateLimit never asks for a wait. It is the default detector.
type NoRateLimit struct{}

// Detect implements RateLimitDetector.
func (NoRateLimit) Detect(*Response, []byte, any) (time.Duration, bool) {
	return 0, false
}

// RequestHook runs before every request is sent, including retries and
// redirect hops, and may modify it.
type RequestHook interface {
	BeforeRequest(req *WireRequest)
}

// RequestHookFunc adapts a function to RequestHook.
type RequestHookFunc func(req *WireRequest)

// BeforeRequest implements RequestHook.
func (f RequestHookFunc) BeforeRequest(req *WireRequest) {
	f(req)
}

// NoHook leaves requests untouched. It is the default hook.
type NoHook struct{}

// BeforeRequest implements RequestHook.
func (NoHook) BeforeRequest(*WireRequest) {}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Middleware wraps the net/http round trip made by HTTPTransport.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Option represents a configuration option
type Option func(*Client)

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
