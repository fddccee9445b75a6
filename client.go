package revalida

import (
	"context"
	"fmt"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ambiyansyah-risyal/revalida/internal/backoff"
	"github.com/ambiyansyah-risyal/revalida/internal/codec"
	"github.com/ambiyansyah-risyal/revalida/internal/singleflight"
	"github.com/ambiyansyah-risyal/revalida/store"
)

// Client is a caching HTTP client. GET, HEAD and OPTIONS responses are kept in
// a Store and revalidated with conditional requests once stale; every
// idempotent call runs through a loop that retries transient failures, follows
// redirects and honours rate-limit waits. It is safe for concurrent use, but
// concurrent misses for the same key each reach the origin unless
// WithCoalescing is set.
type Client struct {
	store             store.Store
	transport         Transport
	httpClient        *http.Client
	middleware        []Middleware
	rateLimitDetector RateLimitDetector
	requestHook       RequestHook
	maxRetries        int
	baseThrottle      time.Duration
	maxThrottle       time.Duration
	backoffStrategy   backoff.Strategy
	maxRedirects      int
	formEncoding      bool
	deflateRequests   bool
	coalesce          *singleflight.Group
	logger            zerolog.Logger
	metrics           *MetricsCollector
	now               func() time.Time
	sleep             SleepFunc
	validationError   error
}

const (
	DefaultBaseThrottle = time.Second
	DefaultMaxThrottle  = 300 * time.Second
	DefaultMaxRedirects = 10
)

// New constructs a Client using the provided functional options. Without
// WithStore the client caches in memory. Validation problems are reported by
// IsValid and ValidationError, and make every call fail.
func New(options ...Option) *Client {
	client := &Client{
		store:             nil,
		rateLimitDetector: NoRateLimit{},
		requestHook:       NoHook{},
		maxRetries:        0,
		baseThrottle:      DefaultBaseThrottle,
		maxThrottle:       DefaultMaxThrottle,
		backoffStrategy:   backoff.Quadratic{},
		maxRedirects:      DefaultMaxRedirects,
		logger:            zerolog.Nop(),
		now:               time.Now,
		sleep:             sleepContext,
	}

	for _, option := range options {
		option(client)
	}

	if client.store == nil {
		client.store = store.NewMemory()
	}
	if client.transport == nil {
		client.transport = NewHTTPTransport(client.httpClient, client.middleware...)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// Get performs a cached GET. Headers override computed defaults and validators.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, URL: url, Header: headers})
}

// Head performs a cached HEAD.
func (c *Client) Head(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodHead, URL: url, Header: headers})
}

// Options performs a cached OPTIONS.
func (c *Client) Options(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodOptions, URL: url, Header: headers})
}

// Post sends body once without caching.
func (c *Client) Post(ctx context.Context, url string, body any, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, URL: url, Header: headers, Body: body})
}

// Put sends body once without caching.
func (c *Client) Put(ctx context.Context, url string, body any, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPut, URL: url, Header: headers, Body: body})
}

// Patch sends body once without caching.
func (c *Client) Patch(ctx context.Context, url string, body any, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPatch, URL: url, Header: headers, Body: body})
}

// Delete sends body, which may be nil, once without caching.
func (c *Client) Delete(ctx context.Context, url string, body any, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodDelete, URL: url, Header: headers, Body: body})
}

// Do executes req. GET, HEAD and OPTIONS go through the cache; a 404 is
// returned as a Response whose Absent method reports true, not as an error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if err := validateURL(req.URL); err != nil {
		return nil, &ClientError{
			Type:      ErrorTypeValidation,
			Message:   "invalid request URL",
			Cause:     err,
			Method:    method,
			URL:       req.URL,
			Timestamp: c.now(),
		}
	}

	endpoint := endpointOf(req.URL)
	c.metrics.RecordRequestStart(method, endpoint)
	defer c.metrics.RecordRequestEnd(method, endpoint)

	var (
		resp *Response
		err  error
	)
	if isIdempotent(method) {
		resp, err = c.fetch(ctx, store.NewKey(method, req.URL), req.Header)
	} else {
		resp, err = c.send(ctx, method, req)
	}
	if err != nil {
		c.metrics.RecordError(errorType(err), method, endpoint)
		c.logger.Error().
			Str("method", method).
			Str("url", req.URL).
			Err(err).
			Msg("request failed")
		return nil, err
	}
	return resp, nil
}

// Close releases the store.
func (c *Client) Close() error {
	return c.store.Close()
}

func (c *Client) fetch(ctx context.Context, key store.Key, headers map[string]string) (*Response, error) {
	if c.coalesce == nil {
		return c.revalidate(ctx, key, headers)
	}
	v, err, shared := c.coalesce.Do(key.String(), func() (interface{}, error) {
		return c.revalidate(ctx, key, headers)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug().Str("key", key.String()).Msg("coalesced with in-flight request")
	}
	return v.(*Response).Clone(), nil
}

// revalidate serves key from the store while fresh, otherwise asks the origin,
// conditionally when validators are known, and stores what it may.
func (c *Client) revalidate(ctx context.Context, key store.Key, headers map[string]string) (*Response, error) {
	endpoint := endpointOf(key.URL)
	log := c.logger.With().Str("method", key.Verb).Str("url", key.URL).Logger()

	entry, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, &ClientError{
			Type:      ErrorTypeStore,
			Message:   "cannot read cache entry",
			Cause:     err,
			Method:    key.Verb,
			URL:       key.URL,
			Timestamp: c.now(),
		}
	}

	if IsFresh(entry, c.now()) {
		c.metrics.RecordCacheHit(key.Verb, endpoint)
		log.Debug().Msg("cache hit")
		return c.cachedResponse(entry, key)
	}

	c.metrics.RecordCacheMiss(key.Verb, endpoint)
	if entry != nil {
		log.Debug().Str("etag", entry.ETag).Str("last_modified", entry.LastModified).Msg("cache stale")
	} else {
		log.Debug().Msg("cache miss")
	}

	wire := &WireRequest{
		Method: key.Verb,
		URL:    key.URL,
		Header: mergeHeaders(Header{"Accept-Encoding": "gzip"}, BuildValidators(entry), headers),
	}
	resp, err := c.execute(ctx, wire)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified {
		if entry == nil {
			return nil, &ClientError{
				Type:       ErrorTypeProtocol,
				Message:    "origin answered 304 with nothing cached",
				Cause:      ErrNotModifiedWithoutEntry,
				Method:     key.Verb,
				URL:        key.URL,
				StatusCode: resp.StatusCode,
				Timestamp:  c.now(),
			}
		}
		refreshed := refreshEntry(entry, resp, c.now())
		c.metrics.RecordCacheRevalidation(key.Verb, endpoint)
		log.Debug().Int64("expire", refreshed.Expire).Msg("revalidated")
		c.persist(ctx, key, refreshed)
		return c.cachedResponse(refreshed, key)
	}

	if IsCacheable(resp) {
		c.persist(ctx, key, newEntry(resp, c.now()))
	} else {
		log.Debug().Int("status", resp.StatusCode).Msg("not cacheable")
	}
	return resp, nil
}

// cachedResponse copies the stored response and restores its decoded body,
// which stores do not persist.
func (c *Client) cachedResponse(entry *store.Entry, key store.Key) (*Response, error) {
	resp := entry.Response.Clone()
	data, err := codec.Parse(resp.Header.Get("Content-Type"), resp.Body)
	if err != nil {
		return nil, &ClientError{
			Type:       ErrorTypeDecode,
			Message:    "cannot parse cached body",
			Cause:      err,
			Method:     key.Verb,
			URL:        key.URL,
			StatusCode: resp.StatusCode,
			Timestamp:  c.now(),
		}
	}
	resp.Data = data
	return resp, nil
}

// persist writes entry. Failures are logged; the caller still gets its response.
func (c *Client) persist(ctx context.Context, key store.Key, entry *store.Entry) {
	if err := c.store.Put(ctx, key, entry); err != nil {
		c.logger.Warn().
			Str("method", key.Verb).
			Str("url", key.URL).
			Err(err).
			Msg("cannot store cache entry")
		return
	}
	c.metrics.RecordCacheStore(key.Verb, endpointOf(key.URL))
	c.logger.Debug().
		Str("method", key.Verb).
		Str("url", key.URL).
		Int64("expire", entry.Expire).
		Msg("stored")
}

// send encodes and sends a write request.
func (c *Client) send(ctx context.Context, method string, req *Request) (*Response, error) {
	body, contentType, err := codec.EncodeBody(req.Body, c.formEncoding)
	if err != nil {
		return nil, &ClientError{
			Type:      ErrorTypeValidation,
			Message:   "cannot encode request body",
			Cause:     err,
			Method:    method,
			URL:       req.URL,
			Timestamp: c.now(),
		}
	}

	defaults := Header{"Accept-Encoding": "gzip"}
	if contentType != "" {
		defaults["Content-Type"] = contentType
	}
	if c.deflateRequests && len(body) > 0 {
		body, err = codec.Deflate(body)
		if err != nil {
			return nil, &ClientError{
				Type:      ErrorTypeValidation,
				Message:   "cannot compress request body",
				Cause:     err,
				Method:    method,
				URL:       req.URL,
				Timestamp: c.now(),
			}
		}
		defaults["Content-Encoding"] = "deflate"
	}

	return c.execute(ctx, &WireRequest{
		Method: method,
		URL:    req.URL,
		Header: mergeHeaders(defaults, nil, req.Header),
		Body:   body,
	})
}

// mergeHeaders layers defaults, then validators, then caller headers, with
// names canonicalized so a later layer replaces an earlier one regardless of
// casing.
func mergeHeaders(defaults Header, validators, caller map[string]string) Header {
	merged := make(Header, len(defaults)+len(validators)+len(caller))
	for _, layer := range []map[string]string{defaults, validators, caller} {
		for name, value := range layer {
			merged[textproto.CanonicalMIMEHeaderKey(name)] = value
		}
	}
	return merged
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
