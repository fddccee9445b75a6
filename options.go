package revalida

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ambiyansyah-risyal/revalida/internal/backoff"
	"github.com/ambiyansyah-risyal/revalida/internal/singleflight"
	"github.com/ambiyansyah-risyal/revalida/store"
)

// WithStore sets the cache backend. The client takes ownership and closes it
// in Close.
func WithStore(s store.Store) Option {
	return func(c *Client) {
		if s != nil {
			c.store = s
		}
	}
}

// WithTransport replaces the net/http transport entirely.
func WithTransport(t Transport) Option {
	return func(c *Client) {
		if t != nil {
			c.transport = t
		}
	}
}

// WithHTTPClient sets the net/http client used by the default transport. Its
// redirect policy is overridden.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithMiddleware adds middleware to the default transport.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithCircuitBreaker guards the default transport with a circuit breaker.
// While it is open, calls fail fast with ErrCircuitOpen.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, NewCircuitBreaker(config).Middleware())
	}
}

// WithThrottle paces requests on the default transport with a token bucket of
// burst tokens refilled one per interval.
func WithThrottle(burst int, interval time.Duration) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, NewThrottle(burst, interval).Middleware())
	}
}

// WithRateLimitDetector sets the detector consulted after every response.
func WithRateLimitDetector(d RateLimitDetector) Option {
	return func(c *Client) {
		if d != nil {
			c.rateLimitDetector = d
		}
	}
}

// WithRequestHook sets the hook run before every request is sent.
func WithRequestHook(h RequestHook) Option {
	return func(c *Client) {
		if h != nil {
			c.requestHook = h
		}
	}
}

// WithMaxRetries bounds retries after transient failures. Zero, the default,
// retries forever.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithBaseThrottle sets the base delay fed to the backoff strategy.
func WithBaseThrottle(d time.Duration) Option {
	return func(c *Client) {
		c.baseThrottle = d
	}
}

// WithMaxThrottle caps a single backoff delay.
func WithMaxThrottle(d time.Duration) Option {
	return func(c *Client) {
		c.maxThrottle = d
	}
}

// WithBackoffStrategy replaces the quadratic backoff.
func WithBackoffStrategy(s backoff.Strategy) Option {
	return func(c *Client) {
		if s != nil {
			c.backoffStrategy = s
		}
	}
}

// WithMaxRedirects caps the number of redirects followed per call.
func WithMaxRedirects(n int) Option {
	return func(c *Client) {
		c.maxRedirects = n
	}
}

// WithFormEncoding form-encodes structured write bodies instead of JSON.
func WithFormEncoding() Option {
	return func(c *Client) {
		c.formEncoding = true
	}
}

// WithDeflateRequests compresses write bodies with Content-Encoding: deflate.
func WithDeflateRequests() Option {
	return func(c *Client) {
		c.deflateRequests = true
	}
}

// WithCoalescing shares one origin round trip between concurrent calls for
// the same verb and URL. The first caller's headers and context are used.
func WithCoalescing() Option {
	return func(c *Client) {
		c.coalesce = singleflight.New()
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics enables metrics on the default Prometheus registerer.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsRegistry enables metrics on registry.
func WithMetricsRegistry(registry prometheus.Registerer) Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollectorWithRegistry(registry)
	}
}

// WithMetricsCollector uses an existing collector, typically shared between clients.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithClock sets the time source used for freshness decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSleeper sets the function used for backoff and rate-limit waits.
func WithSleeper(sleep SleepFunc) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.validateRetryConfig()...)
	errors = append(errors, c.validateRedirectConfig()...)
	errors = append(errors, c.validateMiddlewareConfig()...)
	errors = append(errors, c.validateExtremeValues()...)

	if len(errors) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", errors),
		}
	}

	return nil
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

func (c *Client) validateRetryConfig() []string {
	var errors []string

	if c.maxRetries < 0 {
		errors = append(errors, "maxRetries must be non-negative")
	}
	if c.baseThrottle <= 0 {
		errors = append(errors, "baseThrottle must be positive")
	}
	if c.maxThrottle < c.baseThrottle {
		errors = append(errors, "maxThrottle must be greater than or equal to baseThrottle")
	}

	return errors
}

func (c *Client) validateRedirectConfig() []string {
	if c.maxRedirects < 0 {
		return []string{"maxRedirects must be non-negative"}
	}
	return nil
}

func (c *Client) validateMiddlewareConfig() []string {
	var errors []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			errors = append(errors, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}
	if len(c.middleware) > 0 {
		if _, ok := c.transport.(*HTTPTransport); !ok {
			errors = append(errors, "middleware requires the default HTTP transport")
		}
	}

	return errors
}

// validateExtremeValues rejects values that would stall callers for hours.
func (c *Client) validateExtremeValues() []string {
	var errors []string

	if c.maxRetries > 100 {
		errors = append(errors, "maxRetries > 100 may cause excessive resource usage")
	}
	if c.baseThrottle > 10*time.Minute {
		errors = append(errors, "baseThrottle > 10m may cause very long delays")
	}
	if c.maxThrottle > time.Hour {
		errors = append(errors, "maxThrottle > 1h may cause extremely long delays")
	}
	if c.maxRedirects > 100 {
		errors = append(errors, "maxRedirects > 100 may hide redirect loops")
	}

	return errors
}
