package revalida

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxRetryAfter caps the wait RetryAfterDetector will honour.
const DefaultMaxRetryAfter = time.Hour

// RetryAfterDetector asks for a wait when the origin answers 429 or 503 with
// a Retry-After header in either delay-seconds or HTTP-date form.
type RetryAfterDetector struct {
	// MaxDelay caps the wait; zero means DefaultMaxRetryAfter. Longer
	// HTTP-date waits are ignored, longer delay-seconds are capped.
	MaxDelay time.Duration
	// Now is used for HTTP-date values; nil means time.Now.
	Now func() time.Time
}

// Detect implements RateLimitDetector.
func (d RetryAfterDetector) Detect(resp *Response, _ []byte, _ any) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0, false
	}
	delay := d.parseRetryAfter(resp.Header.Get("Retry-After"))
	return delay, delay > 0
}

func (d RetryAfterDetector) parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	maxDelay := d.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxRetryAfter
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds <= 0 {
			return 0
		}
		delay := time.Duration(seconds) * time.Second
		if delay > maxDelay {
			delay = maxDelay
		}
		return delay
	}

	if t, err := http.ParseTime(value); err == nil {
		now := time.Now
		if d.Now != nil {
			now = d.Now
		}
		delay := t.Sub(now())
		if delay > 0 && delay <= maxDelay {
			return delay
		}
	}

	return 0
}
