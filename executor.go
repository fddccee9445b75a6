package revalida

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ambiyansyah-risyal/revalida/internal/codec"
)

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeNotModified
	outcomeNotFound
	outcomeTransient
	outcomeRateLimited
	outcomeRedirect
	outcomeFatal
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeSuccess:
		return "success"
	case outcomeNotModified:
		return "not_modified"
	case outcomeNotFound:
		return "not_found"
	case outcomeTransient:
		return "transient"
	case outcomeRateLimited:
		return "rate_limited"
	case outcomeRedirect:
		return "redirect"
	case outcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// outcome is the classification of one exchange with the origin.
type outcome struct {
	kind     outcomeKind
	response *Response
	delay    time.Duration
	location string
	err      error
}

// isIdempotent reports whether method runs inside the resilient loop.
func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func (r *WireRequest) clone() *WireRequest {
	c := *r
	c.Header = r.Header.Clone()
	return &c
}

// execute runs req to a terminal outcome. Idempotent verbs retry transient
// failures, chase redirects and honour rate-limit waits; other verbs are sent
// exactly once. A 304 comes back as a response with that status.
func (c *Client) execute(ctx context.Context, req *WireRequest) (*Response, error) {
	if !isIdempotent(req.Method) {
		return c.executeDirect(ctx, req)
	}

	current := req
	attempt := 0
	hops := 0
	endpoint := endpointOf(req.URL)

	for {
		out := c.executeOnce(ctx, current, true)

		switch out.kind {
		case outcomeSuccess, outcomeNotModified, outcomeNotFound:
			return out.response, nil

		case outcomeTransient:
			attempt++
			if c.maxRetries > 0 && attempt > c.maxRetries {
				return nil, c.newError(ErrorTypeRetriesExhausted, "retries exhausted", fmt.Errorf("%w: %w", ErrRetriesExhausted, out.err), current, attempt-1)
			}
			delay := c.backoffStrategy.Delay(attempt, c.baseThrottle, c.maxThrottle)
			c.metrics.RecordRetry(current.Method, endpoint)
			c.logger.Info().
				Str("method", current.Method).
				Str("url", current.URL).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(out.err).
				Msg("retrying after transient failure")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, c.newError(ErrorTypeNetwork, "interrupted while backing off", err, current, attempt)
			}

		case outcomeRateLimited:
			attempt = 0
			c.metrics.RecordRateLimitWait(current.Method, endpoint)
			c.logger.Info().
				Str("method", current.Method).
				Str("url", current.URL).
				Int("status", out.response.StatusCode).
				Dur("delay", out.delay).
				Msg("rate limited, waiting")
			if err := c.sleep(ctx, out.delay); err != nil {
				return nil, c.newError(ErrorTypeNetwork, "interrupted while rate limited", err, current, 0)
			}

		case outcomeRedirect:
			attempt = 0
			hops++
			if hops > c.maxRedirects {
				err := c.newError(ErrorTypeRedirect, fmt.Sprintf("more than %d redirects", c.maxRedirects), ErrTooManyRedirects, current, 0)
				err.StatusCode = out.response.StatusCode
				return nil, err
			}
			next, err := resolveLocation(req.URL, out.location)
			if err != nil {
				return nil, c.newError(ErrorTypeRedirect, "invalid redirect location", err, current, 0)
			}
			c.metrics.RecordRedirect(current.Method, endpoint)
			c.logger.Info().
				Str("method", current.Method).
				Str("from", current.URL).
				Str("location", next).
				Int("hop", hops).
				Msg("following redirect")
			current = current.clone()
			current.URL = next

		default:
			return nil, out.err
		}
	}
}

// executeDirect sends req once. Redirect and not-modified responses are
// returned as they are; transport failures are fatal.
func (c *Client) executeDirect(ctx context.Context, req *WireRequest) (*Response, error) {
	out := c.executeOnce(ctx, req, false)
	switch out.kind {
	case outcomeTransient:
		return nil, c.newError(ErrorTypeNetwork, "request failed", out.err, req, 0)
	case outcomeFatal:
		return nil, out.err
	default:
		return out.response, nil
	}
}

// executeOnce performs a single exchange and classifies it. Rate-limit
// detection only runs when resilient is set.
func (c *Client) executeOnce(ctx context.Context, req *WireRequest, resilient bool) outcome {
	wire := req.clone()
	c.requestHook.BeforeRequest(wire)
	wire.Header = wire.Header.Canonical()

	endpoint := endpointOf(wire.URL)
	start := c.now()
	raw, err := c.transport.Execute(ctx, wire)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outcome{kind: outcomeFatal, err: c.newError(ErrorTypeNetwork, "request canceled", ctxErr, wire, 0)}
		}
		if IsTransient(err) {
			return outcome{kind: outcomeTransient, err: err}
		}
		return outcome{kind: outcomeFatal, err: c.newError(ErrorTypeNetwork, "request failed", err, wire, 0)}
	}
	c.metrics.RecordRequest(wire.Method, endpoint, raw.StatusCode, c.now().Sub(start))

	header := raw.Header.Canonical()
	body, err := codec.Inflate(header.Get("Content-Encoding"), raw.Body)
	if err != nil {
		return outcome{kind: outcomeFatal, err: c.newError(ErrorTypeDecode, "cannot inflate response body", err, wire, 0)}
	}

	success := raw.StatusCode >= 200 && raw.StatusCode < 300
	parsed, err := codec.Parse(header.Get("Content-Type"), body)
	if err != nil {
		if success {
			decodeErr := c.newError(ErrorTypeDecode, "cannot parse response body", err, wire, 0)
			decodeErr.StatusCode = raw.StatusCode
			return outcome{kind: outcomeFatal, err: decodeErr}
		}
		parsed = string(body)
	}

	resp := &Response{StatusCode: raw.StatusCode, Header: header, Body: body, Data: parsed}

	if resilient {
		if delay, ok := c.rateLimitDetector.Detect(resp, body, parsed); ok && delay > 0 {
			return outcome{kind: outcomeRateLimited, response: resp, delay: delay}
		}
	}

	switch {
	case success:
		return outcome{kind: outcomeSuccess, response: resp}
	case raw.StatusCode == http.StatusNotModified:
		return outcome{kind: outcomeNotModified, response: resp}
	case raw.StatusCode == http.StatusNotFound:
		return outcome{kind: outcomeNotFound, response: resp}
	case raw.StatusCode == http.StatusMovedPermanently,
		raw.StatusCode == http.StatusFound,
		raw.StatusCode == http.StatusSeeOther:
		if !resilient {
			return outcome{kind: outcomeRedirect, response: resp}
		}
		location := header.Get("Location")
		if location == "" {
			redirectErr := c.newError(ErrorTypeRedirect, "redirect without location", ErrMissingLocation, wire, 0)
			redirectErr.StatusCode = raw.StatusCode
			return outcome{kind: outcomeFatal, err: redirectErr}
		}
		return outcome{kind: outcomeRedirect, response: resp, location: location}
	default:
		statusErr := c.newError(ErrorTypeStatus, fmt.Sprintf("unexpected status %d", raw.StatusCode), ErrUnexpectedStatus, wire, 0)
		statusErr.StatusCode = raw.StatusCode
		statusErr.Body = string(body)
		return outcome{kind: outcomeFatal, response: resp, err: statusErr}
	}
}

// resolveLocation resolves a Location header against the original request URL.
func resolveLocation(base, location string) (string, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	if loc.IsAbs() {
		return loc.String(), nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(loc).String(), nil
}

func (c *Client) newError(errorType, message string, cause error, req *WireRequest, attempt int) *ClientError {
	err := &ClientError{
		Type:       errorType,
		Message:    message,
		Cause:      cause,
		Attempt:    attempt,
		MaxRetries: c.maxRetries,
		Timestamp:  c.now(),
	}
	if req != nil {
		err.Method = req.Method
		err.URL = req.URL
	}
	return err
}

func errorType(err error) string {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type
	}
	return "Unknown"
}
