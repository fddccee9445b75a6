package revalida

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// Error types carried by ClientError.Type.
const (
	ErrorTypeNetwork          = "Network"
	ErrorTypeStatus           = "Status"
	ErrorTypeRedirect         = "Redirect"
	ErrorTypeDecode           = "Decode"
	ErrorTypeStore            = "Store"
	ErrorTypeProtocol         = "Protocol"
	ErrorTypeValidation       = "Validation"
	ErrorTypeRetriesExhausted = "RetriesExhausted"
)

// Sentinel errors for common failure scenarios
var (
	// ErrNotModifiedWithoutEntry is returned when the origin answers 304 but
	// nothing is cached for the request.
	ErrNotModifiedWithoutEntry = errors.New("revalida: not modified without a cached entry")

	// ErrTooManyRedirects is returned when a redirect chain exceeds the cap.
	ErrTooManyRedirects = errors.New("revalida: too many redirects")

	// ErrRetriesExhausted is returned when the retry limit is reached.
	ErrRetriesExhausted = errors.New("revalida: retries exhausted")

	// ErrMissingLocation is returned for a redirect without a Location header.
	ErrMissingLocation = errors.New("revalida: redirect without location")

	// ErrUnexpectedStatus is returned for statuses the client cannot handle.
	ErrUnexpectedStatus = errors.New("revalida: unexpected status")
)

// ClientError describes a failed call with enough context to diagnose it.
type ClientError struct {
	Type       string
	Message    string
	Cause      error
	Method     string
	URL        string
	StatusCode int
	// Body is the raw response body for status errors.
	Body       string
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [status %d]", msg, e.StatusCode)
	}
	if e.Attempt > 0 {
		if e.MaxRetries > 0 {
			msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
		} else {
			msg = fmt.Sprintf("%s (attempt %d)", msg, e.Attempt)
		}
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Body != "" {
		info += fmt.Sprintf("Body: %s\n", e.Body)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsTransient reports whether err is a network failure worth retrying:
// refused or reset connections, unreachable hosts or networks, timeouts,
// streams closed mid-response and other socket-level errors. Context
// cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrorTypeNetwork && IsTransient(clientErr.Cause)
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout)
}
