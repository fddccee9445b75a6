package revalida

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by the circuit breaker middleware while the
// origin is considered down.
var ErrCircuitOpen = errors.New("revalida: circuit breaker is open")

// CircuitState is the state of a CircuitBreaker.
type CircuitState int64

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker. Zero values select the
// defaults: 5 failures to open, 60s before probing, 2 successes to close.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// CircuitBreaker stops sending requests to an origin after consecutive
// failures. Transport errors and 5xx responses count as failures.
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	now         func() time.Time
	state       int64
	failures    int64
	successes   int64
	lastFailure int64
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt64(&cb.state))
}

// Allow reports whether a request may go through. An open breaker lets one
// probe through once the recovery timeout has passed.
func (cb *CircuitBreaker) Allow() bool {
	switch cb.State() {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		lastFailure := atomic.LoadInt64(&cb.lastFailure)
		if cb.now().UnixNano()-lastFailure < int64(cb.config.RecoveryTimeout) {
			return false
		}
		if atomic.CompareAndSwapInt64(&cb.state, int64(StateOpen), int64(StateHalfOpen)) {
			atomic.StoreInt64(&cb.successes, 0)
		}
		return true
	default:
		return false
	}
}

// RecordFailure counts a failed exchange.
func (cb *CircuitBreaker) RecordFailure() {
	atomic.StoreInt64(&cb.lastFailure, cb.now().UnixNano())

	switch cb.State() {
	case StateClosed:
		if atomic.AddInt64(&cb.failures, 1) >= int64(cb.config.FailureThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateOpen))
		}
	case StateHalfOpen:
		atomic.StoreInt64(&cb.state, int64(StateOpen))
		atomic.StoreInt64(&cb.successes, 0)
	}
}

// RecordSuccess counts a successful exchange.
func (cb *CircuitBreaker) RecordSuccess() {
	switch cb.State() {
	case StateClosed:
		atomic.StoreInt64(&cb.failures, 0)
	case StateHalfOpen:
		if atomic.AddInt64(&cb.successes, 1) >= int64(cb.config.SuccessThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateClosed))
			atomic.StoreInt64(&cb.failures, 0)
			atomic.StoreInt64(&cb.successes, 0)
		}
	}
}

// Middleware returns transport middleware guarded by cb.
func (cb *CircuitBreaker) Middleware() Middleware {
	return func(req *http.Request, next RoundTripper) (*http.Response, error) {
		if !cb.Allow() {
			return nil, ErrCircuitOpen
		}
		resp, err := next.RoundTrip(req)
		if err != nil || resp.StatusCode >= http.StatusInternalServerError {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
		return resp, err
	}
}

// Throttle is a token bucket that paces outgoing requests. A request without
// a token waits for the next refill or for its context to end.
type Throttle struct {
	maxTokens  int64
	interval   time.Duration
	now        func() time.Time
	sleep      SleepFunc
	tokens     int64
	lastRefill int64
}

// NewThrottle allows bursts of burst requests and adds one token every
// interval.
func NewThrottle(burst int, interval time.Duration) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		maxTokens:  int64(burst),
		interval:   interval,
		now:        time.Now,
		sleep:      sleepContext,
		tokens:     int64(burst),
		lastRefill: time.Now().UnixNano(),
	}
}

// Allow takes a token if one is available.
func (t *Throttle) Allow() bool {
	t.refill()
	for {
		tokens := atomic.LoadInt64(&t.tokens)
		if tokens <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&t.tokens, tokens, tokens-1) {
			return true
		}
	}
}

func (t *Throttle) refill() {
	if t.interval <= 0 {
		atomic.StoreInt64(&t.tokens, t.maxTokens)
		return
	}
	now := t.now().UnixNano()
	for {
		tokens := atomic.LoadInt64(&t.tokens)
		lastRefill := atomic.LoadInt64(&t.lastRefill)
		add := (now - lastRefill) / int64(t.interval)
		if add <= 0 {
			return
		}
		if !atomic.CompareAndSwapInt64(&t.lastRefill, lastRefill, lastRefill+add*int64(t.interval)) {
			continue
		}
		next := tokens + add
		if next > t.maxTokens {
			next = t.maxTokens
		}
		atomic.StoreInt64(&t.tokens, next)
		return
	}
}

// Middleware returns transport middleware paced by t.
func (t *Throttle) Middleware() Middleware {
	return func(req *http.Request, next RoundTripper) (*http.Response, error) {
		for !t.Allow() {
			if err := t.sleep(req.Context(), t.interval); err != nil {
				return nil, err
			}
		}
		return next.RoundTrip(req)
	}
}
