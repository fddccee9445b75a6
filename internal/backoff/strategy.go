// Package backoff computes retry delays.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before retry number attempt (1-based), given the
// base throttle and the cap.
type Strategy interface {
	Delay(attempt int, base, max time.Duration) time.Duration
}

// Quadratic waits attempt² × base, capped at max: 1×, 4×, 9×, ...
type Quadratic struct{}

// Delay implements Strategy.
func (Quadratic) Delay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	n := float64(attempt)
	if n*n*float64(base) > float64(max) {
		return max
	}
	return time.Duration(attempt*attempt) * base
}

// ExponentialJitter waits base × multiplier^(attempt-1) plus up to jitter×delay
// of uniform noise, capped at max.
type ExponentialJitter struct {
	Multiplier float64
	Jitter     float64
}

// Delay implements Strategy.
func (s ExponentialJitter) Delay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// Prevent overflow by limiting attempt
	if attempt > 31 {
		attempt = 31
	}

	multiplier := s.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	delay := time.Duration(float64(base) * pow(multiplier, attempt-1))
	if delay < 0 || delay > max {
		delay = max
	}

	jitter := clampJitter(s.Jitter)
	if jitter > 0 {
		jitterAmount := time.Duration(float64(delay) * jitter * rand.Float64())
		if delay+jitterAmount > max {
			delay = max
		} else {
			delay += jitterAmount
		}
	}
	return delay
}

// clampJitter ensures jitter is within valid bounds [0, 1].
func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
