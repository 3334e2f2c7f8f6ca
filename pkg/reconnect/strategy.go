// Package reconnect implements the client's recovery state machine: a
// single-flight retry timer driven by a pluggable backoff policy, with a
// bounded history of attempts for diagnostics.
package reconnect

import (
	"math"
	"math/rand"
	"time"
)

// Strategy names a backoff curve.
type Strategy string

const (
	// StrategyImmediate retries with no base delay.
	StrategyImmediate Strategy = "immediate"
	// StrategyFixed retries every InitialDelay.
	StrategyFixed Strategy = "fixed"
	// StrategyLinear waits attempt*InitialDelay.
	StrategyLinear Strategy = "linear"
	// StrategyExponential waits InitialDelay*Multiplier^(attempt-1).
	StrategyExponential Strategy = "exponential"
)

// Policy describes how reconnection attempts are spaced and bounded.
// The zero value is unusable; start from DefaultPolicy.
type Policy struct {
	Strategy     Strategy
	InitialDelay time.Duration
	// Multiplier grows the delay between exponential attempts. Ignored by
	// the other strategies.
	Multiplier float64
	// MaxDelay caps the base delay. Zero means uncapped.
	MaxDelay time.Duration
	// JitterMax bounds the random additive jitter applied on top of the
	// base delay. Zero disables jitter.
	JitterMax time.Duration
	// MaxAttempts stops scheduling after this many consecutive failures.
	// Zero means retry forever.
	MaxAttempts int
}

// DefaultPolicy matches the dashboard deployment defaults: exponential
// backoff from one second, doubling up to thirty seconds, with half a
// second of jitter and ten attempts before giving up.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:     StrategyExponential,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		JitterMax:    500 * time.Millisecond,
		MaxAttempts:  10,
	}
}

// BaseDelay returns the capped, jitter-free delay before the given attempt.
// Attempts are numbered from 1.
func (p Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Strategy {
	case StrategyImmediate:
		return 0
	case StrategyFixed:
		d = p.InitialDelay
	case StrategyLinear:
		d = time.Duration(attempt) * p.InitialDelay
	case StrategyExponential:
		f := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
		if p.MaxDelay > 0 && f >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
		if f >= float64(math.MaxInt64) {
			return time.Duration(math.MaxInt64)
		}
		d = time.Duration(f)
	default:
		d = p.InitialDelay
	}
	if d < 0 {
		d = 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Delay returns BaseDelay plus uniform jitter in [0, JitterMax).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay(attempt)
	if p.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(p.JitterMax)))
	}
	return d
}
