package driftlock

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig configures retry behavior for transient failures.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 5
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the delay before the first retry. Default: 1s
	InitialBackoff Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the delay between retries. Default: 30s
	MaxBackoff Duration `yaml:"max_backoff"`

	// BackoffMultiplier grows the backoff after each retry. Default: 2.0
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// Jitter is the ± fraction of randomness added to each delay, between
	// 0 and 1. Default: 0.1
	Jitter float64 `yaml:"jitter"`

	// RetryIf decides whether an error is worth another attempt.
	// Defaults to IsTransient, so auth and validation failures stop
	// immediately.
	RetryIf func(error) bool `yaml:"-"`

	// Clock times the backoff waits. Default: system clock.
	Clock Clock `yaml:"-"`
}

// DefaultRetryConfig returns the engine's retry policy: exponential backoff
// from one second, doubling, capped at thirty seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    Duration(time.Second),
		MaxBackoff:        Duration(30 * time.Second),
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryIf:           IsTransient,
	}
}

// Retryer runs operations with automatic retry on transient failure. The
// only suspension points are the operation itself and the backoff timer,
// and both honor context cancellation.
type Retryer struct {
	config RetryConfig
}

// NewRetryer creates a retryer, backfilling zero-valued config fields.
func NewRetryer(config RetryConfig) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = Duration(time.Second)
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = Duration(30 * time.Second)
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = 0.1
	}
	if config.RetryIf == nil {
		config.RetryIf = IsTransient
	}
	if config.Clock == nil {
		config.Clock = systemClock{}
	}
	return &Retryer{config: config}
}

// Do executes op until it succeeds, exhausts attempts, hits a non-retryable
// error, or the context is canceled. It returns the last error and the
// number of attempts made.
func (r *Retryer) Do(ctx context.Context, op func() error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return attempt, nil
		}
		if !r.config.RetryIf(lastErr) {
			return attempt, lastErr
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		backoff := backoffFor(attempt, r.config.InitialBackoff.Std(), r.config.MaxBackoff.Std(), r.config.BackoffMultiplier)
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-r.config.Clock.After(addJitter(backoff, r.config.Jitter)):
		}
	}
	return r.config.MaxAttempts, lastErr
}

// addJitter spreads a delay by ±jitter to avoid synchronized retries across
// devices waking up together.
func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter == 0 {
		return d
	}
	spread := float64(d) * jitter
	return time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
}

// backoffFor computes the delay before retry number attempt (1-based).
func backoffFor(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 0 {
		return initial
	}
	d := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// ErrCircuitOpen is returned when the transport circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips after consecutive transport failures so a flapping
// remote doesn't burn the device's battery and bandwidth on doomed calls.
// It is safe for concurrent use.
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailure  time.Time
	state        circuitState
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive failures and half-opens after resetTimeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        circuitClosed,
	}
}

// Execute runs op through the breaker.
func (cb *CircuitBreaker) Execute(op func() error) error {
	cb.mu.Lock()
	allowed := cb.allowLocked()
	cb.mu.Unlock()

	if !allowed {
		return ErrCircuitOpen
	}

	err := op()

	cb.mu.Lock()
	cb.recordLocked(err)
	cb.mu.Unlock()
	return err
}

func (cb *CircuitBreaker) allowLocked() bool {
	switch cb.state {
	case circuitOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = circuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordLocked(err error) {
	if err == nil {
		cb.failures = 0
		cb.state = circuitClosed
		return
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= cb.maxFailures {
		cb.state = circuitOpen
	}
}

// State returns the breaker state as a string for status surfaces.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
