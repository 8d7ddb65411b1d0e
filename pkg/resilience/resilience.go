// Package resilience provides fault-tolerance primitives for provider calls.
package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Retrier retries an operation with exponential backoff and jitter. Only
// errors the caller's predicate accepts are retried; everything else is
// returned immediately.
type Retrier struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64

	// OnRetry is called before each sleep, with the attempt that failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// NewRetrier creates a retrier with sensible defaults.
func NewRetrier() *Retrier {
	return &Retrier{
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    30 * time.Second,
		jitter:      0.2,
	}
}

// WithMaxAttempts sets the total number of attempts, including the first.
func (r *Retrier) WithMaxAttempts(n int) *Retrier {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// WithBaseDelay sets the delay before the first retry.
func (r *Retrier) WithBaseDelay(d time.Duration) *Retrier {
	r.baseDelay = d
	return r
}

// WithMaxDelay caps the backoff delay.
func (r *Retrier) WithMaxDelay(d time.Duration) *Retrier {
	r.maxDelay = d
	return r
}

// WithJitter sets the random jitter fraction applied to each delay.
func (r *Retrier) WithJitter(f float64) *Retrier {
	r.jitter = f
	return r
}

// Do runs fn until it succeeds, the attempts are exhausted, the error is not
// retryable, or the context ends. The last error is returned unwrapped so
// callers can inspect its type.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) error {
	var err error
	delay := r.baseDelay

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == r.maxAttempts {
			break
		}

		d := r.withJitter(delay)
		if r.OnRetry != nil {
			r.OnRetry(attempt, err, d)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}

		delay *= 2
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}
	return err
}

func (r *Retrier) withJitter(d time.Duration) time.Duration {
	if r.jitter <= 0 {
		return d
	}
	spread := float64(d) * r.jitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Rejecting requests
	CircuitHalfOpen                     // Testing if the dependency recovered
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker sheds load on a failing dependency: after maxFailures
// consecutive failures it rejects calls until the cooldown passes, then
// admits a single probe.
type CircuitBreaker struct {
	mu sync.Mutex

	maxFailures int
	cooldown    time.Duration

	state    CircuitState
	failures int
	tripTime time.Time

	OnTrip  func(reason string)
	OnReset func()
}

// NewCircuitBreaker creates a circuit breaker with sensible defaults.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures: 5,
		cooldown:    30 * time.Second,
		state:       CircuitClosed,
	}
}

// WithMaxFailures sets how many consecutive failures trip the circuit.
func (cb *CircuitBreaker) WithMaxFailures(n int) *CircuitBreaker {
	cb.maxFailures = n
	return cb
}

// WithCooldown sets the cooldown period after tripping.
func (cb *CircuitBreaker) WithCooldown(d time.Duration) *CircuitBreaker {
	cb.cooldown = d
	return cb
}

// Allow reports whether an operation should be admitted.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.tripTime) > cb.cooldown {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// Record reports the outcome of an admitted operation.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		wasOpen := cb.state != CircuitClosed
		cb.state = CircuitClosed
		cb.failures = 0
		if wasOpen && cb.OnReset != nil {
			go cb.OnReset()
		}
		return
	}

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
		if cb.state != CircuitOpen {
			cb.state = CircuitOpen
			cb.tripTime = time.Now()
			if cb.OnTrip != nil {
				go cb.OnTrip("consecutive failure threshold reached")
			}
		}
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
