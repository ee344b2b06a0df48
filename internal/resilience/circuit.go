package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreaker counts consecutive failures and rejects calls once a
// threshold is reached. With a zero ResetTimeout the breaker latches open
// for the life of the process, which is how the skip_cache failure policy
// disables caching for the remainder of a preprocessing run.
type CircuitBreaker struct {
	failureThreshold int
	resetTimeout     time.Duration // 0 = latch open permanently
	shouldTrip       func(err error) bool

	mu                  sync.Mutex
	open                bool
	consecutiveFailures int
	lastFailureTime     time.Time

	nowFunc func() time.Time
}

// NewCircuitBreaker creates a breaker that opens after threshold consecutive
// failures and stays open for resetTimeout (0 = forever). If shouldTrip is
// nil every error counts toward the threshold.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration, shouldTrip func(err error) bool) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &CircuitBreaker{
		failureThreshold: threshold,
		resetTimeout:     resetTimeout,
		shouldTrip:       shouldTrip,
		nowFunc:          time.Now,
	}
}

// Open reports whether the breaker currently rejects calls.
func (cb *CircuitBreaker) Open() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.openLocked()
}

// Execute runs fn through the breaker. Returns ErrCircuitOpen without
// calling fn if the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	cb.mu.Lock()
	if cb.openLocked() {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.mu.Unlock()

	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) openLocked() bool {
	if !cb.open {
		return false
	}
	if cb.resetTimeout > 0 && cb.nowFunc().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		cb.open = false
		cb.consecutiveFailures = 0
		return false
	}
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	trip := cb.shouldTrip
	if trip == nil {
		trip = func(e error) bool { return e != nil }
	}

	if err == nil || !trip(err) {
		cb.consecutiveFailures = 0
		return
	}

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.nowFunc()
	if cb.consecutiveFailures >= cb.failureThreshold {
		cb.open = true
	}
}
