package gateway

import (
	"sync"
	"time"

	"dukapay/apperrors"
)

// breaker trips after maxFailures consecutive failures and rejects calls
// until cooldown elapses, after which a single probe call is allowed.

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// ErrGatewayUnavailable is transient: the circuit reopens after the cooldown,
// so callers may retry with backoff.
var ErrGatewayUnavailable error = apperrors.GatewayTransient("payment gateway circuit is open", nil)

type breaker struct {
	maxFailures int
	cooldown    time.Duration

	mu           sync.Mutex
	state        breakerState
	failures     int
	lastFailedAt time.Time
}

func newBreaker(maxFailures int, cooldown time.Duration) *breaker {
	return &breaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		state:       breakerClosed,
	}
}

func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen {
		if time.Since(b.lastFailedAt) > b.cooldown {
			b.state = breakerHalfOpen
			b.failures = 0
			return nil
		}
		return ErrGatewayUnavailable
	}
	return nil
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailedAt = time.Now()
		if b.failures >= b.maxFailures || b.state == breakerHalfOpen {
			b.state = breakerOpen
		}
		return
	}

	b.state = breakerClosed
	b.failures = 0
}

func (b *breaker) execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}
