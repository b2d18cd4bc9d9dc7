package gateway

import (
	"sync"
	"time"

	"github.com/trendsift/trendsift/internal/digest"
	"github.com/trendsift/trendsift/internal/telemetry"
)

// State is the circuit state for the model endpoint.
type State int

// Circuit states. Open short-circuits every call; half-open admits a single
// probe after the cooldown elapses.
const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker is a mutex-guarded circuit breaker shared by all gateway callers.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	clock     digest.Clock

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed Breaker.
func NewBreaker(threshold int, cooldown time.Duration, clock digest.Clock) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
	}
}

// Allow reports whether a call may proceed. While open it fails fast with
// ErrCircuitOpen and no network attempt. Once the cooldown elapses exactly
// one caller wins the half-open probe; concurrent callers keep failing fast
// until the probe resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return digest.ErrCircuitOpen
		}
		b.setStateLocked(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return digest.ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Success records a healthy response and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.setStateLocked(StateClosed)
}

// Failure records an endpoint failure. A failed half-open probe reopens the
// circuit immediately; in the closed state the circuit opens once the
// consecutive failure count reaches the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		b.openedAt = b.clock.Now()
		b.setStateLocked(StateOpen)
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.openedAt = b.clock.Now()
		b.setStateLocked(StateOpen)
	}
}

// Release abandons an admitted call without recording an outcome, so a
// caller-side cancellation cannot wedge the half-open probe slot.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setStateLocked(s State) {
	b.state = s
	telemetry.SetBreakerState(int(s))
}
