package scorer

import (
	"errors"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/metrics"
)

// ErrBreakerOpen is returned by Allow while calls are being short-circuited.
var ErrBreakerOpen = errors.New("scorer: circuit breaker open")

// State is the breaker's position in its state machine.
type State int

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
	}
	return "unknown"
}

// Breaker is a consecutive-failure circuit breaker shared by every
// evaluation in the process.
//
//   - closed: calls pass; threshold consecutive failures open the circuit.
//   - open: calls are refused until recovery has elapsed since opening.
//   - half-open: exactly one trial call is admitted. Success closes the
//     circuit, failure reopens it with a fresh recovery window.
type Breaker struct {
	mu        sync.Mutex
	state     State
	fails     int
	openedAt  time.Time
	inTrial   bool
	threshold int
	recovery  time.Duration
	now       func() time.Time
}

// NewBreaker returns a closed breaker. now may be nil.
func NewBreaker(threshold int, recovery time.Duration, now func() time.Time) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	b := &Breaker{threshold: threshold, recovery: recovery, now: now}
	metrics.BreakerState.Set(float64(StateClosed))
	return b
}

// State reports the current state, promoting open to half-open when the
// recovery window has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.recovery {
		return StateHalfOpen
	}
	return b.state
}

// Allow reserves the right to make one call. Every nil return must be
// followed by exactly one Record or Release.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.recovery {
			return ErrBreakerOpen
		}
		b.setState(StateHalfOpen)
		b.inTrial = true
		return nil
	default:
		if b.inTrial {
			return ErrBreakerOpen
		}
		b.inTrial = true
		return nil
	}
}

// Record reports the outcome of an admitted call.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.fails = 0
		b.inTrial = false
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.inTrial = false
		b.trip()
	case StateClosed:
		b.fails++
		if b.fails >= b.threshold {
			b.trip()
		}
	}
}

// Release returns an admitted call without an outcome, e.g. when the
// caller gave up before the dependency answered.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.inTrial = false
	b.mu.Unlock()
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.fails = 0
	b.setState(StateOpen)
}

func (b *Breaker) setState(s State) {
	b.state = s
	metrics.BreakerState.Set(float64(s))
}
