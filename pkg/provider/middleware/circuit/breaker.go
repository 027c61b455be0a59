// Package circuit stops sending rounds to a provider that keeps failing, and lets a single
// trial round through at a time once the cool-down has passed.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker's view of provider health.
type State int

// Breaker states.
const (
	Closed   State = iota // Rounds flow normally
	Open                  // Rounds are refused until the cool-down ends
	HalfOpen              // One trial round at a time decides whether to close
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Outcome is how an admitted round ended, from the provider's health point of view.
type Outcome int

// Round outcomes.
const (
	// RoundSucceeded means the provider answered with a valid result.
	RoundSucceeded Outcome = iota
	// RoundFailed means the provider itself failed: error status, timeout, invalid response.
	RoundFailed
	// RoundRefused means the round ended for a reason unrelated to provider health, such as an
	// outbound policy refusal, an exhausted budget or caller cancellation.
	RoundRefused
)

// Config tunes the breaker.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failed rounds that open the circuit
	SuccessThreshold int           `json:"success_threshold"` // Successful trial rounds that close it again
	Timeout          time.Duration `json:"timeout"`           // Cool-down before the first trial round
}

// DefaultConfig is used for any zero field.
//
//nolint:gochecknoglobals // default value shared with config defaults
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 3,
	Timeout:          30 * time.Second,
}

// Error is returned by Admit when a round is refused.
type Error struct {
	State      State
	RetryAfter time.Duration // Remaining cool-down when open; zero while a trial round is in flight
}

func (e *Error) Error() string {
	if e.State == HalfOpen {
		return "circuit half-open: trial round already in flight"
	}
	return fmt.Sprintf("circuit open: next trial round in %s", e.RetryAfter.Round(time.Millisecond))
}

// Breaker tracks provider health across rounds. It is safe for concurrent use.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	epoch    uint64 // bumped on every transition; outcomes from an older epoch are ignored
	failures int    // consecutive failed rounds while closed
	trials   int    // successful trial rounds while half-open
	trialOut bool   // a trial round is in flight
	openedAt time.Time
}

// Admission is a round the breaker let through. Settle must be called once with its outcome.
type Admission struct {
	b     *Breaker
	epoch uint64
	trial bool
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}
	return &Breaker{cfg: cfg, now: now}
}

// Admit decides whether a round may reach the provider. While open it refuses until the
// cool-down has passed; after that, and while half-open, it admits exactly one trial round
// and refuses everything else until that round settles.
func (b *Breaker) Admit() (Admission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return Admission{b: b, epoch: b.epoch}, nil
	case Open:
		wait := b.cfg.Timeout - b.now().Sub(b.openedAt)
		if wait > 0 {
			return Admission{}, &Error{State: Open, RetryAfter: wait}
		}
		b.transition(HalfOpen)
	}

	if b.trialOut {
		return Admission{}, &Error{State: HalfOpen}
	}
	b.trialOut = true
	return Admission{b: b, epoch: b.epoch, trial: true}, nil
}

// Settle records how the admitted round ended. Refused rounds only release the trial slot.
func (a Admission) Settle(o Outcome) {
	if a.b == nil {
		return
	}
	a.b.settle(a, o)
}

func (b *Breaker) settle(a Admission, o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if a.epoch != b.epoch {
		return
	}
	if a.trial {
		b.trialOut = false
	}

	switch b.state {
	case Closed:
		switch o {
		case RoundSucceeded:
			b.failures = 0
		case RoundFailed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.transition(Open)
			}
		}
	case HalfOpen:
		switch o {
		case RoundSucceeded:
			b.trials++
			if b.trials >= b.cfg.SuccessThreshold {
				b.transition(Closed)
			}
		case RoundFailed:
			b.transition(Open)
		}
	}
}

// transition moves to s and starts a new epoch. Callers hold mu.
func (b *Breaker) transition(s State) {
	b.state = s
	b.epoch++
	b.failures = 0
	b.trials = 0
	b.trialOut = false
	if s == Open {
		b.openedAt = b.now()
	}
}

// State returns the current state. An open breaker whose cool-down has passed still reports
// Open until the next Admit.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker. Rounds admitted before the reset no longer affect it.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(Closed)
}
