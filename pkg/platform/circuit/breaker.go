// Package circuit provides a counting circuit breaker for optional
// downstream dependencies.
package circuit

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// StateChange reports a transition caused by the last recorded result.
type StateChange struct {
	Opened bool
	Closed bool
}

// Breaker opens after FailureThreshold consecutive failures and closes after
// SuccessThreshold consecutive successes while open. While open, Allow lets a
// single probe through once per cooldown.
type Breaker struct {
	name             string
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	now              func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probeAt   time.Time
}

type Option func(*Breaker)

func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithCooldown sets how long an open breaker rejects calls before the next probe.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: 5,
		successThreshold: 1,
		cooldown:         30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Allow reports whether the primary may be called. An open breaker admits one
// probe per cooldown; the caller must record the probe's result.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		return true
	}
	now := b.now()
	if now.Before(b.probeAt) {
		return false
	}
	b.probeAt = now.Add(b.cooldown)
	return true
}

// RecordFailure counts a failed call. useFallback is true while the breaker
// is open.
func (b *Breaker) RecordFailure() (useFallback bool, change StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes = 0
	if b.state == StateOpen {
		b.probeAt = b.now().Add(b.cooldown)
		return true, StateChange{}
	}
	b.failures++
	if b.failures < b.failureThreshold {
		return false, StateChange{}
	}
	b.state = StateOpen
	b.failures = 0
	b.probeAt = b.now().Add(b.cooldown)
	return true, StateChange{Opened: true}
}

// RecordSuccess counts a successful call. usePrimary is true once the breaker
// is closed.
func (b *Breaker) RecordSuccess() (usePrimary bool, change StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == StateClosed {
		return true, StateChange{}
	}
	b.successes++
	if b.successes < b.successThreshold {
		return false, StateChange{}
	}
	b.state = StateClosed
	b.successes = 0
	return true, StateChange{Closed: true}
}

// Reset closes the breaker and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probeAt = time.Time{}
}
