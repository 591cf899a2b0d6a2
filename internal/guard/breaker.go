package guard

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Circuit breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Breaker defaults: trip after 3 failures inside 300s, stay open for 600s.
const (
	DefaultFailureThreshold = 3
	DefaultFailureWindow    = 300 * time.Second
	DefaultOpenDuration     = 600 * time.Second
)

type breakerEntry struct {
	state    string
	failures []time.Time
	openedAt time.Time
	// probing marks the single half-open probe as in flight until an
	// outcome is recorded.
	probing bool
	// forcedUntil pins the state regardless of outcomes until it passes.
	forcedUntil time.Time
}

// CircuitBreaker tracks repeated failures per action type and blocks
// execution while open. Half-open admits exactly one probe: a success
// closes the breaker, a failure reopens it for the full open duration.
type CircuitBreaker struct {
	mu        sync.Mutex
	clock     func() time.Time
	threshold int
	window    time.Duration
	openFor   time.Duration
	entries   map[string]*breakerEntry
}

// BreakerOption adjusts a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithThreshold overrides the failure count that trips the breaker.
func WithThreshold(n int) BreakerOption {
	return func(b *CircuitBreaker) { b.threshold = n }
}

// WithFailureWindow overrides the sliding failure window.
func WithFailureWindow(d time.Duration) BreakerOption {
	return func(b *CircuitBreaker) { b.window = d }
}

// WithOpenDuration overrides how long the breaker stays open.
func WithOpenDuration(d time.Duration) BreakerOption {
	return func(b *CircuitBreaker) { b.openFor = d }
}

// WithBreakerClock injects a clock for tests.
func WithBreakerClock(clock func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.clock = clock }
}

// NewCircuitBreaker returns a breaker with the default thresholds.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		clock:     func() time.Time { return time.Now().UTC() },
		threshold: DefaultFailureThreshold,
		window:    DefaultFailureWindow,
		openFor:   DefaultOpenDuration,
		entries:   make(map[string]*breakerEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *CircuitBreaker) entry(actionType string) *breakerEntry {
	e, ok := b.entries[actionType]
	if !ok {
		e = &breakerEntry{state: StateClosed}
		b.entries[actionType] = e
	}
	return e
}

// Allow reports whether an execution of actionType may proceed and, in
// half-open, claims the single probe slot until an outcome is recorded.
// An open breaker whose open duration has elapsed transitions to
// half-open and admits the call as the probe.
func (b *CircuitBreaker) Allow(actionType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	e := b.entry(actionType)

	if !e.forcedUntil.IsZero() && now.Before(e.forcedUntil) {
		if e.state == StateOpen {
			return fmt.Errorf("circuit breaker forced open for %s until %s", actionType, e.forcedUntil.Format(time.RFC3339))
		}
		return nil
	}

	switch e.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if e.probing {
			return fmt.Errorf("circuit breaker half-open for %s: probe already in flight", actionType)
		}
		e.probing = true
		return nil
	case StateOpen:
		if now.Sub(e.openedAt) >= b.openFor {
			e.state = StateHalfOpen
			e.probing = true
			slog.Info("[Guard] Circuit breaker half-open", "action_type", actionType)
			return nil
		}
		remaining := b.openFor - now.Sub(e.openedAt)
		return fmt.Errorf("circuit breaker open for %s: %s remaining", actionType, remaining.Round(time.Second))
	default:
		return fmt.Errorf("circuit breaker in unknown state %q for %s", e.state, actionType)
	}
}

// Check reports whether an execution of actionType could proceed without
// claiming the half-open probe slot. Decision paths use it so that a
// plan rejected further down the pipeline never holds the probe.
func (b *CircuitBreaker) Check(actionType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	e := b.entry(actionType)

	if !e.forcedUntil.IsZero() && now.Before(e.forcedUntil) {
		if e.state == StateOpen {
			return fmt.Errorf("circuit breaker forced open for %s until %s", actionType, e.forcedUntil.Format(time.RFC3339))
		}
		return nil
	}

	switch e.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if e.probing {
			return fmt.Errorf("circuit breaker half-open for %s: probe already in flight", actionType)
		}
		return nil
	case StateOpen:
		if now.Sub(e.openedAt) >= b.openFor {
			return nil
		}
		remaining := b.openFor - now.Sub(e.openedAt)
		return fmt.Errorf("circuit breaker open for %s: %s remaining", actionType, remaining.Round(time.Second))
	default:
		return fmt.Errorf("circuit breaker in unknown state %q for %s", e.state, actionType)
	}
}

// RecordSuccess reports a successful execution. In half-open it closes the
// breaker and clears the failure history.
func (b *CircuitBreaker) RecordSuccess(actionType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(actionType)
	if e.state == StateHalfOpen {
		slog.Info("[Guard] Circuit breaker closed after successful probe", "action_type", actionType)
	}
	e.state = StateClosed
	e.failures = nil
	e.probing = false
}

// RecordFailure reports a failed execution. In half-open it reopens the
// breaker immediately; in closed it trips once threshold failures land
// inside the sliding window.
func (b *CircuitBreaker) RecordFailure(actionType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	e := b.entry(actionType)

	if e.state == StateHalfOpen {
		e.state = StateOpen
		e.openedAt = now
		e.probing = false
		slog.Warn("[Guard] Circuit breaker reopened after failed probe", "action_type", actionType)
		return
	}

	e.failures = append(e.failures, now)
	fresh := e.failures[:0]
	for _, t := range e.failures {
		if now.Sub(t) <= b.window {
			fresh = append(fresh, t)
		}
	}
	e.failures = fresh

	if e.state == StateClosed && len(e.failures) >= b.threshold {
		e.state = StateOpen
		e.openedAt = now
		slog.Warn("[Guard] Circuit breaker tripped",
			"action_type", actionType, "failures", len(e.failures), "window", b.window)
	}
}

// State returns the current breaker state for an action type.
func (b *CircuitBreaker) State(actionType string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	e := b.entry(actionType)
	if e.state == StateOpen && e.forcedUntil.IsZero() && now.Sub(e.openedAt) >= b.openFor {
		return StateHalfOpen
	}
	return e.state
}

// Force pins the breaker for actionType into state until the deadline.
// Only reachable through an admin override; the caller has already
// verified identity and the override flag.
func (b *CircuitBreaker) Force(actionType, state string, until time.Time) error {
	if state != StateClosed && state != StateOpen {
		return fmt.Errorf("cannot force breaker into state %q", state)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(actionType)
	e.state = state
	e.forcedUntil = until
	e.probing = false
	if state == StateOpen {
		e.openedAt = b.clock()
	} else {
		e.failures = nil
	}
	slog.Warn("[Guard] Circuit breaker forced",
		"action_type", actionType, "state", state, "until", until.Format(time.RFC3339))
	return nil
}
