// Package guard holds the rate-limiting safety rails in front of the
// executor: per-scope cooldowns and a per-action-type circuit breaker.
// Both fail closed and both can only be bypassed by an explicit admin
// override carried on a force approval.
package guard

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CooldownTracker enforces a minimum interval between executions of the
// same action on the same scope. State is in-memory; a restart clears all
// cooldowns, which errs on the permissive side for SAFE actions and is
// re-guarded by approvals for RISKY ones.
type CooldownTracker struct {
	mu    sync.Mutex
	clock func() time.Time
	last  map[string]time.Time
}

// NewCooldownTracker returns an empty tracker.
func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{
		clock: func() time.Time { return time.Now().UTC() },
		last:  make(map[string]time.Time),
	}
}

// WithClock injects a clock for tests.
func (t *CooldownTracker) WithClock(clock func() time.Time) *CooldownTracker {
	t.clock = clock
	return t
}

func cooldownKey(actionType, scope string) string {
	return actionType + "|" + scope
}

// CheckAndReserve atomically checks the cooldown for (actionType, scope)
// and, if clear, records the execution time. Returns an error naming the
// remaining wait when the cooldown is still active. cooldownSeconds <= 0
// always passes without reserving.
func (t *CooldownTracker) CheckAndReserve(actionType, scope string, cooldownSeconds int) error {
	if cooldownSeconds <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	key := cooldownKey(actionType, scope)
	if last, ok := t.last[key]; ok {
		elapsed := now.Sub(last)
		window := time.Duration(cooldownSeconds) * time.Second
		if elapsed < window {
			remaining := window - elapsed
			return fmt.Errorf("cooldown active for %s on %q: %s remaining", actionType, scope, remaining.Round(time.Second))
		}
	}
	t.last[key] = now
	return nil
}

// Record refreshes the cooldown clock for (actionType, scope). Called after
// the outcome is known so the cooldown measures from completion, not from
// the reservation.
func (t *CooldownTracker) Record(actionType, scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[cooldownKey(actionType, scope)] = t.clock()
}

// Remaining returns how long the cooldown for (actionType, scope) has left,
// zero if clear.
func (t *CooldownTracker) Remaining(actionType, scope string, cooldownSeconds int) time.Duration {
	if cooldownSeconds <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.last[cooldownKey(actionType, scope)]
	if !ok {
		return 0
	}
	remaining := time.Duration(cooldownSeconds)*time.Second - t.clock().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Clear removes the cooldown for (actionType, scope). Used when an admin
// forces an action with the cooldown override.
func (t *CooldownTracker) Clear(actionType, scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, cooldownKey(actionType, scope))
	slog.Warn("[Guard] Cooldown cleared by override", "action_type", actionType, "scope", scope)
}
