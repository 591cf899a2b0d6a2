// Package safety holds the edge safety primitives: the Dead Man's Switch
// watchdog and the sticky safe-state manager. Both are pure in-process
// state machines; transports and kinematics plug in as callbacks.
package safety

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultWatchdogTimeout is the interval without a Reset that trips the
// switch.
const DefaultWatchdogTimeout = 5 * time.Second

// DeadManSwitch is a resettable one-shot watchdog. Expiry invokes
// on_trigger exactly once and sets a sticky triggered flag; Reset is a
// no-op while triggered. Only ClearTriggered, driven by an explicit RESUME,
// re-arms the switch.
type DeadManSwitch struct {
	mu        sync.Mutex
	timeout   time.Duration
	onTrigger func()
	timer     *time.Timer
	deadline  time.Time
	triggered bool
	stopped   bool
}

// NewDeadManSwitch creates an armed switch. onTrigger runs on the timer
// goroutine and must not block.
func NewDeadManSwitch(timeout time.Duration, onTrigger func()) *DeadManSwitch {
	if timeout <= 0 {
		timeout = DefaultWatchdogTimeout
	}
	w := &DeadManSwitch{timeout: timeout, onTrigger: onTrigger}
	w.mu.Lock()
	w.arm()
	w.mu.Unlock()
	return w
}

// arm starts the timer. Caller holds w.mu.
func (w *DeadManSwitch) arm() {
	w.deadline = time.Now().Add(w.timeout)
	w.timer = time.AfterFunc(w.timeout, w.fire)
}

func (w *DeadManSwitch) fire() {
	w.mu.Lock()
	if w.stopped || w.triggered {
		w.mu.Unlock()
		return
	}
	w.triggered = true
	cb := w.onTrigger
	w.mu.Unlock()

	slog.Error("[Safety] Dead man's switch triggered", "timeout", w.timeout)
	if cb != nil {
		cb()
	}
}

// Reset re-arms the timer. A no-op while triggered or stopped; the sticky
// state survives reconnects until an explicit ClearTriggered.
func (w *DeadManSwitch) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.triggered || w.stopped {
		return
	}
	w.timer.Stop()
	w.arm()
}

// ClearTriggered clears the sticky flag and re-arms. Invoked only on an
// explicit RESUME command.
func (w *DeadManSwitch) ClearTriggered() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || !w.triggered {
		return
	}
	w.triggered = false
	w.arm()
	slog.Info("[Safety] Dead man's switch cleared and re-armed", "timeout", w.timeout)
}

// IsTriggered reports the sticky flag.
func (w *DeadManSwitch) IsTriggered() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.triggered
}

// RemainingMs returns milliseconds until expiry, 0 when triggered or
// stopped.
func (w *DeadManSwitch) RemainingMs() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.triggered || w.stopped {
		return 0
	}
	remaining := time.Until(w.deadline)
	if remaining < 0 {
		return 0
	}
	return remaining.Milliseconds()
}

// Stop cancels the timer permanently. Used on agent shutdown.
func (w *DeadManSwitch) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}
