package safety

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrNotInSafeMode is returned by ExitSafeMode outside safe mode.
var ErrNotInSafeMode = errors.New("not in safe mode")

// SafeStateManager owns the binary safe-mode flag. EnterSafeMode is
// idempotent and runs the on_enter hook on the first transition only; the
// hook immobilises the device (legs folded, body lowered) and must be
// synchronous so the caller knows the device is physically safe when the
// call returns.
type SafeStateManager struct {
	mu      sync.Mutex
	inSafe  bool
	onEnter func()
	onExit  func()
}

// NewSafeStateManager creates a manager in the normal (non-safe) state.
func NewSafeStateManager(onEnter, onExit func()) *SafeStateManager {
	return &SafeStateManager{onEnter: onEnter, onExit: onExit}
}

// EnterSafeMode transitions into safe mode, invoking on_enter on the first
// transition. Repeated calls are no-ops.
func (m *SafeStateManager) EnterSafeMode() {
	m.mu.Lock()
	if m.inSafe {
		m.mu.Unlock()
		return
	}
	m.inSafe = true
	hook := m.onEnter
	m.mu.Unlock()

	slog.Warn("[Safety] Entering safe mode")
	if hook != nil {
		hook()
	}
}

// ExitSafeMode leaves safe mode, invoking on_exit. Valid only while in
// safe mode; otherwise ErrNotInSafeMode and no hook runs.
func (m *SafeStateManager) ExitSafeMode() error {
	m.mu.Lock()
	if !m.inSafe {
		m.mu.Unlock()
		return ErrNotInSafeMode
	}
	m.inSafe = false
	hook := m.onExit
	m.mu.Unlock()

	slog.Info("[Safety] Exiting safe mode")
	if hook != nil {
		hook()
	}
	return nil
}

// InSafeMode reports the current state.
func (m *SafeStateManager) InSafeMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inSafe
}
