package safety

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWatchdog_TriggersExactlyOnce(t *testing.T) {
	var fired atomic.Int32
	w := NewDeadManSwitch(30*time.Millisecond, func() { fired.Add(1) })
	defer w.Stop()

	waitFor(t, func() bool { return w.IsTriggered() }, time.Second, "watchdog never triggered")

	// Give a second expiry every chance to double-fire.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestWatchdog_ResetDefersTrigger(t *testing.T) {
	var fired atomic.Int32
	w := NewDeadManSwitch(60*time.Millisecond, func() { fired.Add(1) })
	defer w.Stop()

	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		w.Reset()
	}
	assert.Zero(t, fired.Load(), "regular resets must keep the switch quiet")

	waitFor(t, func() bool { return fired.Load() == 1 }, time.Second, "watchdog never fired after resets stopped")
}

func TestWatchdog_TriggeredIsStickyAcrossResets(t *testing.T) {
	w := NewDeadManSwitch(20*time.Millisecond, nil)
	defer w.Stop()

	waitFor(t, func() bool { return w.IsTriggered() }, time.Second, "watchdog never triggered")

	// A reconnect storm of resets must not silently clear the flag.
	for i := 0; i < 10; i++ {
		w.Reset()
	}
	assert.True(t, w.IsTriggered())
	assert.Zero(t, w.RemainingMs())
}

func TestWatchdog_ClearTriggeredRearms(t *testing.T) {
	var fired atomic.Int32
	w := NewDeadManSwitch(30*time.Millisecond, func() { fired.Add(1) })
	defer w.Stop()

	waitFor(t, func() bool { return fired.Load() == 1 }, time.Second, "watchdog never triggered")

	w.ClearTriggered()
	require.False(t, w.IsTriggered())
	assert.Positive(t, w.RemainingMs())

	waitFor(t, func() bool { return fired.Load() == 2 }, time.Second, "re-armed watchdog never fired again")
}

func TestWatchdog_ClearTriggeredNoOpWhileArmed(t *testing.T) {
	w := NewDeadManSwitch(time.Hour, nil)
	defer w.Stop()

	w.ClearTriggered()
	assert.False(t, w.IsTriggered())
	assert.Positive(t, w.RemainingMs())
}

func TestWatchdog_StopPreventsTrigger(t *testing.T) {
	var fired atomic.Int32
	w := NewDeadManSwitch(20*time.Millisecond, func() { fired.Add(1) })
	w.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, fired.Load())
	assert.Zero(t, w.RemainingMs())
}

func TestWatchdog_ConcurrentResets(t *testing.T) {
	w := NewDeadManSwitch(50*time.Millisecond, nil)
	defer w.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w.Reset()
			}
		}()
	}
	wg.Wait()
	assert.False(t, w.IsTriggered())
}
