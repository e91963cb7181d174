package pipeline

import (
	"sync"
	"time"
)

// Watchdog fires a callback once after a delay unless stopped first.
// It does not cancel anything by itself.
type Watchdog struct {
	timer *time.Timer

	mu      sync.Mutex
	fired   bool
	stopped bool
	done    chan struct{}
}

// ArmWatchdog starts a watchdog that calls fire after d. A non-positive d
// fires immediately on another goroutine.
func ArmWatchdog(d time.Duration, fire func()) *Watchdog {
	w := &Watchdog{done: make(chan struct{})}
	if d < 0 {
		d = 0
	}
	w.timer = time.AfterFunc(d, func() {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		w.fired = true
		w.mu.Unlock()

		defer close(w.done)
		fire()
	})
	return w
}

// Stop disarms the watchdog. It reports true when the callback will never
// run, and false when it already started.
func (w *Watchdog) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fired {
		return false
	}
	w.stopped = true
	w.timer.Stop()
	return true
}

// Fired reports whether the callback started.
func (w *Watchdog) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// Wait blocks until a started callback returns. It returns immediately if
// the callback never started.
func (w *Watchdog) Wait() {
	if w.Fired() {
		<-w.done
	}
}
