package client

import (
	"sync"
	"time"
)

// watchdog fires once after window elapses without a feed. It is a plain
// timer task on the monotonic clock; no signals involved. After a fire it
// stays quiet until the next feed rearms it.
type watchdog struct {
	window time.Duration
	onFire func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// newWatchdog starts an armed watchdog.
func newWatchdog(window time.Duration, onFire func()) *watchdog {
	w := &watchdog{window: window, onFire: onFire}
	w.timer = time.AfterFunc(window, w.fire)
	return w
}

func (w *watchdog) fire() {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if !stopped {
		w.onFire()
	}
}

// feed rearms the window. Called on every message received from the host.
func (w *watchdog) feed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.timer.Reset(w.window)
	}
}

// stop disarms the watchdog for good.
func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}
