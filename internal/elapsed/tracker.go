// Package elapsed converts wall-clock progress into an elapsed-seconds counter
// for one live session.
package elapsed

import (
	"sync"
	"sync/atomic"
	"time"
)

// Tracker counts whole seconds while it is running. It owns one time.Ticker
// between Start and Stop; Stop always releases it.
type Tracker struct {
	interval time.Duration
	onTick   func(elapsedSeconds int64)

	elapsed atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates a tracker that advances by one second every interval and calls
// onTick with the new total from its own goroutine. onTick must not block.
func New(interval time.Duration, onTick func(elapsedSeconds int64)) *Tracker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Tracker{
		interval: interval,
		onTick:   onTick,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins counting. Calling it again, or after Stop, is a no-op.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped {
		return
	}
	t.started = true

	ticker := time.NewTicker(t.interval)
	go t.run(ticker)
}

// Stop halts counting and waits until the ticker goroutine has exited.
// Safe to call before Start and any number of times.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	wasStarted := t.started
	close(t.stopCh)
	t.mu.Unlock()

	if wasStarted {
		<-t.done
	}
}

// Elapsed returns the number of seconds counted so far.
func (t *Tracker) Elapsed() int64 {
	return t.elapsed.Load()
}

func (t *Tracker) running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.stopped
}

func (t *Tracker) run(ticker *time.Ticker) {
	defer close(t.done)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			// Stop wins over a tick that raced with it.
			select {
			case <-t.stopCh:
				return
			default:
			}
			n := t.elapsed.Add(1)
			if t.onTick != nil {
				t.onTick(n)
			}
		}
	}
}

// CurrentMinute returns the 1-based minute index that elapsedSeconds falls in.
func CurrentMinute(elapsedSeconds int64) int {
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	return int(elapsedSeconds/60) + 1
}
