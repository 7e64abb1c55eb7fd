package scheduler

import (
	"sync"
	"time"
)

// timers tracks in-flight durable timer callbacks (sleeps, retry backoffs)
// keyed by slot so a re-delivered envelope cannot double-arm a timer.
type timers struct {
	mu sync.Mutex
	m  map[string]*time.Timer
}

func newTimers() *timers {
	return &timers{m: make(map[string]*time.Timer)}
}

// schedule arms fn after d under key. A key that is already armed is left
// alone; the first arm wins.
func (t *timers) schedule(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[key]; ok {
		return
	}
	t.m[key] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.m, key)
		t.mu.Unlock()
		fn()
	})
}

// stop cancels every pending timer.
func (t *timers) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, timer := range t.m {
		timer.Stop()
		delete(t.m, k)
	}
}

// inflight tracks operations dispatched but not yet resolved, keyed by slot.
// Re-entries of a partially resolved collated group re-raise the pending
// interruptions; the set keeps those re-raises from double-dispatching.
type inflight struct {
	mu sync.Mutex
	m  map[string]bool
}

func newInflight() *inflight {
	return &inflight{m: make(map[string]bool)}
}

// begin claims key, reporting false when it is already claimed.
func (f *inflight) begin(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m[key] {
		return false
	}
	f.m[key] = true
	return true
}

// end releases key.
func (f *inflight) end(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, key)
}
