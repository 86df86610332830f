// ABOUTME: Bounded TTL window that remembers keys for a fixed duration
// ABOUTME: Backs signature nonce replay detection and discovery invite throttling

package dedupe

import (
	"sync"
	"time"
)

type entry struct {
	key  string
	seen time.Time
}

// Window remembers keys for ttl. When full, expired keys are dropped first
// and then the oldest remaining key is evicted. Safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	seen  map[string]time.Time
	queue []entry // insertion order, oldest first
}

// Option configures a Window.
type Option func(*Window)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// New creates a window that remembers up to maxSize keys for ttl each.
func New(ttl time.Duration, maxSize int, opts ...Option) *Window {
	if maxSize <= 0 {
		maxSize = 1
	}
	w := &Window{
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Observe records key and reports whether it was new. A key seen within ttl
// returns false and its timestamp is left unchanged, so a caller polling
// Observe fires at most once per ttl.
func (w *Window) Observe(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if at, ok := w.seen[key]; ok && now.Sub(at) < w.ttl {
		return false
	}

	if len(w.seen) >= w.maxSize {
		w.pruneLocked(now)
		for len(w.seen) >= w.maxSize && len(w.queue) > 0 {
			w.evictOldestLocked()
		}
	}

	w.seen[key] = now
	w.queue = append(w.queue, entry{key: key, seen: now})

	// Re-observed and forgotten keys leave stale queue entries behind.
	if len(w.queue) > 2*w.maxSize {
		w.pruneLocked(now)
	}
	return true
}

// Seen reports whether key was observed within ttl without recording it.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	at, ok := w.seen[key]
	return ok && w.now().Sub(at) < w.ttl
}

// Forget drops key so the next Observe treats it as new.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.seen, key)
	if len(w.queue) > 2*w.maxSize {
		w.pruneLocked(w.now())
	}
}

// Len returns the number of remembered keys, expired ones included until
// they are pruned.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// Prune drops every expired key.
func (w *Window) Prune() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
}

func (w *Window) pruneLocked(now time.Time) {
	kept := w.queue[:0]
	for _, e := range w.queue {
		at, ok := w.seen[e.key]
		switch {
		case !ok || !at.Equal(e.seen):
			// stale queue entry: key was forgotten or re-observed
		case now.Sub(at) >= w.ttl:
			delete(w.seen, e.key)
		default:
			kept = append(kept, e)
		}
	}
	w.queue = kept
}

func (w *Window) evictOldestLocked() {
	e := w.queue[0]
	w.queue = w.queue[1:]
	if at, ok := w.seen[e.key]; ok && at.Equal(e.seen) {
		delete(w.seen, e.key)
	}
}
