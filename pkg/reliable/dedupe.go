package reliable

import (
	"fmt"
	"sync"
	"time"
)

// dedupeWindow remembers recently delivered (sender, id) pairs so that a
// retransmitted DATA message is acknowledged again without reaching the
// application twice. Entries expire after the configured ttl; a ttl of zero
// disables the window entirely.
type dedupeWindow struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func newDedupeWindow(ttl time.Duration) *dedupeWindow {
	return &dedupeWindow{ttl: ttl, seen: make(map[string]time.Time)}
}

// observe records the pair and reports whether it was already inside the
// window. Expired entries are swept lazily on each call.
func (w *dedupeWindow) observe(sender string, id uint64, now time.Time) bool {
	if w.ttl <= 0 {
		return false
	}
	key := fmt.Sprintf("%s/%d", sender, id)

	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.ttl)
	for k, at := range w.seen {
		if at.Before(cutoff) {
			delete(w.seen, k)
		}
	}
	if _, dup := w.seen[key]; dup {
		return true
	}
	w.seen[key] = now
	return false
}

func (w *dedupeWindow) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
