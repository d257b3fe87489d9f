package reliable

import "sync"

// pendingTable tracks in-flight acknowledged sends. Each registered id owns a
// completion channel that is closed exactly once when the matching ACK
// arrives; the sender blocks on that channel instead of polling.
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint64]*pendingEntry
}

type pendingEntry struct {
	done     chan struct{}
	resolved bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint64]*pendingEntry)}
}

// register creates the completion channel for id. Registering an id that is
// already in flight returns the existing channel.
func (t *pendingTable) register(id uint64) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e.done
	}
	e := &pendingEntry{done: make(chan struct{})}
	t.entries[id] = e
	return e.done
}

// resolve closes the completion channel for id. It reports whether the id was
// in flight; resolving an unknown or already-resolved id is a no-op.
func (t *pendingTable) resolve(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.resolved {
		return false
	}
	e.resolved = true
	close(e.done)
	return true
}

// remove forgets id. The sender calls this after the send settles, so a late
// ACK for the id falls through resolve as unknown.
func (t *pendingTable) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
