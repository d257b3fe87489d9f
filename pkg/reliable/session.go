package reliable

import (
	"sync"

	"relink/pkg/transport"
)

// sessionHandle wraps one live transport session with single-shot failure
// signaling. The handle never recovers: once failed it stays failed, and the
// supervisor replaces it with a fresh one.
type sessionHandle struct {
	transport.Session

	once   sync.Once
	failed chan struct{}
	err    error
}

func newSessionHandle(s transport.Session) *sessionHandle {
	return &sessionHandle{Session: s, failed: make(chan struct{})}
}

// fail marks the session dead and closes it. Only the first call records the
// cause and reports true; later calls are no-ops.
func (h *sessionHandle) fail(err error) bool {
	won := false
	h.once.Do(func() {
		won = true
		h.err = err
		close(h.failed)
		_ = h.Session.Close()
	})
	return won
}

// failErr returns the recorded cause after the failed channel is closed.
func (h *sessionHandle) failErr() error { return h.err }
