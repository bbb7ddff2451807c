package session

import (
	"sync"
	"time"

	"sessionhub/internal/platform"
)

// Handle pairs a session with its active platform client and the transient
// reconnect counter. Handles are in-memory only, exclusively owned by the
// Registry, and die on disconnect or process exit.
type Handle struct {
	SessionID string
	UserID    string

	mu sync.Mutex

	client platform.Client
	// stopForward ends the forwarder goroutine bound to the current client.
	stopForward chan struct{}

	attempts   int
	manual     bool
	retryTimer *time.Timer
}

// Client returns the currently attached client (nil when detached).
func (h *Handle) Client() platform.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client
}

// Connected reports whether a live, connected client is attached.
func (h *Handle) Connected() bool {
	c := h.Client()
	return c != nil && c.IsConnected()
}

// Attempts returns the current consecutive reconnect-attempt count.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

func (h *Handle) resetAttempts() {
	h.mu.Lock()
	h.attempts = 0
	h.mu.Unlock()
}

// markManual flags the handle as intentionally torn down and cancels any
// pending reconnect, so an explicit disconnect can never be resurrected by a
// stale timer.
func (h *Handle) markManual() {
	h.mu.Lock()
	h.manual = true
	if h.retryTimer != nil {
		h.retryTimer.Stop()
		h.retryTimer = nil
	}
	h.mu.Unlock()
}

func (h *Handle) isManual() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manual
}

// attach swaps in a new client, returning the previous client and forwarder
// stop channel so the caller can tear them down.
func (h *Handle) attach(c platform.Client) (old platform.Client, oldStop chan struct{}, stop chan struct{}) {
	stop = make(chan struct{})
	h.mu.Lock()
	old, oldStop = h.client, h.stopForward
	h.client = c
	h.stopForward = stop
	h.mu.Unlock()
	return old, oldStop, stop
}

// detach removes the current client, returning it and its stop channel.
func (h *Handle) detach() (platform.Client, chan struct{}) {
	h.mu.Lock()
	c, stop := h.client, h.stopForward
	h.client = nil
	h.stopForward = nil
	h.mu.Unlock()
	return c, stop
}
