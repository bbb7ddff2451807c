package session

import (
	"context"
	"time"

	"sessionhub/internal/eventbus"
	"sessionhub/internal/events"
	"sessionhub/internal/platform"
	"sessionhub/internal/storage"
	logx "sessionhub/pkg/logx"
)

// Connection state machine.
//
// disconnected -> connecting -> connected; connected -> disconnected on
// teardown; any state -> error on auth failure. Transitions are driven only
// by platform-client events relayed through the forwarder; the single
// exception is the reconnection timer below.

// applyLifecycle handles one non-message client event: persists the
// transition, refreshes the cache and republishes it as exactly one
// orchestrator event.
func (r *Registry) applyLifecycle(ctx context.Context, h *Handle, ev platform.Event) {
	switch ev.Kind {
	case platform.EventQR:
		r.persistStatus(ctx, h.SessionID, func(s *storage.Session) {
			s.Status = storage.StatusConnecting
			s.QRCode = ev.QR
		})
		r.publish(h, events.SessionQR, events.QRPayload{QR: ev.QR})

	case platform.EventAuthenticated:
		r.persistStatus(ctx, h.SessionID, func(s *storage.Session) {
			s.Status = storage.StatusConnecting
		})
		r.publish(h, events.SessionAuthenticated, nil)

	case platform.EventReady:
		h.resetAttempts()
		r.persistStatus(ctx, h.SessionID, func(s *storage.Session) {
			s.Status = storage.StatusConnected
			s.QRCode = ""
			if ev.PhoneNumber != "" {
				s.PhoneNumber = ev.PhoneNumber
			}
			if ev.Username != "" {
				s.Username = ev.Username
			}
			s.LastActivity = time.Now()
		})
		r.publish(h, events.SessionReady, events.ReadyPayload{PhoneNumber: ev.PhoneNumber, Username: ev.Username})
		r.log.Info("session ready", logx.String("session", h.SessionID))

	case platform.EventAuthFailure:
		// Auth failures are never retried; the owner must re-pair.
		h.markManual()
		r.persistStatus(ctx, h.SessionID, func(s *storage.Session) {
			s.Status = storage.StatusError
		})
		r.publish(h, events.SessionAuthFailure, events.AuthFailurePayload{Reason: ev.Reason})
		r.log.Warn("session auth failure", logx.String("session", h.SessionID), logx.String("reason", ev.Reason))
		r.detachHandle(h)

	case platform.EventLoading:
		r.publish(h, events.SessionLoading, events.LoadingPayload{Percent: ev.Percent})

	case platform.EventMessageSent:
		r.publish(h, events.MessageSent, nil)

	case platform.EventDisconnected:
		manual := h.isManual()
		r.persistStatus(ctx, h.SessionID, func(s *storage.Session) {
			s.Status = storage.StatusDisconnected
		})
		r.publish(h, events.SessionDisconnected, events.DisconnectedPayload{Reason: ev.Reason, Manual: manual})
		if !manual {
			r.scheduleReconnect(h, ev.Reason)
		}
	}
}

// Backoff returns the reconnect delay for the given attempt:
// min(base * 2^attempt, max). Non-decreasing and capped.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// scheduleReconnect arms a cancelable retry timer on the handle. After the
// configured number of consecutive failures it stops retrying, leaves the
// session disconnected, and emits a single terminal event instead.
//
// The counter increments when a retry is scheduled, so with N attempts
// configured exactly N retries run (delays base*2^0 .. base*2^(N-1), capped)
// and the disconnect following the N-th failed retry is the one that goes
// terminal. Any ready in between resets the counter to zero.
func (r *Registry) scheduleReconnect(h *Handle, reason string) {
	h.mu.Lock()
	if h.manual {
		h.mu.Unlock()
		return
	}
	attempt := h.attempts
	if attempt >= r.cfg.ReconnectAttempts {
		h.mu.Unlock()
		r.log.Warn("reconnect exhausted", logx.String("session", h.SessionID), logx.Int("attempts", attempt))
		r.publish(h, events.SessionReconnectExhausted, events.ReconnectExhaustedPayload{Attempts: attempt})
		r.detachHandle(h)
		return
	}
	delay := Backoff(r.cfg.ReconnectBase, r.cfg.ReconnectMax, attempt)
	h.attempts = attempt + 1
	h.retryTimer = time.AfterFunc(delay, func() { r.reconnect(h.SessionID) })
	h.mu.Unlock()

	r.publish(h, events.SessionReconnecting, events.ReconnectingPayload{
		Attempt: attempt + 1,
		DelayMS: delay.Milliseconds(),
		Reason:  reason,
	})
	r.log.Info("reconnect scheduled",
		logx.String("session", h.SessionID),
		logx.Int("attempt", attempt+1),
		logx.Duration("delay", delay))
}

// reconnect is the timer callback: re-attach a fresh client unless the
// session was torn down in the meantime.
func (r *Registry) reconnect(id string) {
	lock := r.connectLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	h := r.handles[id]
	r.mu.RUnlock()
	if h == nil || h.isManual() {
		return
	}
	if h.Connected() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
	defer cancel()

	if err := r.attach(ctx, h); err != nil {
		// Counts as a failed attempt; back off again or give up.
		r.scheduleReconnect(h, "reconnect failed: "+err.Error())
	}
}

func (r *Registry) publish(h *Handle, typ string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type:      typ,
		SessionID: h.SessionID,
		UserID:    h.UserID,
		Data:      data,
	})
}
