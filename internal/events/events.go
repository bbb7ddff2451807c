// Package events names the orchestrator-level events published on the bus
// and their payload types. Each platform-client event is republished as
// exactly one of these.
package events

const (
	// Session lifecycle, relayed from platform clients.
	SessionQR            = "session.qr"
	SessionAuthenticated = "session.authenticated"
	SessionReady         = "session.ready"
	SessionAuthFailure   = "session.auth_failure"
	SessionDisconnected  = "session.disconnected"
	SessionLoading       = "session.loading"

	// Reconnection.
	SessionReconnecting       = "session.reconnecting"
	SessionReconnectExhausted = "session.reconnect_exhausted"

	// Messages.
	MessageReceived = "message.received"
	MessageSent     = "message.sent"

	// Work queue.
	JobDropped  = "job.dropped"
	JobAccepted = "job.accepted"
)

type QRPayload struct {
	QR string `json:"qr"`
}

type ReadyPayload struct {
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Username    string `json:"username,omitempty"`
}

type AuthFailurePayload struct {
	Reason string `json:"reason,omitempty"`
}

type DisconnectedPayload struct {
	Reason string `json:"reason,omitempty"`
	Manual bool   `json:"manual"`
}

type LoadingPayload struct {
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

type ReconnectingPayload struct {
	Attempt int    `json:"attempt"`
	DelayMS int64  `json:"delayMs"`
	Reason  string `json:"reason,omitempty"`
}

type ReconnectExhaustedPayload struct {
	Attempts int `json:"attempts"`
}

type MessagePayload struct {
	MessageID string `json:"messageId"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Type      string `json:"type"`
	Body      string `json:"body,omitempty"`
}

type JobPayload struct {
	JobType   string `json:"jobType"`
	SessionID string `json:"sessionId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
