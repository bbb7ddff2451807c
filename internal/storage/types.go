package storage

import (
	"context"
	"time"
)

// SessionStatus is the persisted connection state of a session.
type SessionStatus string

const (
	StatusDisconnected SessionStatus = "disconnected"
	StatusConnecting   SessionStatus = "connecting"
	StatusConnected    SessionStatus = "connected"
	StatusError        SessionStatus = "error"
)

// Session binds a user to one platform account.
//
// Invariant: at most one live client exists per session at any instant; that
// pairing is in-memory only (internal/session) and never persisted here.
type Session struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId"`
	Platform     string            `json:"platform"`
	Status       SessionStatus     `json:"status"`
	QRCode       string            `json:"qrCode,omitempty"`
	PhoneNumber  string            `json:"phoneNumber,omitempty"`
	Username     string            `json:"username,omitempty"`
	LastActivity time.Time         `json:"lastActivity"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
)

type MessageStatus string

const (
	MessageSent     MessageStatus = "sent"
	MessageReceived MessageStatus = "received"
	MessageFailed   MessageStatus = "failed"
	MessagePending  MessageStatus = "pending"
)

// Message is one inbound or outbound message owned by a session.
// Mutated only to change status; removed only by retention cleanup.
type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Direction Direction         `json:"direction"`
	Type      MessageType       `json:"type"`
	Status    MessageStatus     `json:"status"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Body      string            `json:"body,omitempty"`
	MediaRef  string            `json:"mediaRef,omitempty"`
	Filename  string            `json:"filename,omitempty"`
	MimeType  string            `json:"mimeType,omitempty"`
	Caption   string            `json:"caption,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// MessageFilter narrows a message query. Zero fields match everything.
type MessageFilter struct {
	From   string
	To     string
	Type   MessageType
	Status MessageStatus
	Since  time.Time
	Until  time.Time
}

// Page bounds a query. Limit <= 0 falls back to the driver default (50).
type Page struct {
	Limit  int
	Offset int
}

const DefaultPageLimit = 50

// MessageStats aggregates message counts for one session.
type MessageStats struct {
	Total       int            `json:"total"`
	ByDirection map[string]int `json:"byDirection"`
	ByStatus    map[string]int `json:"byStatus"`
	ByType      map[string]int `json:"byType"`
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	OpTimeout   time.Duration // sqlite per-operation deadline; 0 disables
}

// Store is the durable persistence API.
//
// Lookups return errs.ErrNotFound (wrapped) when the record is absent;
// infrastructure failures come back as *errs.PersistenceError.
type Store interface {
	PutSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	DeleteSession(ctx context.Context, id string) error

	PutMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	QueryMessages(ctx context.Context, sessionID string, f MessageFilter, p Page) ([]*Message, error)
	UpdateMessageStatus(ctx context.Context, id string, status MessageStatus) error
	DeleteMessage(ctx context.Context, id string) (bool, error)
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int, error)
	MessageStats(ctx context.Context, sessionID string) (MessageStats, error)

	Close() error
}
