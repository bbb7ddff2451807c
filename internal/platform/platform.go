// Package platform defines the external chat-platform client capability.
//
// The orchestrator never speaks a wire protocol itself; it drives a Client,
// consumes its event stream, and tears it down. One adapter ships in-tree
// (internal/platform/telegram); tests use in-memory fakes.
package platform

import (
	"context"
	"time"
)

type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventMessage       EventKind = "message"
	EventMessageSent   EventKind = "message_sent"
	EventDisconnected  EventKind = "disconnected"
	EventLoading       EventKind = "loading"
)

// Event is one lifecycle or message signal from a live client.
// Events for one client are delivered in emission order.
type Event struct {
	Kind        EventKind
	QR          string
	PhoneNumber string
	Username    string
	Reason      string
	Percent     int
	Message     *InboundMessage
}

// InboundMessage is a platform message as received, before persistence.
type InboundMessage struct {
	PlatformID string
	From       string
	To         string
	Type       string // "text", "image", "document", ...
	Body       string
	MediaID    string
	Filename   string
	MimeType   string
	Caption    string
	IsStatus   bool // platform status pseudo-message; never persisted
	Timestamp  time.Time
}

// Media is a resolvable media reference for sends and downloads.
type Media struct {
	Ref      string
	Filename string
	MimeType string
}

// Contact is a structured contact card.
type Contact struct {
	Name  string
	Phone string
}

// Client is one live connection to a chat platform.
//
// Initialize starts the connection; afterwards Events() delivers lifecycle
// and message events until Destroy. Destroy must be safe to call on an
// already-dead client.
type Client interface {
	Initialize(ctx context.Context) error
	Events() <-chan Event

	SendText(ctx context.Context, to, body string) (string, error)
	SendMedia(ctx context.Context, to string, media Media, caption string) (string, error)
	SendContact(ctx context.Context, to string, contact Contact) (string, error)
	DownloadMedia(ctx context.Context, mediaID string) (Media, error)

	IsConnected() bool
	Destroy() error
}

// Factory creates clients bound to a session identity.
type Factory interface {
	New(sessionID string) (Client, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(sessionID string) (Client, error)

func (f FactoryFunc) New(sessionID string) (Client, error) { return f(sessionID) }
