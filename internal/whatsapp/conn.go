package whatsapp

import (
	"context"
	"time"

	"github.com/talkincode/wabridge/internal/domain"
)

// EventKind tags what a client reported.
type EventKind int

const (
	EventQR             EventKind = iota + 1 // a pairable code is available
	EventQRTimeout                           // the client gave up waiting for a scan
	EventPaired                              // scan accepted, credentials stored
	EventConnected                           // logged in and synced
	EventDisconnected                        // network loss
	EventConnectFailure                      // the client could not establish a session
	EventLoggedOut                           // credentials revoked from the phone
	EventMessage                             // inbound message
	EventReceipt                             // delivery or read receipt for sent messages
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventQRTimeout:
		return "qr_timeout"
	case EventPaired:
		return "paired"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventConnectFailure:
		return "connect_failure"
	case EventLoggedOut:
		return "logged_out"
	case EventMessage:
		return "message"
	case EventReceipt:
		return "receipt"
	}
	return "unknown"
}

// InboundMessage is a text message received by a session.
type InboundMessage struct {
	ID        string
	From      string // sender JID
	Chat      string // chat JID, differs from From in groups
	Text      string
	Timestamp time.Time
}

// Receipt acknowledges one or more previously sent messages.
type Receipt struct {
	MessageIDs []string
	Status     domain.MessageStatus // delivered or read
	Timestamp  time.Time
}

// ClientEvent is a client notification translated out of the protocol library.
type ClientEvent struct {
	Kind      EventKind
	Code      string // EventQR
	Phone     string // EventPaired, EventConnected
	DeviceJID string // EventPaired, EventConnected
	Err       error  // EventDisconnected, EventConnectFailure
	Message   *InboundMessage
	Receipt   *Receipt
}

// Handler receives client events. It may be called from any goroutine.
type Handler func(ClientEvent)

// Conn is one underlying WhatsApp Web client.
type Conn interface {
	// Connect opens the websocket. Pairing and login progress arrive as events.
	Connect(ctx context.Context) error
	// Disconnect closes the socket and keeps credentials.
	Disconnect()
	// Logout revokes the linked device and deletes its credentials.
	Logout(ctx context.Context) error
	// Send delivers content and returns the remote message id.
	Send(ctx context.Context, to string, content domain.Content) (string, error)
}

// ClientFactory allocates a Conn for a session. Events for the new client go to h.
type ClientFactory interface {
	NewConn(ctx context.Context, sessionID string, h Handler) (Conn, error)
}
