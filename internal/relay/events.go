package relay

import (
	"time"

	"github.com/talkincode/wabridge/internal/domain"
)

// Kind names a push event on the wire.
type Kind string

const (
	KindStatusChanged   Kind = "status-changed"
	KindQRUpdated       Kind = "qr-updated"
	KindMessageSent     Kind = "message-sent"
	KindMessageReceived Kind = "message-received"
	KindMessageFailed   Kind = "message-failed"
)

// LogType is the name used for the kind in the session event log.
func (k Kind) LogType() string {
	switch k {
	case KindStatusChanged:
		return "status_changed"
	case KindQRUpdated:
		return "qr_updated"
	case KindMessageSent:
		return "message_sent"
	case KindMessageReceived:
		return "message_received"
	case KindMessageFailed:
		return "message_failed"
	}
	return string(k)
}

// Event is one frame pushed to subscribers of a session.
type Event struct {
	Kind      Kind        `json:"event"`
	SessionID string      `json:"sessionId"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type QRUpdated struct {
	QRCode    string `json:"qrCode"`
	SessionID string `json:"sessionId"`
}

type StatusChanged struct {
	Status      string `json:"status"` // loading|ready|authenticated|disconnected
	State       string `json:"state"`  // exact lifecycle state
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Error       string `json:"error,omitempty"`
}

type MessageReceived struct {
	From      string    `json:"from"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"messageId"`
}

type MessageSent struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"` // sent|delivered|read|failed
	To        string `json:"to,omitempty"`
	JobID     string `json:"jobId,omitempty"`
}

type MessageFailed struct {
	MessageID  string `json:"messageId"`
	Status     string `json:"status"`
	Code       string `json:"code"`
	Error      string `json:"error"`
	RetryCount int    `json:"retryCount"`
	JobID      string `json:"jobId,omitempty"`
}

// DisplayStatus folds lifecycle states into the coarse status the browser renders.
func DisplayStatus(state domain.SessionState) string {
	switch state {
	case domain.SessionReady:
		return "ready"
	case domain.SessionAuthenticated:
		return "authenticated"
	case domain.SessionDisconnected, domain.SessionTerminated:
		return "disconnected"
	}
	return "loading"
}
