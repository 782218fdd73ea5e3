package domain

import (
	"time"

	"gorm.io/gorm"
)

// SessionState is a step of the connection lifecycle.
type SessionState string

const (
	SessionIdle          SessionState = "idle"
	SessionConnecting    SessionState = "connecting"
	SessionAwaitingScan  SessionState = "awaiting_scan"
	SessionAuthenticated SessionState = "authenticated"
	SessionReady         SessionState = "ready"
	SessionDisconnected  SessionState = "disconnected"
	SessionTerminated    SessionState = "terminated"
)

// WhatsAppSession is one logical WhatsApp Web connection.
// SessionID is an opaque token supplied by callers and is stored as plain text.
type WhatsAppSession struct {
	SessionID         string         `json:"session_id" gorm:"primaryKey;type:varchar(191)"`
	Status            SessionState   `json:"status" gorm:"type:varchar(20);index"`
	PhoneNumber       string         `json:"phone_number" gorm:"type:varchar(32)"`
	DeviceJID         string         `json:"device_jid" gorm:"type:varchar(128)"` // paired device in the whatsmeow store
	LastError         string         `json:"last_error" gorm:"type:text"`
	ReconnectAttempts int            `json:"reconnect_attempts" gorm:"default:0"`
	LastActivity      time.Time      `json:"last_activity" gorm:"index"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `json:"-" gorm:"index"` // soft destroy on logout or expiry
}

// TableName specifies the table name
func (WhatsAppSession) TableName() string {
	return "whatsapp_session"
}

// SessionEvent is an append-only record of a lifecycle transition.
type SessionEvent struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	SessionID string    `json:"session_id" gorm:"type:varchar(191);index"`
	EventType string    `json:"event_type" gorm:"type:varchar(32)"`
	FromState string    `json:"from_state" gorm:"type:varchar(20)"`
	ToState   string    `json:"to_state" gorm:"type:varchar(20)"`
	Payload   string    `json:"payload" gorm:"type:text"` // JSON
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// TableName specifies the table name
func (SessionEvent) TableName() string {
	return "whatsapp_session_event"
}
