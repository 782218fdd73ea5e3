package domain

import "time"

// MessageKind selects how content is rendered and sent.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindTemplate MessageKind = "template"
	KindMedia    MessageKind = "media"
)

// MessageStatus of an outbound message. Queued and sending are the only
// non-terminal values; delivered and read follow sent when receipts arrive.
type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Terminal reports whether the dispatcher is done with the message.
func (s MessageStatus) Terminal() bool {
	switch s {
	case MessageSent, MessageDelivered, MessageRead, MessageFailed:
		return true
	}
	return false
}

// Content is what gets sent to a recipient.
type Content struct {
	Kind     MessageKind `json:"kind"`
	Body     string      `json:"body"`
	MediaURL string      `json:"media_url,omitempty"`
}

// OutboundMessage is a single send request and its delivery history.
type OutboundMessage struct {
	ID          int64         `json:"id,string" gorm:"primaryKey"`
	SessionID   string        `json:"session_id" gorm:"type:varchar(191);index"`
	JobID       int64         `json:"job_id,string" gorm:"index"` // 0 when not part of a broadcast
	Recipient   string        `json:"recipient" gorm:"type:varchar(128)"`
	Kind        MessageKind   `json:"kind" gorm:"type:varchar(16)"`
	Body        string        `json:"body" gorm:"type:text"`
	MediaURL    string        `json:"media_url" gorm:"type:text"`
	Status      MessageStatus `json:"status" gorm:"type:varchar(16);index"`
	ErrorCode   string        `json:"error_code" gorm:"type:varchar(48)"`
	ErrorMsg    string        `json:"error_msg" gorm:"type:text"`
	RetryCount  int           `json:"retry_count" gorm:"default:0"`
	RemoteID    string        `json:"remote_id" gorm:"type:varchar(128);index"` // id assigned by WhatsApp
	QueuedAt    time.Time     `json:"queued_at"`
	SendingAt   *time.Time    `json:"sending_at"`
	SentAt      *time.Time    `json:"sent_at"`
	DeliveredAt *time.Time    `json:"delivered_at"`
	ReadAt      *time.Time    `json:"read_at"`
	FailedAt    *time.Time    `json:"failed_at"`
	CreatedAt   time.Time     `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// TableName specifies the table name
func (OutboundMessage) TableName() string {
	return "whatsapp_outbound_message"
}

func (m *OutboundMessage) Content() Content {
	return Content{Kind: m.Kind, Body: m.Body, MediaURL: m.MediaURL}
}
