package domain

import "time"

type JobStatus string

const (
	JobDraft     JobStatus = "draft"
	JobScheduled JobStatus = "scheduled"
	JobSending   JobStatus = "sending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Recipient of a broadcast. Name and Vars feed template rendering.
type Recipient struct {
	Phone string            `json:"phone" validate:"required"`
	Name  string            `json:"name,omitempty"`
	Vars  map[string]string `json:"vars,omitempty"`
}

// BroadcastJob is a batch send over many recipients tracked as one unit.
type BroadcastJob struct {
	ID             int64       `json:"id,string" gorm:"primaryKey"`
	SessionID      string      `json:"session_id" gorm:"type:varchar(191);index"`
	Title          string      `json:"title"`
	Kind           MessageKind `json:"kind" gorm:"type:varchar(16)"`
	Body           string      `json:"body" gorm:"type:text"` // message or template
	MediaURL       string      `json:"media_url" gorm:"type:text"`
	Recipients     string      `json:"-" gorm:"type:text"` // JSON encoded []Recipient
	Status         JobStatus   `json:"status" gorm:"type:varchar(16);index"`
	RecipientCount int         `json:"recipient_count" gorm:"default:0"`
	SuccessCount   int         `json:"success_count" gorm:"default:0"`
	FailedCount    int         `json:"failed_count" gorm:"default:0"`
	ScheduledAt    *time.Time  `json:"scheduled_at" gorm:"index"`
	StartedAt      *time.Time  `json:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TableName specifies the table name
func (BroadcastJob) TableName() string {
	return "whatsapp_broadcast_job"
}

func (j *BroadcastJob) Content() Content {
	return Content{Kind: j.Kind, Body: j.Body, MediaURL: j.MediaURL}
}
