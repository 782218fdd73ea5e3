package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/domain"
	"gorm.io/gorm"
)

// ErrMessageNotFound is returned when no outbound message matches.
var ErrMessageNotFound = errors.New("outbound message not found")

// MessageRepository handles database operations for outbound messages
type MessageRepository interface {
	// Create inserts a new message
	Create(ctx context.Context, m *domain.OutboundMessage) error

	// Save writes every column of an existing message
	Save(ctx context.Context, m *domain.OutboundMessage) error

	// GetByID retrieves a message by ID
	GetByID(ctx context.Context, id int64) (*domain.OutboundMessage, error)

	// GetByRemoteID retrieves a message by the id WhatsApp assigned to it
	GetByRemoteID(ctx context.Context, sessionID, remoteID string) (*domain.OutboundMessage, error)

	// ListByJob returns all messages fanned out by a broadcast job
	ListByJob(ctx context.Context, jobID int64) ([]*domain.OutboundMessage, error)

	// FailPending marks every queued or sending message as failed
	FailPending(ctx context.Context, code, reason string) (int64, error)
}

// GormMessageRepository is the GORM implementation of MessageRepository
type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

func (r *GormMessageRepository) Create(ctx context.Context, m *domain.OutboundMessage) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(m).Error, "create outbound message")
}

func (r *GormMessageRepository) Save(ctx context.Context, m *domain.OutboundMessage) error {
	return errors.Wrapf(r.db.WithContext(ctx).Save(m).Error, "save outbound message %d", m.ID)
}

func (r *GormMessageRepository) GetByID(ctx context.Context, id int64) (*domain.OutboundMessage, error) {
	var m domain.OutboundMessage
	err := r.db.WithContext(ctx).First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get outbound message %d", id)
	}
	return &m, nil
}

func (r *GormMessageRepository) GetByRemoteID(ctx context.Context, sessionID, remoteID string) (*domain.OutboundMessage, error) {
	var m domain.OutboundMessage
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND remote_id = ?", sessionID, remoteID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get outbound message by remote id %s", remoteID)
	}
	return &m, nil
}

func (r *GormMessageRepository) ListByJob(ctx context.Context, jobID int64) ([]*domain.OutboundMessage, error) {
	var msgs []*domain.OutboundMessage
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&msgs).Error
	return msgs, errors.Wrapf(err, "list messages of job %d", jobID)
}

func (r *GormMessageRepository) FailPending(ctx context.Context, code, reason string) (int64, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.OutboundMessage{}).
		Where("status IN ?", []domain.MessageStatus{domain.MessageQueued, domain.MessageSending}).
		Updates(map[string]interface{}{
			"status":     domain.MessageFailed,
			"error_code": code,
			"error_msg":  reason,
			"failed_at":  now,
		})
	return res.RowsAffected, errors.Wrap(res.Error, "fail pending messages")
}
