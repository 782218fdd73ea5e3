package store

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StateUpdate carries the columns written on a lifecycle transition.
type StateUpdate struct {
	State             domain.SessionState
	PhoneNumber       string // empty keeps the stored number
	DeviceJID         string // empty keeps the stored device
	LastError         string
	ReconnectAttempts int
}

// SessionStore persists sessions and their lifecycle event log.
type SessionStore interface {
	// Ensure returns the session row, creating it or reviving a soft destroyed one.
	Ensure(ctx context.Context, sessionID string) (*domain.WhatsAppSession, error)

	// Get returns a live session or domain.ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*domain.WhatsAppSession, error)

	// UpdateState writes a transition and bumps last activity.
	UpdateState(ctx context.Context, sessionID string, u StateUpdate) error

	// Touch bumps last activity only.
	Touch(ctx context.Context, sessionID string) error

	// Destroy soft deletes the row; it stays readable for audit with Unscoped.
	Destroy(ctx context.Context, sessionID string) error

	// AppendEvent writes one lifecycle event. Payload is JSON encoded.
	AppendEvent(ctx context.Context, sessionID, eventType string, from, to domain.SessionState, payload interface{}) error

	// ListEvents returns the newest events first.
	ListEvents(ctx context.Context, sessionID string, limit int) ([]*domain.SessionEvent, error)

	// ListIdle returns live sessions whose last activity is before the cutoff.
	ListIdle(ctx context.Context, before time.Time) ([]*domain.WhatsAppSession, error)

	// PurgeEvents deletes events older than the cutoff.
	PurgeEvents(ctx context.Context, before time.Time) (int64, error)

	// ListResumable returns live sessions that hold paired credentials.
	ListResumable(ctx context.Context) ([]*domain.WhatsAppSession, error)
}

// GormSessionStore is the GORM implementation of SessionStore
type GormSessionStore struct {
	db *gorm.DB
}

func NewGormSessionStore(db *gorm.DB) *GormSessionStore {
	return &GormSessionStore{db: db}
}

func (s *GormSessionStore) Ensure(ctx context.Context, sessionID string) (*domain.WhatsAppSession, error) {
	now := time.Now()
	sess := &domain.WhatsAppSession{
		SessionID:    sessionID,
		Status:       domain.SessionIdle,
		LastActivity: now,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(sess).Error
	if err != nil {
		return nil, errors.Wrapf(err, "ensure session %s", sessionID)
	}

	var row domain.WhatsAppSession
	if err := s.db.WithContext(ctx).Unscoped().Where("session_id = ?", sessionID).First(&row).Error; err != nil {
		return nil, errors.Wrapf(err, "load session %s", sessionID)
	}
	if row.DeletedAt.Valid {
		err := s.db.WithContext(ctx).Unscoped().Model(&domain.WhatsAppSession{}).
			Where("session_id = ?", sessionID).
			Updates(map[string]interface{}{
				"deleted_at":         nil,
				"status":             domain.SessionIdle,
				"last_error":         "",
				"reconnect_attempts": 0,
				"last_activity":      now,
			}).Error
		if err != nil {
			return nil, errors.Wrapf(err, "revive session %s", sessionID)
		}
		row.DeletedAt = gorm.DeletedAt{}
		row.Status = domain.SessionIdle
		row.LastError = ""
		row.ReconnectAttempts = 0
		row.LastActivity = now
	}
	return &row, nil
}

func (s *GormSessionStore) Get(ctx context.Context, sessionID string) (*domain.WhatsAppSession, error) {
	var row domain.WhatsAppSession
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get session %s", sessionID)
	}
	return &row, nil
}

func (s *GormSessionStore) UpdateState(ctx context.Context, sessionID string, u StateUpdate) error {
	updates := map[string]interface{}{
		"status":             u.State,
		"last_error":         u.LastError,
		"reconnect_attempts": u.ReconnectAttempts,
		"last_activity":      time.Now(),
	}
	if u.PhoneNumber != "" {
		updates["phone_number"] = u.PhoneNumber
	}
	if u.DeviceJID != "" {
		updates["device_jid"] = u.DeviceJID
	}
	err := s.db.WithContext(ctx).Unscoped().Model(&domain.WhatsAppSession{}).
		Where("session_id = ?", sessionID).
		Updates(updates).Error
	return errors.Wrapf(err, "update session %s", sessionID)
}

func (s *GormSessionStore) Touch(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).Model(&domain.WhatsAppSession{}).
		Where("session_id = ?", sessionID).
		Update("last_activity", time.Now()).Error
	return errors.Wrapf(err, "touch session %s", sessionID)
}

func (s *GormSessionStore) Destroy(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&domain.WhatsAppSession{}).Error
	return errors.Wrapf(err, "destroy session %s", sessionID)
}

func (s *GormSessionStore) AppendEvent(ctx context.Context, sessionID, eventType string, from, to domain.SessionState, payload interface{}) error {
	raw := ""
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "encode session event payload")
		}
		raw = string(b)
	}
	ev := &domain.SessionEvent{
		SessionID: sessionID,
		EventType: eventType,
		FromState: string(from),
		ToState:   string(to),
		Payload:   raw,
		CreatedAt: time.Now(),
	}
	return errors.Wrapf(s.db.WithContext(ctx).Create(ev).Error, "append event for session %s", sessionID)
}

func (s *GormSessionStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]*domain.SessionEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []*domain.SessionEvent
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	return events, errors.Wrapf(err, "list events for session %s", sessionID)
}

func (s *GormSessionStore) ListIdle(ctx context.Context, before time.Time) ([]*domain.WhatsAppSession, error) {
	var rows []*domain.WhatsAppSession
	err := s.db.WithContext(ctx).
		Where("last_activity < ?", before).
		Where("status <> ?", domain.SessionReady).
		Find(&rows).Error
	return rows, errors.Wrap(err, "list idle sessions")
}

func (s *GormSessionStore) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&domain.SessionEvent{})
	return res.RowsAffected, errors.Wrap(res.Error, "purge session events")
}

func (s *GormSessionStore) ListResumable(ctx context.Context) ([]*domain.WhatsAppSession, error) {
	var rows []*domain.WhatsAppSession
	err := s.db.WithContext(ctx).
		Where("device_jid <> ''").
		Where("status <> ?", domain.SessionTerminated).
		Order("last_activity DESC").
		Find(&rows).Error
	return rows, errors.Wrap(err, "list resumable sessions")
}
