package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/domain"
	"gorm.io/gorm"
)

// Counters is a snapshot of broadcast progress.
type Counters struct {
	Recipients int
	Success    int
	Failed     int
}

// JobRepository handles database operations for broadcast jobs
type JobRepository interface {
	Create(ctx context.Context, job *domain.BroadcastJob) error

	// GetByID returns the job or domain.ErrJobNotFound
	GetByID(ctx context.Context, id int64) (*domain.BroadcastJob, error)

	// Transition moves the job to status `to` only when its current status is one of `from`.
	// It reports false when another caller won the race or the job is in another state.
	Transition(ctx context.Context, id int64, from []domain.JobStatus, to domain.JobStatus, fields map[string]interface{}) (bool, error)

	// UpdateCounters writes progress counters
	UpdateCounters(ctx context.Context, id int64, c Counters) error

	// ListDue returns scheduled jobs whose time has come
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.BroadcastJob, error)

	// ListByStatus returns jobs in the given status
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.BroadcastJob, error)
}

// GormJobRepository is the GORM implementation of JobRepository
type GormJobRepository struct {
	db *gorm.DB
}

func NewGormJobRepository(db *gorm.DB) *GormJobRepository {
	return &GormJobRepository{db: db}
}

func (r *GormJobRepository) Create(ctx context.Context, job *domain.BroadcastJob) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(job).Error, "create broadcast job")
}

func (r *GormJobRepository) GetByID(ctx context.Context, id int64) (*domain.BroadcastJob, error) {
	var job domain.BroadcastJob
	err := r.db.WithContext(ctx).First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get broadcast job %d", id)
	}
	return &job, nil
}

func (r *GormJobRepository) Transition(ctx context.Context, id int64, from []domain.JobStatus, to domain.JobStatus, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&domain.BroadcastJob{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "transition broadcast job %d to %s", id, to)
	}
	return res.RowsAffected == 1, nil
}

func (r *GormJobRepository) UpdateCounters(ctx context.Context, id int64, c Counters) error {
	err := r.db.WithContext(ctx).Model(&domain.BroadcastJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"recipient_count": c.Recipients,
			"success_count":   c.Success,
			"failed_count":    c.Failed,
		}).Error
	return errors.Wrapf(err, "update counters of broadcast job %d", id)
}

func (r *GormJobRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.BroadcastJob, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []*domain.BroadcastJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", domain.JobScheduled, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, errors.Wrap(err, "list due broadcast jobs")
}

func (r *GormJobRepository) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.BroadcastJob, error) {
	var jobs []*domain.BroadcastJob
	err := r.db.WithContext(ctx).Where("status = ?", status).Find(&jobs).Error
	return jobs, errors.Wrapf(err, "list broadcast jobs in %s", status)
}
