// Package broadcast runs batch sends through the outbound dispatcher and
// aggregates their outcomes into the job record.
package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/araddon/dateparse"
	"github.com/bwmarrin/snowflake"
	jsoniter "github.com/json-iterator/go"
	"github.com/panjf2000/ants/v2"
	"github.com/talkincode/wabridge/internal/dispatch"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/store"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Enqueuer is the part of the dispatcher the runner feeds.
type Enqueuer interface {
	Enqueue(ctx context.Context, sessionID, recipient string, content domain.Content, opts ...dispatch.EnqueueOption) (*domain.OutboundMessage, error)
}

type Config struct {
	PoolSize      int // jobs fed concurrently
	MaxRecipients int
	DueBatch      int // scheduled jobs started per scheduler tick
}

func DefaultConfig() Config {
	return Config{PoolSize: 4, MaxRecipients: 5000, DueBatch: 20}
}

// CreateRequest describes a new job. ScheduledAt is free-form ("2026-10-20 09:00",
// RFC 3339, unix seconds...); empty leaves the job in draft.
type CreateRequest struct {
	SessionID   string             `json:"sessionId" validate:"required"`
	Title       string             `json:"title"`
	Kind        domain.MessageKind `json:"type"`
	Body        string             `json:"message"`
	MediaURL    string             `json:"mediaUrl"`
	Recipients  []domain.Recipient `json:"recipients" validate:"required,min=1,dive"`
	ScheduledAt string             `json:"scheduledAt"`
}

// progress tracks one job fed by this process.
type progress struct {
	mu          sync.Mutex
	job         *domain.BroadcastJob
	total       int
	success     int
	failed      int
	enqueueDone bool
	finished    bool
}

func (p *progress) counters() store.Counters {
	return store.Counters{Recipients: p.total, Success: p.success, Failed: p.failed}
}

// done reports whether every recipient has a known outcome. It is true once.
func (p *progress) done() bool {
	if p.finished || !p.enqueueDone || p.success+p.failed < p.total {
		return false
	}
	p.finished = true
	return true
}

// Runner owns broadcast jobs while they are sending.
type Runner struct {
	jobs store.JobRepository
	msgs store.MessageRepository
	disp Enqueuer
	bus  EventBus.Bus
	pool *ants.Pool
	node *snowflake.Node
	cfg  Config

	mu     sync.Mutex
	active map[int64]*progress
}

func NewRunner(jobs store.JobRepository, msgs store.MessageRepository, disp Enqueuer, bus EventBus.Bus, node *snowflake.Node, cfg Config) (*Runner, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultConfig().PoolSize
	}
	if cfg.DueBatch <= 0 {
		cfg.DueBatch = DefaultConfig().DueBatch
	}
	pool, err := ants.NewPool(cfg.PoolSize, ants.WithPanicHandler(func(p interface{}) {
		zap.L().Error("broadcast: feeder panic", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, err
	}
	r := &Runner{
		jobs:   jobs,
		msgs:   msgs,
		disp:   disp,
		bus:    bus,
		pool:   pool,
		node:   node,
		cfg:    cfg,
		active: make(map[int64]*progress),
	}
	if err := bus.SubscribeAsync(dispatch.TopicOutcome, r.onOutcome, true); err != nil {
		pool.Release()
		return nil, err
	}
	return r, nil
}

// Create validates and stores a job in draft, or scheduled when a time is given.
func (r *Runner) Create(ctx context.Context, req CreateRequest) (*domain.BroadcastJob, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrInvalidContent)
	}
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", domain.ErrInvalidRecipient)
	}
	if r.cfg.MaxRecipients > 0 && len(req.Recipients) > r.cfg.MaxRecipients {
		return nil, fmt.Errorf("%w: %d recipients exceeds limit %d", domain.ErrInvalidRecipient, len(req.Recipients), r.cfg.MaxRecipients)
	}
	for i, rc := range req.Recipients {
		if _, err := dispatch.NormalizeRecipient(rc.Phone); err != nil {
			return nil, fmt.Errorf("recipient %d: %w", i+1, err)
		}
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.KindText
	}
	switch kind {
	case domain.KindText, domain.KindTemplate:
		if strings.TrimSpace(req.Body) == "" {
			return nil, fmt.Errorf("%w: message body is empty", domain.ErrInvalidContent)
		}
	case domain.KindMedia:
		if strings.TrimSpace(req.MediaURL) == "" {
			return nil, fmt.Errorf("%w: media url is empty", domain.ErrInvalidContent)
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidContent, kind)
	}

	raw, err := json.MarshalToString(req.Recipients)
	if err != nil {
		return nil, err
	}
	job := &domain.BroadcastJob{
		ID:             r.node.Generate().Int64(),
		SessionID:      strings.TrimSpace(req.SessionID),
		Title:          req.Title,
		Kind:           kind,
		Body:           req.Body,
		MediaURL:       req.MediaURL,
		Recipients:     raw,
		Status:         domain.JobDraft,
		RecipientCount: 0,
	}
	if s := strings.TrimSpace(req.ScheduledAt); s != "" {
		at, err := dateparse.ParseIn(s, time.Local)
		if err != nil {
			return nil, fmt.Errorf("%w: scheduledAt %q: %v", domain.ErrInvalidContent, s, err)
		}
		job.ScheduledAt = &at
		job.Status = domain.JobScheduled
	}
	if job.Title == "" {
		job.Title = fmt.Sprintf("Broadcast %s", time.Now().Format("2006-01-02 15:04"))
	}
	if err := r.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	zap.L().Info("broadcast: job created",
		zap.Int64("job_id", job.ID),
		zap.String("session_id", job.SessionID),
		zap.Int("recipients", len(req.Recipients)),
		zap.String("status", string(job.Status)))
	return job, nil
}

func (r *Runner) Get(ctx context.Context, id int64) (*domain.BroadcastJob, error) {
	return r.jobs.GetByID(ctx, id)
}

// Start moves a draft or scheduled job to sending and feeds its recipients
// into the dispatcher in the background.
func (r *Runner) Start(ctx context.Context, id int64) (*domain.BroadcastJob, error) {
	job, err := r.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	var recipients []domain.Recipient
	if err := json.UnmarshalFromString(job.Recipients, &recipients); err != nil {
		return nil, fmt.Errorf("decode recipients of job %d: %w", id, err)
	}

	now := time.Now()
	ok, err := r.jobs.Transition(ctx, id, []domain.JobStatus{domain.JobDraft, domain.JobScheduled}, domain.JobSending,
		map[string]interface{}{"started_at": now})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %d is %s", domain.ErrJobState, id, job.Status)
	}
	job.Status = domain.JobSending
	job.StartedAt = &now

	p := &progress{job: job}
	r.mu.Lock()
	r.active[id] = p
	r.mu.Unlock()

	if err := r.pool.Submit(func() { r.feed(p, recipients) }); err != nil {
		zap.L().Error("broadcast: submit feeder failed", zap.Int64("job_id", id), zap.Error(err))
		p.mu.Lock()
		p.total = len(recipients)
		p.failed = len(recipients)
		p.enqueueDone = true
		p.done()
		c := p.counters()
		p.mu.Unlock()
		r.finish(p, c)
		return nil, err
	}
	zap.L().Info("broadcast: job started", zap.Int64("job_id", id), zap.Int("recipients", len(recipients)))
	return job, nil
}

func (r *Runner) feed(p *progress, recipients []domain.Recipient) {
	job := p.job
	content := job.Content()
	ctx := context.Background()
	for _, rc := range recipients {
		p.mu.Lock()
		p.total++
		r.persist(p)
		p.mu.Unlock()

		_, err := r.disp.Enqueue(ctx, job.SessionID, rc.Phone, content,
			dispatch.ForJob(job.ID), dispatch.WithRecipient(rc))
		if err != nil {
			zap.L().Warn("broadcast: recipient not queued",
				zap.Int64("job_id", job.ID),
				zap.String("recipient", rc.Phone),
				zap.String("code", domain.ErrorCode(err)),
				zap.Error(err))
			p.mu.Lock()
			p.failed++
			r.persist(p)
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	p.enqueueDone = true
	done := p.done()
	c := p.counters()
	p.mu.Unlock()
	if done {
		r.finish(p, c)
	}
}

func (r *Runner) onOutcome(o dispatch.Outcome) {
	if o.JobID == 0 {
		return
	}
	r.mu.Lock()
	p := r.active[o.JobID]
	r.mu.Unlock()
	if p == nil {
		return
	}

	p.mu.Lock()
	if o.Status == domain.MessageSent {
		p.success++
	} else {
		p.failed++
	}
	r.persist(p)
	done := p.done()
	c := p.counters()
	p.mu.Unlock()
	if done {
		r.finish(p, c)
	}
}

// persist writes counters; callers hold p.mu so writes stay in order.
func (r *Runner) persist(p *progress) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.jobs.UpdateCounters(ctx, p.job.ID, p.counters()); err != nil {
		zap.L().Error("broadcast: persist counters failed", zap.Int64("job_id", p.job.ID), zap.Error(err))
	}
}

func (r *Runner) finish(p *progress, c store.Counters) {
	r.mu.Lock()
	delete(r.active, p.job.ID)
	r.mu.Unlock()
	r.close(p.job.ID, c)
}

// close settles a sending job: completed with at least one success, failed otherwise.
func (r *Runner) close(id int64, c store.Counters) {
	status := domain.JobFailed
	if c.Success > 0 {
		status = domain.JobCompleted
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.jobs.UpdateCounters(ctx, id, c); err != nil {
		zap.L().Error("broadcast: persist final counters failed", zap.Int64("job_id", id), zap.Error(err))
	}
	ok, err := r.jobs.Transition(ctx, id, []domain.JobStatus{domain.JobSending}, status,
		map[string]interface{}{"completed_at": time.Now()})
	if err != nil || !ok {
		zap.L().Error("broadcast: close job failed", zap.Int64("job_id", id), zap.Bool("transitioned", ok), zap.Error(err))
		return
	}
	zap.L().Info("broadcast: job finished",
		zap.Int64("job_id", id),
		zap.String("status", string(status)),
		zap.Int("recipients", c.Recipients),
		zap.Int("success", c.Success),
		zap.Int("failed", c.Failed))
}

// RunDue starts scheduled jobs whose time has come and returns how many started.
func (r *Runner) RunDue(ctx context.Context, now time.Time) (int, error) {
	due, err := r.jobs.ListDue(ctx, now, r.cfg.DueBatch)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, job := range due {
		if _, err := r.Start(ctx, job.ID); err != nil {
			zap.L().Warn("broadcast: scheduled job not started", zap.Int64("job_id", job.ID), zap.Error(err))
			continue
		}
		started++
	}
	return started, nil
}

// RecoverSending closes jobs a previous process left in sending, using the
// outcomes their messages reached. Run it after pending messages were failed.
func (r *Runner) RecoverSending(ctx context.Context) (int, error) {
	jobs, err := r.jobs.ListByStatus(ctx, domain.JobSending)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		msgs, err := r.msgs.ListByJob(ctx, job.ID)
		if err != nil {
			return 0, err
		}
		var c store.Counters
		for _, m := range msgs {
			switch m.Status {
			case domain.MessageSent, domain.MessageDelivered, domain.MessageRead:
				c.Success++
			default:
				c.Failed++
			}
		}
		c.Recipients = len(msgs)
		if job.RecipientCount > c.Recipients {
			// recipients that never got a message row failed to enqueue
			c.Failed += job.RecipientCount - c.Recipients
			c.Recipients = job.RecipientCount
		}
		r.close(job.ID, c)
	}
	return len(jobs), nil
}

// Close stops accepting jobs and waits for outcome handlers to drain.
func (r *Runner) Close() {
	if err := r.bus.Unsubscribe(dispatch.TopicOutcome, r.onOutcome); err != nil {
		zap.L().Debug("broadcast: unsubscribe", zap.Error(err))
	}
	r.bus.WaitAsync()
	r.pool.Release()
}
