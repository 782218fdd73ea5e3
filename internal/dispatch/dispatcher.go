// Package dispatch serializes outbound messages into per-session queues with
// rate limiting and retry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/bwmarrin/snowflake"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/relay"
	"github.com/talkincode/wabridge/internal/store"
	"go.uber.org/zap"
)

// TopicOutcome carries an Outcome for every message that reaches a terminal state.
const TopicOutcome = "whatsapp:dispatch:outcome"

// Outcome is the terminal result of one message.
type Outcome struct {
	MessageID int64
	JobID     int64
	SessionID string
	Status    domain.MessageStatus
	Err       error
}

// Sender delivers one message through a connected client and returns the remote message id.
type Sender interface {
	Send(ctx context.Context, to string, content domain.Content) (string, error)
}

// SessionSource resolves the sender of a ready session.
type SessionSource interface {
	ReadySender(sessionID string) (Sender, bool)
}

// Publisher pushes events to live viewers.
type Publisher interface {
	Publish(ev relay.Event)
}

// MessageCache maps remote message ids back to outbound message ids.
type MessageCache interface {
	Remember(ctx context.Context, sessionID, remoteID string, messageID int64) error
	Lookup(ctx context.Context, sessionID, remoteID string) (int64, bool, error)
}

type Option func(*Dispatcher)

// WithCache enables remote id lookups through c before hitting the database.
func WithCache(c MessageCache) Option {
	return func(d *Dispatcher) { d.cache = c }
}

// WithNode sets the snowflake node used for message ids.
func WithNode(n *snowflake.Node) Option {
	return func(d *Dispatcher) { d.node = n }
}

// Dispatcher owns every in-flight outbound message.
type Dispatcher struct {
	sessions SessionSource
	repo     store.MessageRepository
	pub      Publisher
	bus      EventBus.Bus
	cache    MessageCache
	policy   Policy
	node     *snowflake.Node

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
}

func New(sessions SessionSource, repo store.MessageRepository, pub Publisher, bus EventBus.Bus, policy Policy, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sessions: sessions,
		repo:     repo,
		pub:      pub,
		bus:      bus,
		policy:   policy,
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[string]*queue),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.node == nil {
		node, err := snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
		d.node = node
	}
	return d
}

type enqueueOptions struct {
	jobID     int64
	recipient *domain.Recipient
}

type EnqueueOption func(*enqueueOptions)

// ForJob tags the message with a broadcast job.
func ForJob(jobID int64) EnqueueOption {
	return func(o *enqueueOptions) { o.jobID = jobID }
}

// WithRecipient supplies template data for KindTemplate content.
func WithRecipient(r domain.Recipient) EnqueueOption {
	return func(o *enqueueOptions) { o.recipient = &r }
}

// Enqueue validates and queues a message, returning it in queued state.
// It fails with domain.ErrSessionNotReady, domain.ErrInvalidRecipient or
// domain.ErrInvalidContent without queueing anything.
func (d *Dispatcher) Enqueue(ctx context.Context, sessionID, recipient string, content domain.Content, opts ...EnqueueOption) (*domain.OutboundMessage, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	if _, ready := d.sessions.ReadySender(sessionID); !ready {
		return nil, domain.ErrSessionNotReady
	}
	to, err := NormalizeRecipient(recipient)
	if err != nil {
		return nil, err
	}
	if content.Kind == "" {
		content.Kind = domain.KindText
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}
	if content.Kind == domain.KindTemplate {
		data := domain.Recipient{Phone: to}
		if o.recipient != nil {
			data = *o.recipient
			data.Phone = to
		}
		if content.Body, err = RenderTemplate(content.Body, data); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	msg := &domain.OutboundMessage{
		ID:        d.node.Generate().Int64(),
		SessionID: sessionID,
		JobID:     o.jobID,
		Recipient: to,
		Kind:      content.Kind,
		Body:      content.Body,
		MediaURL:  content.MediaURL,
		Status:    domain.MessageQueued,
		QueuedAt:  now,
	}

	q, err := d.queue(sessionID)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	if q.terminated {
		q.mu.Unlock()
		return nil, domain.ErrSessionNotReady
	}
	// recheck under the queue lock so a concurrent terminate either sees this message or rejects it
	if _, ready := d.sessions.ReadySender(sessionID); !ready {
		q.mu.Unlock()
		return nil, domain.ErrSessionNotReady
	}
	if err := d.repo.Create(ctx, msg); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	out := *msg
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()

	zap.L().Debug("dispatch: message queued",
		zap.String("session_id", sessionID),
		zap.Int64("message_id", out.ID),
		zap.Int64("job_id", out.JobID),
		zap.String("kind", string(out.Kind)))
	return &out, nil
}

func (d *Dispatcher) queue(sessionID string) (*queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("dispatcher closed")
	}
	q, ok := d.queues[sessionID]
	if !ok {
		q = newQueue(d.ctx, sessionID, d.policy.newLimiter())
		d.queues[sessionID] = q
		d.wg.Add(1)
		go d.run(q)
	}
	return q, nil
}

// Pending returns the number of messages waiting in a session queue.
func (d *Dispatcher) Pending(sessionID string) int {
	d.mu.Lock()
	q, ok := d.queues[sessionID]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

// Resume wakes a queue that paused while its session was not ready.
func (d *Dispatcher) Resume(sessionID string) {
	d.mu.Lock()
	q, ok := d.queues[sessionID]
	d.mu.Unlock()
	if ok {
		q.signal()
	}
}

// Terminate stops a session queue and fails everything still in it with
// domain.ErrSessionTerminated, including a send that was in flight.
func (d *Dispatcher) Terminate(sessionID string) int {
	d.mu.Lock()
	q, ok := d.queues[sessionID]
	if ok {
		delete(d.queues, sessionID)
	}
	d.mu.Unlock()
	if !ok {
		return 0
	}

	q.mu.Lock()
	q.terminated = true
	q.mu.Unlock()
	q.cancel()
	<-q.done

	items := q.takeAll()
	for _, msg := range items {
		d.fail(msg, domain.ErrSessionTerminated)
	}
	if len(items) > 0 {
		zap.L().Info("dispatch: drained terminated session",
			zap.String("session_id", sessionID),
			zap.Int("failed", len(items)))
	}
	return len(items)
}

// Close stops all workers. Queued messages stay queued in the database.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) run(q *queue) {
	defer d.wg.Done()
	defer close(q.done)

	for {
		msg := q.head()
		if msg == nil {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		sender, ready := d.sessions.ReadySender(q.sessionID)
		if !ready {
			if !d.wait(q, d.policy.PausePoll, true) {
				return
			}
			continue
		}

		if err := q.limiter.Wait(q.ctx); err != nil {
			return
		}

		err := d.attempt(q, sender, msg)
		switch {
		case err == nil:
			q.pop(msg)
		case q.ctx.Err() != nil:
			return
		case domain.IsPermanent(err):
			q.pop(msg)
			d.fail(msg, err)
		case msg.RetryCount >= d.policy.MaxRetries:
			q.pop(msg)
			d.fail(msg, fmt.Errorf("%w: retries exhausted: %v", domain.ErrPermanentDelivery, err))
		default:
			msg.RetryCount++
			msg.Status = domain.MessageQueued
			msg.ErrorCode = domain.CodeTransientDelivery
			msg.ErrorMsg = err.Error()
			d.save(msg)
			delay := d.policy.Backoff.Delay(msg.RetryCount)
			zap.L().Warn("dispatch: transient send failure, retrying",
				zap.String("session_id", q.sessionID),
				zap.Int64("message_id", msg.ID),
				zap.Int("retry", msg.RetryCount),
				zap.Duration("delay", delay),
				zap.Error(err))
			if !d.wait(q, delay, false) {
				return
			}
		}
	}
}

// wait sleeps for d or until the queue is cancelled. When wakeable, a Resume
// cuts the sleep short. It reports false once the queue is cancelled.
func (d *Dispatcher) wait(q *queue, dur time.Duration, wakeable bool) bool {
	if dur <= 0 {
		dur = time.Millisecond
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	var wake <-chan struct{}
	if wakeable {
		wake = q.wake
	}
	select {
	case <-q.ctx.Done():
		return false
	case <-timer.C:
	case <-wake:
	}
	return true
}

func (d *Dispatcher) attempt(q *queue, sender Sender, msg *domain.OutboundMessage) error {
	now := time.Now()
	msg.Status = domain.MessageSending
	msg.SendingAt = &now
	d.save(msg)

	timeout := d.policy.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(q.ctx, timeout)
	defer cancel()

	remoteID, err := sender.Send(ctx, msg.Recipient, msg.Content())
	if err != nil {
		return err
	}
	d.markSent(msg, remoteID)
	return nil
}

func (d *Dispatcher) markSent(msg *domain.OutboundMessage, remoteID string) {
	now := time.Now()
	msg.Status = domain.MessageSent
	msg.SentAt = &now
	msg.RemoteID = remoteID
	msg.ErrorCode = ""
	msg.ErrorMsg = ""
	d.save(msg)

	if d.cache != nil && remoteID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := d.cache.Remember(ctx, msg.SessionID, remoteID, msg.ID); err != nil {
			zap.L().Warn("dispatch: cache remote id failed", zap.Error(err), zap.String("remote_id", remoteID))
		}
		cancel()
	}

	zap.L().Info("dispatch: message sent",
		zap.String("session_id", msg.SessionID),
		zap.Int64("message_id", msg.ID),
		zap.String("remote_id", remoteID),
		zap.Int("retries", msg.RetryCount))

	d.pub.Publish(relay.Event{
		Kind:      relay.KindMessageSent,
		SessionID: msg.SessionID,
		Data: relay.MessageSent{
			MessageID: idString(msg.ID),
			Status:    string(domain.MessageSent),
			To:        msg.Recipient,
			JobID:     jobString(msg.JobID),
		},
	})
	d.bus.Publish(TopicOutcome, Outcome{MessageID: msg.ID, JobID: msg.JobID, SessionID: msg.SessionID, Status: domain.MessageSent})
}

func (d *Dispatcher) fail(msg *domain.OutboundMessage, cause error) {
	now := time.Now()
	msg.Status = domain.MessageFailed
	msg.FailedAt = &now
	msg.ErrorCode = domain.ErrorCode(cause)
	msg.ErrorMsg = cause.Error()
	d.save(msg)

	zap.L().Warn("dispatch: message failed",
		zap.String("session_id", msg.SessionID),
		zap.Int64("message_id", msg.ID),
		zap.String("code", msg.ErrorCode),
		zap.Int("retries", msg.RetryCount),
		zap.Error(cause))

	d.pub.Publish(relay.Event{
		Kind:      relay.KindMessageSent,
		SessionID: msg.SessionID,
		Data: relay.MessageSent{
			MessageID: idString(msg.ID),
			Status:    string(domain.MessageFailed),
			To:        msg.Recipient,
			JobID:     jobString(msg.JobID),
		},
	})
	d.pub.Publish(relay.Event{
		Kind:      relay.KindMessageFailed,
		SessionID: msg.SessionID,
		Data: relay.MessageFailed{
			MessageID:  idString(msg.ID),
			Status:     string(domain.MessageFailed),
			Code:       msg.ErrorCode,
			Error:      msg.ErrorMsg,
			RetryCount: msg.RetryCount,
			JobID:      jobString(msg.JobID),
		},
	})
	d.bus.Publish(TopicOutcome, Outcome{MessageID: msg.ID, JobID: msg.JobID, SessionID: msg.SessionID, Status: domain.MessageFailed, Err: cause})
}

// MarkReceipt advances sent messages to delivered or read.
func (d *Dispatcher) MarkReceipt(ctx context.Context, sessionID string, remoteIDs []string, status domain.MessageStatus, at time.Time) {
	for _, remoteID := range remoteIDs {
		msg, err := d.lookupRemote(ctx, sessionID, remoteID)
		if err != nil {
			if !errors.Is(err, store.ErrMessageNotFound) {
				zap.L().Warn("dispatch: receipt lookup failed", zap.Error(err), zap.String("remote_id", remoteID))
			}
			continue
		}
		if !advance(msg, status, at) {
			continue
		}
		d.save(msg)
		d.pub.Publish(relay.Event{
			Kind:      relay.KindMessageSent,
			SessionID: sessionID,
			Data: relay.MessageSent{
				MessageID: idString(msg.ID),
				Status:    string(status),
				To:        msg.Recipient,
				JobID:     jobString(msg.JobID),
			},
		})
	}
}

func (d *Dispatcher) lookupRemote(ctx context.Context, sessionID, remoteID string) (*domain.OutboundMessage, error) {
	if d.cache != nil {
		id, ok, err := d.cache.Lookup(ctx, sessionID, remoteID)
		if err != nil {
			zap.L().Debug("dispatch: cache lookup failed", zap.Error(err))
		} else if ok {
			return d.repo.GetByID(ctx, id)
		}
	}
	return d.repo.GetByRemoteID(ctx, sessionID, remoteID)
}

// advance applies a receipt; receipts never move a message backwards.
func advance(msg *domain.OutboundMessage, status domain.MessageStatus, at time.Time) bool {
	switch status {
	case domain.MessageDelivered:
		if msg.Status != domain.MessageSent {
			return false
		}
		msg.Status = domain.MessageDelivered
		msg.DeliveredAt = &at
	case domain.MessageRead:
		if msg.Status != domain.MessageSent && msg.Status != domain.MessageDelivered {
			return false
		}
		if msg.DeliveredAt == nil {
			msg.DeliveredAt = &at
		}
		msg.Status = domain.MessageRead
		msg.ReadAt = &at
	default:
		return false
	}
	return true
}

func (d *Dispatcher) save(msg *domain.OutboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.repo.Save(ctx, msg); err != nil {
		zap.L().Error("dispatch: persist message failed",
			zap.Int64("message_id", msg.ID),
			zap.String("status", string(msg.Status)),
			zap.Error(err))
	}
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}

func jobString(id int64) string {
	if id == 0 {
		return ""
	}
	return idString(id)
}
