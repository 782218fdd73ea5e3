// Package testutil holds hand-written fakes shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/talkincode/wabridge/internal/dispatch"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/relay"
	"github.com/talkincode/wabridge/internal/store"
)

// Eventually polls cond until it holds or the timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...interface{}) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

// Call is one recorded send attempt.
type Call struct {
	To   string
	Body string
}

// FakeSender records send attempts and fails them per a script.
type FakeSender struct {
	mu      sync.Mutex
	calls   []Call
	script  map[string][]error
	block   chan struct{}
	counter int
}

func NewFakeSender() *FakeSender {
	return &FakeSender{script: make(map[string][]error)}
}

// Fail queues errors returned by the next attempts to `to` (a normalized JID).
// A nil entry means that attempt succeeds.
func (f *FakeSender) Fail(to string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[to] = append(f.script[to], errs...)
}

// Block makes every send wait until Unblock or context cancellation.
func (f *FakeSender) Block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
}

func (f *FakeSender) Unblock() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.block != nil {
		close(f.block)
		f.block = nil
	}
}

func (f *FakeSender) Send(ctx context.Context, to string, content domain.Content) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{To: to, Body: content.Body})
	block := f.block
	var err error
	if errs := f.script[to]; len(errs) > 0 {
		err = errs[0]
		f.script[to] = errs[1:]
	}
	f.counter++
	id := fmt.Sprintf("R-%d", f.counter)
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Calls returns the attempts in the order they were made.
func (f *FakeSender) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Attempts counts attempts to one recipient.
func (f *FakeSender) Attempts(to string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.To == to {
			n++
		}
	}
	return n
}

// FakeSessions is a SessionSource with switchable readiness.
type FakeSessions struct {
	mu      sync.RWMutex
	senders map[string]dispatch.Sender
}

func NewFakeSessions() *FakeSessions {
	return &FakeSessions{senders: make(map[string]dispatch.Sender)}
}

func (f *FakeSessions) SetReady(sessionID string, s dispatch.Sender) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.senders[sessionID] = s
}

func (f *FakeSessions) SetNotReady(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.senders, sessionID)
}

func (f *FakeSessions) ReadySender(sessionID string) (dispatch.Sender, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.senders[sessionID]
	return s, ok
}

// Recorder is a Publisher that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []relay.Event
}

func (r *Recorder) Publish(ev relay.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []relay.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relay.Event(nil), r.events...)
}

// Count returns how many events of a kind were published.
func (r *Recorder) Count(kind relay.Kind) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// MemMessageRepo is an in-memory store.MessageRepository.
type MemMessageRepo struct {
	mu   sync.Mutex
	rows map[int64]domain.OutboundMessage
}

func NewMemMessageRepo() *MemMessageRepo {
	return &MemMessageRepo{rows: make(map[int64]domain.OutboundMessage)}
}

func (r *MemMessageRepo) Create(_ context.Context, m *domain.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[m.ID]; ok {
		return fmt.Errorf("duplicate message id %d", m.ID)
	}
	r.rows[m.ID] = *m
	return nil
}

func (r *MemMessageRepo) Save(_ context.Context, m *domain.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[m.ID] = *m
	return nil
}

func (r *MemMessageRepo) GetByID(_ context.Context, id int64) (*domain.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		return nil, store.ErrMessageNotFound
	}
	return &m, nil
}

func (r *MemMessageRepo) GetByRemoteID(_ context.Context, sessionID, remoteID string) (*domain.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rows {
		if m.SessionID == sessionID && m.RemoteID == remoteID {
			m := m
			return &m, nil
		}
	}
	return nil, store.ErrMessageNotFound
}

func (r *MemMessageRepo) ListByJob(_ context.Context, jobID int64) ([]*domain.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.OutboundMessage
	for _, m := range r.rows {
		if m.JobID == jobID {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemMessageRepo) FailPending(_ context.Context, code, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var n int64
	for id, m := range r.rows {
		if m.Status == domain.MessageQueued || m.Status == domain.MessageSending {
			m.Status = domain.MessageFailed
			m.ErrorCode = code
			m.ErrorMsg = reason
			m.FailedAt = &now
			r.rows[id] = m
			n++
		}
	}
	return n, nil
}

// Status returns the stored status of a message.
func (r *MemMessageRepo) Status(id int64) domain.MessageStatus {
	m, err := r.GetByID(context.Background(), id)
	if err != nil {
		return ""
	}
	return m.Status
}

// MemJobRepo is an in-memory store.JobRepository.
type MemJobRepo struct {
	mu   sync.Mutex
	rows map[int64]domain.BroadcastJob
}

func NewMemJobRepo() *MemJobRepo {
	return &MemJobRepo{rows: make(map[int64]domain.BroadcastJob)}
}

func (r *MemJobRepo) Create(_ context.Context, job *domain.BroadcastJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[job.ID] = *job
	return nil
}

func (r *MemJobRepo) GetByID(_ context.Context, id int64) (*domain.BroadcastJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &job, nil
}

func (r *MemJobRepo) Transition(_ context.Context, id int64, from []domain.JobStatus, to domain.JobStatus, fields map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.rows[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, s := range from {
		if job.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	job.Status = to
	for k, v := range fields {
		t, _ := v.(time.Time)
		switch k {
		case "started_at":
			job.StartedAt = &t
		case "completed_at":
			job.CompletedAt = &t
		}
	}
	r.rows[id] = job
	return true, nil
}

func (r *MemJobRepo) UpdateCounters(_ context.Context, id int64, c store.Counters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job := r.rows[id]
	job.RecipientCount = c.Recipients
	job.SuccessCount = c.Success
	job.FailedCount = c.Failed
	r.rows[id] = job
	return nil
}

func (r *MemJobRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.BroadcastJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.BroadcastJob
	for _, job := range r.rows {
		if job.Status == domain.JobScheduled && job.ScheduledAt != nil && !job.ScheduledAt.After(now) {
			job := job
			out = append(out, &job)
		}
	}
	return out, nil
}

func (r *MemJobRepo) ListByStatus(_ context.Context, status domain.JobStatus) ([]*domain.BroadcastJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.BroadcastJob
	for _, job := range r.rows {
		if job.Status == status {
			job := job
			out = append(out, &job)
		}
	}
	return out, nil
}

var (
	_ store.MessageRepository = (*MemMessageRepo)(nil)
	_ store.JobRepository     = (*MemJobRepo)(nil)
	_ dispatch.SessionSource  = (*FakeSessions)(nil)
	_ dispatch.Sender         = (*FakeSender)(nil)
	_ dispatch.Publisher      = (*Recorder)(nil)
)
