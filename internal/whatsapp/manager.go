package whatsapp

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/talkincode/wabridge/internal/dispatch"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/relay"
	"github.com/talkincode/wabridge/internal/retry"
	"github.com/talkincode/wabridge/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrManagerClosed  = errors.New("whatsapp: manager closed")
	ErrEmptySessionID = errors.New("whatsapp: session id is required")
)

// Config bounds reconnects and pairing.
type Config struct {
	Backoff     retry.Backoff
	MaxAttempts int           // consecutive failures before a session is terminated
	QRTimeout   time.Duration // scan window before the session reverts to idle
}

func DefaultConfig() Config {
	return Config{
		Backoff:     retry.Backoff{Base: 2 * time.Second, Max: time.Minute},
		MaxAttempts: 5,
		QRTimeout:   2 * time.Minute,
	}
}

// AfterFunc runs f once d has elapsed and returns a function that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

type (
	StateListener   func(sessionID string, state domain.SessionState)
	MessageListener func(sessionID string, msg InboundMessage)
	ReceiptListener func(sessionID string, r Receipt)
)

type Option func(*Manager)

// WithAfterFunc replaces the timer used for reconnect backoff and QR expiry.
func WithAfterFunc(fn AfterFunc) Option {
	return func(m *Manager) { m.after = fn }
}

// Manager is the registry of session supervisors. At most one live
// supervisor exists per session id.
type Manager struct {
	factory  ClientFactory
	sessions store.SessionStore
	pub      dispatch.Publisher
	cfg      Config
	after    AfterFunc
	group    singleflight.Group

	mu     sync.RWMutex
	sups   map[string]*supervisor
	closed bool

	lmu       sync.RWMutex
	onState   []StateListener
	onMessage []MessageListener
	onReceipt []ReceiptListener
}

func NewManager(factory ClientFactory, sessions store.SessionStore, pub dispatch.Publisher, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		factory:  factory,
		sessions: sessions,
		pub:      pub,
		cfg:      cfg,
		sups:     make(map[string]*supervisor),
		after: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStateChange registers fn for every lifecycle transition.
func (m *Manager) OnStateChange(fn StateListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.onState = append(m.onState, fn)
}

// OnMessage registers fn for inbound messages.
func (m *Manager) OnMessage(fn MessageListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.onMessage = append(m.onMessage, fn)
}

// OnReceipt registers fn for delivery and read receipts.
func (m *Manager) OnReceipt(fn ReceiptListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.onReceipt = append(m.onReceipt, fn)
}

// Connect attaches to the live supervisor of sessionID or starts one, then
// asks it to connect. Repeated calls are no-ops while a client is active.
func (m *Manager) Connect(ctx context.Context, sessionID string) (Snapshot, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Snapshot{}, ErrEmptySessionID
	}
	for {
		// callers sharing the key must not inherit the first one's cancellation
		v, err, _ := m.group.Do(sessionID, func() (interface{}, error) {
			return m.attach(context.WithoutCancel(ctx), sessionID)
		})
		if err != nil {
			return Snapshot{}, err
		}
		sup := v.(*supervisor)
		err = sup.request(ctx, msgConnect)
		if errors.Is(err, errSupervisorStopped) {
			// terminated between lookup and request; a fresh supervisor takes over
			m.forget(sup)
			continue
		}
		if err != nil {
			return Snapshot{}, err
		}
		return sup.snapshot(), nil
	}
}

func (m *Manager) attach(ctx context.Context, sessionID string) (*supervisor, error) {
	m.mu.RLock()
	sup, closed := m.sups[sessionID], m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if sup != nil {
		return sup, nil
	}

	row, err := m.sessions.Ensure(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if sup := m.sups[sessionID]; sup != nil {
		return sup, nil
	}
	sup = newSupervisor(m, row)
	m.sups[sessionID] = sup
	go sup.loop()
	zap.L().Info("whatsapp: supervisor started", zap.String("session_id", sessionID))
	return sup, nil
}

// forget drops sup from the registry if it is still the registered one.
func (m *Manager) forget(sup *supervisor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sups[sup.id] == sup {
		delete(m.sups, sup.id)
	}
}

func (m *Manager) lookup(sessionID string) *supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sups[sessionID]
}

// ReadySender returns the client of a ready session.
func (m *Manager) ReadySender(sessionID string) (dispatch.Sender, bool) {
	sup := m.lookup(sessionID)
	if sup == nil {
		return nil, false
	}
	conn, ok := sup.readySender()
	if !ok {
		return nil, false
	}
	return conn, true
}

// Snapshot reports a live session. Sessions without a supervisor are
// reported from their stored row.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	if sup := m.lookup(sessionID); sup != nil {
		return sup.snapshot(), nil
	}
	row, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	state := row.Status
	if state != domain.SessionTerminated {
		// no client is attached in this process
		state = domain.SessionIdle
	}
	return Snapshot{
		SessionID:         row.SessionID,
		State:             state,
		Status:            relay.DisplayStatus(state),
		PhoneNumber:       row.PhoneNumber,
		ReconnectAttempts: row.ReconnectAttempts,
		LastError:         row.LastError,
		UpdatedAt:         row.UpdatedAt,
	}, nil
}

// Sessions lists every live supervisor.
func (m *Manager) Sessions() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.sups))
	for _, sup := range m.sups {
		out = append(out, sup.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Logout revokes the session's device, stops its supervisor and soft
// deletes the session. Pending outbound work fails through the state listeners.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	return m.end(ctx, sessionID, msgLogout, "logout")
}

// Expire ends a session that has been inactive too long without revoking the device.
func (m *Manager) Expire(ctx context.Context, sessionID string) error {
	return m.end(ctx, sessionID, msgExpire, "expired")
}

func (m *Manager) end(ctx context.Context, sessionID string, kind msgKind, eventType string) error {
	if sup := m.lookup(sessionID); sup != nil {
		err := sup.request(ctx, kind)
		if !errors.Is(err, errSupervisorStopped) {
			return err
		}
	}

	// no live client: close the row directly
	row, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.sessions.UpdateState(ctx, sessionID, store.StateUpdate{State: domain.SessionTerminated}); err != nil {
		return err
	}
	if err := m.sessions.AppendEvent(ctx, sessionID, eventType, row.Status, domain.SessionTerminated, nil); err != nil {
		zap.L().Warn("whatsapp: append session event failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := m.sessions.Destroy(ctx, sessionID); err != nil {
		return err
	}
	m.pub.Publish(relay.Event{
		Kind:      relay.KindStatusChanged,
		SessionID: sessionID,
		Data: relay.StatusChanged{
			Status: relay.DisplayStatus(domain.SessionTerminated),
			State:  string(domain.SessionTerminated),
		},
	})
	m.notifyState(sessionID, domain.SessionTerminated)
	return nil
}

// Shutdown disconnects every client and stops all supervisors. Credentials are kept.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	sups := make([]*supervisor, 0, len(m.sups))
	for _, sup := range m.sups {
		sups = append(sups, sup)
	}
	m.sups = make(map[string]*supervisor)
	m.mu.Unlock()

	for _, sup := range sups {
		if err := sup.request(ctx, msgShutdown); err != nil && !errors.Is(err, errSupervisorStopped) {
			zap.L().Warn("whatsapp: supervisor shutdown failed", zap.String("session_id", sup.id), zap.Error(err))
		}
	}
	zap.L().Info("whatsapp: all sessions stopped", zap.Int("count", len(sups)))
}

func (m *Manager) notifyState(sessionID string, state domain.SessionState) {
	m.lmu.RLock()
	fns := append([]StateListener(nil), m.onState...)
	m.lmu.RUnlock()
	for _, fn := range fns {
		fn(sessionID, state)
	}
}

func (m *Manager) inbound(sessionID string, msg InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sessions.Touch(ctx, sessionID); err != nil {
		zap.L().Warn("whatsapp: touch session failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.pub.Publish(relay.Event{
		Kind:      relay.KindMessageReceived,
		SessionID: sessionID,
		Data: relay.MessageReceived{
			From:      msg.From,
			Message:   msg.Text,
			Timestamp: msg.Timestamp,
			MessageID: msg.ID,
		},
	})

	m.lmu.RLock()
	fns := append([]MessageListener(nil), m.onMessage...)
	m.lmu.RUnlock()
	for _, fn := range fns {
		fn(sessionID, msg)
	}
}

func (m *Manager) receipt(sessionID string, r Receipt) {
	m.lmu.RLock()
	fns := append([]ReceiptListener(nil), m.onReceipt...)
	m.lmu.RUnlock()
	for _, fn := range fns {
		fn(sessionID, r)
	}
}

var _ dispatch.SessionSource = (*Manager)(nil)
