package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/relay"
	"github.com/talkincode/wabridge/internal/store"
	"go.uber.org/zap"
)

var (
	errSupervisorStopped = errors.New("whatsapp: session supervisor stopped")
	errReconnectExceeded = errors.New("reconnect attempts exhausted")
	errLoggedOutRemotely = errors.New("device logged out from phone")
)

// Snapshot is a point-in-time view of one session.
type Snapshot struct {
	SessionID         string              `json:"sessionId"`
	State             domain.SessionState `json:"state"`
	Status            string              `json:"status"`
	PhoneNumber       string              `json:"phoneNumber,omitempty"`
	QRCode            string              `json:"qrCode,omitempty"` // PNG data URL while awaiting a scan
	QRText            string              `json:"-"`
	ReconnectAttempts int                 `json:"reconnectAttempts"`
	LastError         string              `json:"lastError,omitempty"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

type msgKind int

const (
	msgConnect msgKind = iota
	msgLogout
	msgExpire
	msgShutdown
	msgAllocated
	msgDialed
	msgClient
	msgRetry
	msgQRExpired
)

type message struct {
	kind  msgKind
	epoch uint64
	conn  Conn
	err   error
	ev    ClientEvent
	reply chan error
}

// supervisor drives one session through its lifecycle. Every field below mu
// is touched only by loop, so transitions never interleave.
type supervisor struct {
	id    string
	m     *Manager
	inbox chan message
	done  chan struct{}

	epoch      uint64 // bumped whenever the current client is abandoned
	conn       Conn
	attempts   int
	device     string
	cancelDial context.CancelFunc
	stopRetry  func() bool
	stopQR     func() bool

	mu    sync.RWMutex
	snap  Snapshot
	ready Conn
}

func newSupervisor(m *Manager, row *domain.WhatsAppSession) *supervisor {
	s := &supervisor{
		id:     row.SessionID,
		m:      m,
		inbox:  make(chan message, 32),
		done:   make(chan struct{}),
		device: row.DeviceJID,
	}
	s.snap = Snapshot{
		SessionID:   row.SessionID,
		State:       domain.SessionIdle,
		Status:      relay.DisplayStatus(domain.SessionIdle),
		PhoneNumber: row.PhoneNumber,
		UpdatedAt:   time.Now(),
	}
	return s
}

func (s *supervisor) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *supervisor) readySender() (Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready, s.ready != nil
}

func (s *supervisor) post(msg message) bool {
	select {
	case s.inbox <- msg:
		return true
	case <-s.done:
		return false
	}
}

// request posts a command and waits until the loop has handled it.
func (s *supervisor) request(ctx context.Context, kind msgKind) error {
	reply := make(chan error, 1)
	if !s.post(message{kind: kind, reply: reply}) {
		return errSupervisorStopped
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return errSupervisorStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *supervisor) loop() {
	defer close(s.done)
	for msg := range s.inbox {
		stop := s.handle(msg)
		if msg.reply != nil {
			msg.reply <- nil
		}
		if stop {
			return
		}
	}
}

func (s *supervisor) handle(msg message) bool {
	state := s.snapshot().State
	switch msg.kind {
	case msgConnect:
		if state == domain.SessionIdle || state == domain.SessionDisconnected {
			s.dial()
		}
	case msgLogout:
		s.terminate("logout", nil, true, true)
		return true
	case msgExpire:
		s.terminate("expired", nil, false, true)
		return true
	case msgShutdown:
		s.abandon()
		if state != domain.SessionIdle {
			s.transition(domain.SessionDisconnected, "shutdown", nil, nil)
		}
		return true
	case msgAllocated:
		if msg.epoch != s.epoch {
			msg.conn.Disconnect()
			return false
		}
		s.conn = msg.conn
	case msgDialed:
		if msg.epoch != s.epoch {
			if msg.conn != nil {
				msg.conn.Disconnect()
			}
			return false
		}
		if msg.err != nil {
			return s.fail("connect_error", msg.err)
		}
	case msgClient:
		if msg.epoch != s.epoch {
			zap.L().Debug("whatsapp: stale client event dropped",
				zap.String("session_id", s.id),
				zap.Stringer("kind", msg.ev.Kind))
			return false
		}
		return s.onClientEvent(state, msg.ev)
	case msgRetry:
		if msg.epoch == s.epoch && state == domain.SessionDisconnected {
			s.dial()
		}
	case msgQRExpired:
		if msg.epoch == s.epoch && state == domain.SessionAwaitingScan {
			s.qrExpired()
		}
	}
	return false
}

func (s *supervisor) onClientEvent(state domain.SessionState, ev ClientEvent) bool {
	switch ev.Kind {
	case EventQR:
		if state != domain.SessionConnecting && state != domain.SessionAwaitingScan {
			return false
		}
		s.setQR(ev.Code)
		if state == domain.SessionConnecting {
			s.transition(domain.SessionAwaitingScan, "qr", nil, nil)
			if s.m.cfg.QRTimeout > 0 {
				epoch := s.epoch
				s.stopQR = s.m.after(s.m.cfg.QRTimeout, func() {
					s.post(message{kind: msgQRExpired, epoch: epoch})
				})
			}
		}
		s.publishQR()
	case EventQRTimeout:
		if state == domain.SessionAwaitingScan || state == domain.SessionConnecting {
			s.qrExpired()
		}
	case EventPaired:
		if state != domain.SessionConnecting && state != domain.SessionAwaitingScan {
			return false
		}
		s.stop(&s.stopQR)
		s.setQR("")
		s.login(ev)
		s.transition(domain.SessionAuthenticated, "paired", nil, map[string]interface{}{"phone": ev.Phone})
	case EventConnected:
		if state == domain.SessionReady {
			return false
		}
		s.stop(&s.stopQR)
		s.setQR("")
		s.login(ev)
		if state != domain.SessionAuthenticated {
			s.transition(domain.SessionAuthenticated, "authenticated", nil, nil)
		}
		s.attempts = 0
		s.transition(domain.SessionReady, "connected", nil, map[string]interface{}{"phone": s.snapshot().PhoneNumber})
	case EventDisconnected, EventConnectFailure:
		if state == domain.SessionIdle {
			return false
		}
		return s.fail(ev.Kind.String(), ev.Err)
	case EventLoggedOut:
		s.terminate("logged_out", errLoggedOutRemotely, false, false)
		return true
	}
	return false
}

// dial abandons any previous client and allocates a fresh one.
func (s *supervisor) dial() {
	s.abandon()
	s.transition(domain.SessionConnecting, "connecting", nil, map[string]interface{}{"attempt": s.attempts + 1})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDial = cancel
	epoch := s.epoch
	handler := s.handler(epoch)
	go func() {
		conn, err := s.m.factory.NewConn(ctx, s.id, handler)
		if err != nil {
			s.post(message{kind: msgDialed, epoch: epoch, err: err})
			return
		}
		s.post(message{kind: msgAllocated, epoch: epoch, conn: conn})
		err = conn.Connect(ctx)
		s.post(message{kind: msgDialed, epoch: epoch, conn: conn, err: err})
	}()
}

func (s *supervisor) handler(epoch uint64) Handler {
	return func(ev ClientEvent) {
		switch ev.Kind {
		case EventMessage:
			if ev.Message != nil {
				s.m.inbound(s.id, *ev.Message)
			}
		case EventReceipt:
			if ev.Receipt != nil {
				s.m.receipt(s.id, *ev.Receipt)
			}
		default:
			s.post(message{kind: msgClient, epoch: epoch, ev: ev})
		}
	}
}

// abandon stops timers and closes the current client. Events still in flight
// from it are ignored afterwards.
func (s *supervisor) abandon() {
	s.epoch++
	s.stop(&s.stopRetry)
	s.stop(&s.stopQR)
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	if s.conn != nil {
		s.conn.Disconnect()
		s.conn = nil
	}
}

func (s *supervisor) stop(fn *func() bool) {
	if *fn != nil {
		(*fn)()
		*fn = nil
	}
}

// fail records a lost or failed client and schedules a reconnect, or gives up
// once the consecutive failure cap is reached.
func (s *supervisor) fail(eventType string, cause error) bool {
	s.abandon()
	s.setQR("")
	s.attempts++
	if cause == nil {
		cause = errors.New("connection closed")
	}

	if limit := s.m.cfg.MaxAttempts; limit > 0 && s.attempts >= limit {
		s.transition(domain.SessionDisconnected, eventType, cause, map[string]interface{}{"attempt": s.attempts})
		s.terminate("reconnect_exhausted", fmt.Errorf("%w after %d failures: %v", errReconnectExceeded, s.attempts, cause), false, false)
		return true
	}

	delay := s.m.cfg.Backoff.Delay(s.attempts)
	s.transition(domain.SessionDisconnected, eventType, cause, map[string]interface{}{
		"attempt":  s.attempts,
		"retry_in": delay.String(),
	})
	zap.L().Warn("whatsapp: session disconnected, scheduling reconnect",
		zap.String("session_id", s.id),
		zap.Int("attempt", s.attempts),
		zap.Duration("delay", delay),
		zap.Error(cause))

	epoch := s.epoch
	s.stopRetry = s.m.after(delay, func() {
		s.post(message{kind: msgRetry, epoch: epoch})
	})
	return false
}

func (s *supervisor) qrExpired() {
	s.abandon()
	s.setQR("")
	s.attempts = 0
	s.transition(domain.SessionIdle, "qr_timeout", nil, nil)
	zap.L().Info("whatsapp: qr scan window expired", zap.String("session_id", s.id))
}

// terminate ends the session for good. With logout the linked device is
// revoked first; with destroy the session row is soft deleted afterwards.
func (s *supervisor) terminate(eventType string, cause error, logout, destroy bool) {
	if logout && s.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.conn.Logout(ctx); err != nil {
			zap.L().Warn("whatsapp: logout failed, dropping client anyway", zap.String("session_id", s.id), zap.Error(err))
		}
		cancel()
	}
	s.abandon()
	s.setQR("")
	s.transition(domain.SessionTerminated, eventType, cause, nil)

	if destroy {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.m.sessions.Destroy(ctx, s.id); err != nil {
			zap.L().Error("whatsapp: destroy session row failed", zap.String("session_id", s.id), zap.Error(err))
		}
	}
}

func (s *supervisor) login(ev ClientEvent) {
	if ev.DeviceJID != "" {
		s.device = ev.DeviceJID
	}
	if ev.Phone == "" {
		return
	}
	s.mu.Lock()
	s.snap.PhoneNumber = ev.Phone
	s.mu.Unlock()
}

func (s *supervisor) setQR(code string) {
	dataURL := ""
	if code != "" {
		var err error
		if dataURL, err = QRDataURL(code); err != nil {
			zap.L().Warn("whatsapp: render qr failed", zap.String("session_id", s.id), zap.Error(err))
		}
	}
	s.mu.Lock()
	s.snap.QRText = code
	s.snap.QRCode = dataURL
	s.mu.Unlock()
}

func (s *supervisor) publishQR() {
	snap := s.snapshot()
	s.m.pub.Publish(relay.Event{
		Kind:      relay.KindQRUpdated,
		SessionID: s.id,
		Data:      relay.QRUpdated{QRCode: snap.QRCode, SessionID: s.id},
	})
}

// transition moves the session to a new state: the row is updated, a
// session event appended, a status-changed event relayed and listeners told.
func (s *supervisor) transition(to domain.SessionState, eventType string, cause error, payload map[string]interface{}) {
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
		if payload == nil {
			payload = map[string]interface{}{}
		}
		payload["error"] = lastErr
	}

	s.mu.Lock()
	from := s.snap.State
	s.snap.State = to
	s.snap.Status = relay.DisplayStatus(to)
	s.snap.ReconnectAttempts = s.attempts
	s.snap.LastError = lastErr
	s.snap.UpdatedAt = time.Now()
	if to == domain.SessionReady {
		s.ready = s.conn
	} else {
		s.ready = nil
	}
	snap := s.snap
	s.mu.Unlock()

	if to == domain.SessionTerminated {
		s.m.forget(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.m.sessions.UpdateState(ctx, s.id, store.StateUpdate{
		State:             to,
		PhoneNumber:       snap.PhoneNumber,
		DeviceJID:         s.device,
		LastError:         lastErr,
		ReconnectAttempts: s.attempts,
	})
	if err != nil {
		zap.L().Error("whatsapp: persist session state failed", zap.String("session_id", s.id), zap.Error(err))
	}
	if err := s.m.sessions.AppendEvent(ctx, s.id, eventType, from, to, payload); err != nil {
		zap.L().Error("whatsapp: append session event failed", zap.String("session_id", s.id), zap.Error(err))
	}

	zap.L().Info("whatsapp: session state changed",
		zap.String("session_id", s.id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("event", eventType))

	s.m.pub.Publish(relay.Event{
		Kind:      relay.KindStatusChanged,
		SessionID: s.id,
		Data: relay.StatusChanged{
			Status:      snap.Status,
			State:       string(to),
			PhoneNumber: snap.PhoneNumber,
			Error:       lastErr,
		},
	})
	s.m.notifyState(s.id, to)
}
