package testutil

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/whatsapp"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrDialFailed is returned by scripted connect failures.
var ErrDialFailed = errors.New("dial tcp: connection refused")

// OpenDB returns a migrated in-memory sqlite database private to the test.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + url.PathEscape(strings.ReplaceAll(t.Name(), "/", "_")) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// FakeConn is a scripted whatsapp.Conn. Tests drive its lifecycle with Emit.
type FakeConn struct {
	*FakeSender
	SessionID string

	factory *FakeFactory
	handler whatsapp.Handler

	mu           sync.Mutex
	connected    bool
	disconnected int
	loggedOut    bool
}

func (c *FakeConn) Connect(ctx context.Context) error {
	if c.factory.takeFailure() {
		return ErrDialFailed
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if hook := c.factory.onConnect(); hook != nil {
		hook(c)
	}
	return nil
}

func (c *FakeConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected++
}

func (c *FakeConn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

// Emit delivers a client event as the protocol library would.
func (c *FakeConn) Emit(ev whatsapp.ClientEvent) {
	c.handler(ev)
}

func (c *FakeConn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *FakeConn) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// FakeFactory creates FakeConns and records every allocation.
type FakeFactory struct {
	// Sender is shared by every conn so sends survive reconnects.
	Sender *FakeSender

	mu       sync.Mutex
	conns    []*FakeConn
	failures int
	hook     func(*FakeConn)
}

func NewFakeFactory() *FakeFactory {
	return &FakeFactory{Sender: NewFakeSender()}
}

// FailNext makes the next n Connect calls fail.
func (f *FakeFactory) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

// OnConnect runs fn inside every successful Connect, e.g. to emit a QR.
func (f *FakeFactory) OnConnect(fn func(*FakeConn)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = fn
}

// AutoLogin makes every connect log straight in with phone.
func (f *FakeFactory) AutoLogin(phone string) {
	f.OnConnect(func(c *FakeConn) {
		c.Emit(whatsapp.ClientEvent{Kind: whatsapp.EventConnected, Phone: phone, DeviceJID: phone + ":1@s.whatsapp.net"})
	})
}

func (f *FakeFactory) NewConn(_ context.Context, sessionID string, h whatsapp.Handler) (whatsapp.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &FakeConn{FakeSender: f.Sender, SessionID: sessionID, factory: f, handler: h}
	f.conns = append(f.conns, c)
	return c, nil
}

// Created counts allocated conns.
func (f *FakeFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Last returns the most recently allocated conn.
func (f *FakeFactory) Last() *FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *FakeFactory) takeFailure() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return true
	}
	return false
}

func (f *FakeFactory) onConnect() func(*FakeConn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hook
}

var (
	_ whatsapp.Conn          = (*FakeConn)(nil)
	_ whatsapp.ClientFactory = (*FakeFactory)(nil)
)
