package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/broadcast"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/store"
	"github.com/talkincode/wabridge/internal/testutil"
	"github.com/talkincode/wabridge/internal/whatsapp"
)

const wait = 3 * time.Second

func newTestApp(t *testing.T, mutate func(*config.AppConfig)) (*Application, *testutil.FakeFactory) {
	t.Helper()
	cfg := config.DefaultAppConfig()
	cfg.Dispatch.PausePoll = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	a := NewApplication(cfg)
	a.OverrideDB(testutil.OpenDB(t))
	factory := testutil.NewFakeFactory()
	if err := a.Wire(factory); err != nil {
		t.Fatalf("wire: %v", err)
	}
	t.Cleanup(a.Release)
	return a, factory
}

func waitReady(t *testing.T, a *Application, sessionID string) {
	t.Helper()
	testutil.Eventually(t, wait, func() bool {
		snap, err := a.Manager().Snapshot(context.Background(), sessionID)
		return err == nil && snap.State == domain.SessionReady
	}, "session %s never ready", sessionID)
}

func TestAutoReplyAnswersDirectMessagesOnly(t *testing.T) {
	a, factory := newTestApp(t, func(cfg *config.AppConfig) {
		cfg.WhatsApp.AutoReply = `Got "{{index .Vars "text"}}"`
	})
	factory.AutoLogin("6281100000001")
	if _, err := a.Manager().Connect(context.Background(), "helpdesk"); err != nil {
		t.Fatal(err)
	}
	waitReady(t, a, "helpdesk")

	conn := factory.Last()
	conn.Emit(whatsapp.ClientEvent{Kind: whatsapp.EventMessage, Message: &whatsapp.InboundMessage{
		ID: "G1", From: "6281999999999@s.whatsapp.net", Chat: "120363025246125486@g.us", Text: "group chatter",
	}})
	conn.Emit(whatsapp.ClientEvent{Kind: whatsapp.EventMessage, Message: &whatsapp.InboundMessage{
		ID: "D1", From: "6281999999999@s.whatsapp.net", Chat: "6281999999999@s.whatsapp.net", Text: "ping",
	}})

	testutil.Eventually(t, wait, func() bool { return len(factory.Sender.Calls()) == 1 }, "no auto reply sent")
	time.Sleep(50 * time.Millisecond)
	calls := factory.Sender.Calls()
	if len(calls) != 1 {
		t.Fatalf("replies = %+v", calls)
	}
	if calls[0].To != "6281999999999@s.whatsapp.net" || calls[0].Body != `Got "ping"` {
		t.Fatalf("reply = %+v", calls[0])
	}
}

func TestReceiptsAdvanceSentMessages(t *testing.T) {
	a, factory := newTestApp(t, nil)
	factory.AutoLogin("6281100000002")
	ctx := context.Background()
	if _, err := a.Manager().Connect(ctx, "tracked"); err != nil {
		t.Fatal(err)
	}
	waitReady(t, a, "tracked")

	msg, err := a.Dispatcher().Enqueue(ctx, "tracked", "6281234567890", domain.Content{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	var remoteID string
	testutil.Eventually(t, wait, func() bool {
		m, err := a.Messages().GetByID(ctx, msg.ID)
		if err != nil || m.Status != domain.MessageSent {
			return false
		}
		remoteID = m.RemoteID
		return true
	}, "message never sent")

	factory.Last().Emit(whatsapp.ClientEvent{Kind: whatsapp.EventReceipt, Receipt: &whatsapp.Receipt{
		MessageIDs: []string{remoteID}, Status: domain.MessageRead, Timestamp: time.Now(),
	}})
	testutil.Eventually(t, wait, func() bool {
		m, err := a.Messages().GetByID(ctx, msg.ID)
		return err == nil && m.Status == domain.MessageRead && m.ReadAt != nil
	}, "read receipt not applied")
}

func TestRecoverPendingSettlesPreviousRun(t *testing.T) {
	a, _ := newTestApp(t, nil)
	ctx := context.Background()

	job := &domain.BroadcastJob{ID: 500, SessionID: "old", Kind: domain.KindText, Body: "x", Status: domain.JobSending, RecipientCount: 4}
	if err := a.jobs.Create(ctx, job); err != nil {
		t.Fatal(err)
	}
	rows := []*domain.OutboundMessage{
		{ID: 1, SessionID: "old", JobID: 500, Recipient: "6281@s.whatsapp.net", Status: domain.MessageSent},
		{ID: 2, SessionID: "old", JobID: 500, Recipient: "6282@s.whatsapp.net", Status: domain.MessageQueued},
		{ID: 3, SessionID: "old", JobID: 500, Recipient: "6283@s.whatsapp.net", Status: domain.MessageSending},
		{ID: 4, SessionID: "old", Recipient: "6284@s.whatsapp.net", Status: domain.MessageQueued},
	}
	for _, m := range rows {
		m.QueuedAt = time.Now()
		if err := a.messages.Create(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	a.recoverPending(ctx)

	for _, id := range []int64{2, 3, 4} {
		m, err := a.messages.GetByID(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if m.Status != domain.MessageFailed || m.ErrorCode != domain.CodeSessionTerminated {
			t.Fatalf("message %d = %s/%s", id, m.Status, m.ErrorCode)
		}
	}
	if m, _ := a.messages.GetByID(ctx, 1); m.Status != domain.MessageSent {
		t.Fatalf("sent message touched: %s", m.Status)
	}

	got, err := a.jobs.GetByID(ctx, 500)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobCompleted || got.SuccessCount != 1 || got.FailedCount != 3 || got.CompletedAt == nil {
		t.Fatalf("job = %+v", got)
	}
}

func TestResumeSessionsReconnectsPairedDevices(t *testing.T) {
	a, factory := newTestApp(t, nil)
	ctx := context.Background()
	factory.AutoLogin("6281100000003")

	if _, err := a.sessions.Ensure(ctx, "paired"); err != nil {
		t.Fatal(err)
	}
	if err := a.sessions.UpdateState(ctx, "paired", store.StateUpdate{
		State:     domain.SessionReady,
		DeviceJID: "6281100000003:1@s.whatsapp.net",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.sessions.Ensure(ctx, "never-paired"); err != nil {
		t.Fatal(err)
	}

	a.resumeSessions(ctx)

	waitReady(t, a, "paired")
	if factory.Created() != 1 {
		t.Fatalf("clients = %d, want 1", factory.Created())
	}
}

func TestTerminatedSessionDrainsDispatcher(t *testing.T) {
	a, factory := newTestApp(t, nil)
	factory.AutoLogin("6281100000004")
	ctx := context.Background()
	if _, err := a.Manager().Connect(ctx, "leaving"); err != nil {
		t.Fatal(err)
	}
	waitReady(t, a, "leaving")
	factory.Sender.Block()
	defer factory.Sender.Unblock()

	msg, err := a.Dispatcher().Enqueue(ctx, "leaving", "6281234567890", domain.Content{Body: "bye"})
	if err != nil {
		t.Fatal(err)
	}
	factory.Last().Emit(whatsapp.ClientEvent{Kind: whatsapp.EventLoggedOut})

	testutil.Eventually(t, wait, func() bool {
		m, err := a.Messages().GetByID(ctx, msg.ID)
		return err == nil && m.Status == domain.MessageFailed && m.ErrorCode == domain.CodeSessionTerminated
	}, "queued message not terminated")
	if n := a.Dispatcher().Pending("leaving"); n != 0 {
		t.Fatalf("pending = %d", n)
	}
}

func TestQRTimeoutAfterReconnectFailsQueuedMessages(t *testing.T) {
	a, factory := newTestApp(t, func(cfg *config.AppConfig) {
		cfg.WhatsApp.ReconnectBase = 10 * time.Millisecond
		cfg.WhatsApp.ReconnectMax = 20 * time.Millisecond
		cfg.WhatsApp.QRTimeout = 300 * time.Millisecond
	})
	factory.AutoLogin("6281100000005")
	ctx := context.Background()
	if _, err := a.Manager().Connect(ctx, "unpaired"); err != nil {
		t.Fatal(err)
	}
	waitReady(t, a, "unpaired")
	factory.Sender.Block()
	defer factory.Sender.Unblock()

	if _, err := a.Dispatcher().Enqueue(ctx, "unpaired", "6281234567890", domain.Content{Body: "first"}); err != nil {
		t.Fatal(err)
	}
	second, err := a.Dispatcher().Enqueue(ctx, "unpaired", "6281234567890", domain.Content{Body: "second"})
	if err != nil {
		t.Fatal(err)
	}
	testutil.Eventually(t, wait, func() bool { return len(factory.Sender.Calls()) == 1 }, "first send never started")

	// the device was unlinked remotely: the reconnect asks for a new scan
	factory.OnConnect(func(c *testutil.FakeConn) {
		c.Emit(whatsapp.ClientEvent{Kind: whatsapp.EventQR, Code: "2@relink"})
	})
	factory.Last().Emit(whatsapp.ClientEvent{Kind: whatsapp.EventDisconnected, Err: errors.New("stream end")})
	testutil.Eventually(t, wait, func() bool {
		snap, err := a.Manager().Snapshot(ctx, "unpaired")
		return err == nil && snap.State == domain.SessionAwaitingScan
	}, "reconnect never asked for a scan")
	factory.Sender.Unblock()

	testutil.Eventually(t, wait, func() bool {
		m, err := a.Messages().GetByID(ctx, second.ID)
		return err == nil && m.Status == domain.MessageFailed && m.ErrorCode == domain.CodeSessionTerminated
	}, "queued message stuck after qr timeout")
	snap, err := a.Manager().Snapshot(ctx, "unpaired")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != domain.SessionIdle {
		t.Fatalf("state = %s, want idle", snap.State)
	}
	if n := a.Dispatcher().Pending("unpaired"); n != 0 {
		t.Fatalf("pending = %d", n)
	}
	if n := len(factory.Sender.Calls()); n != 1 {
		t.Fatalf("sends = %d, want only the first", n)
	}
}

func TestIdleExpireTaskEndsStaleSessions(t *testing.T) {
	a, _ := newTestApp(t, func(cfg *config.AppConfig) {
		cfg.WhatsApp.IdleExpiry = time.Hour
	})
	ctx := context.Background()
	for _, id := range []string{"stale", "fresh"} {
		if _, err := a.sessions.Ensure(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.gormDB.Model(&domain.WhatsAppSession{}).
		Where("session_id = ?", "stale").
		Update("last_activity", time.Now().Add(-2*time.Hour)).Error; err != nil {
		t.Fatal(err)
	}

	a.SchedIdleExpireTask()

	if _, err := a.sessions.Get(ctx, "stale"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("stale session still live: %v", err)
	}
	if _, err := a.sessions.Get(ctx, "fresh"); err != nil {
		t.Fatalf("fresh session expired: %v", err)
	}
	evs, err := a.sessions.ListEvents(ctx, "stale", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].EventType != "expired" {
		t.Fatalf("expiry not logged: %+v", evs)
	}
}

func TestBroadcastTaskStartsDueJobs(t *testing.T) {
	a, factory := newTestApp(t, nil)
	factory.AutoLogin("6281100000005")
	ctx := context.Background()
	if _, err := a.Manager().Connect(ctx, "scheduler"); err != nil {
		t.Fatal(err)
	}
	waitReady(t, a, "scheduler")

	job, err := a.Runner().Create(ctx, broadcast.CreateRequest{
		SessionID:   "scheduler",
		Body:        "reminder",
		Recipients:  []domain.Recipient{{Phone: "6281400000001"}},
		ScheduledAt: time.Now().Add(-time.Minute).Format("2006-01-02 15:04:05"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobScheduled {
		t.Fatalf("created status = %s", job.Status)
	}

	a.SchedBroadcastTask()

	testutil.Eventually(t, wait, func() bool {
		got, err := a.Runner().Get(ctx, job.ID)
		return err == nil && got.Status == domain.JobCompleted && got.SuccessCount == 1
	}, "scheduled job never completed")
}
