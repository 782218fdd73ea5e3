package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/talkincode/wabridge/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestSessionStoreOpaqueIdentifiers(t *testing.T) {
	ctx := context.Background()
	s := NewGormSessionStore(newTestDB(t))

	ids := []string{
		"default",
		"3f2b8c1e-0000-4000-8000-1234567890ab",
		"session:user/42#tab-7",
		"a-very-long-token-" + fmt.Sprint(time.Now().UnixNano()),
	}
	for _, id := range ids {
		sess, err := s.Ensure(ctx, id)
		if err != nil {
			t.Fatalf("Ensure(%q): %v", id, err)
		}
		if sess.SessionID != id || sess.Status != domain.SessionIdle {
			t.Fatalf("Ensure(%q) = %+v", id, sess)
		}
		got, err := s.Get(ctx, id)
		if err != nil || got.SessionID != id {
			t.Fatalf("Get(%q) = %+v, %v", id, got, err)
		}
	}
}

func TestSessionStoreEnsureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewGormSessionStore(newTestDB(t))

	if _, err := s.Ensure(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateState(ctx, "s1", StateUpdate{State: domain.SessionReady, PhoneNumber: "628111"}); err != nil {
		t.Fatal(err)
	}
	sess, err := s.Ensure(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != domain.SessionReady || sess.PhoneNumber != "628111" {
		t.Fatalf("second Ensure overwrote the row: %+v", sess)
	}
}

func TestSessionStoreDestroyKeepsHistory(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := NewGormSessionStore(db)

	if _, err := s.Ensure(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEvent(ctx, "gone", "status_changed", domain.SessionIdle, domain.SessionConnecting, map[string]string{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Destroy(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "gone"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("Get after Destroy err = %v, want ErrSessionNotFound", err)
	}

	var count int64
	db.Unscoped().Model(&domain.WhatsAppSession{}).Where("session_id = ?", "gone").Count(&count)
	if count != 1 {
		t.Fatalf("row count after soft destroy = %d, want 1", count)
	}

	events, err := s.ListEvents(ctx, "gone", 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("ListEvents = %d, %v", len(events), err)
	}
	if events[0].Payload != `{"k":"v"}` {
		t.Fatalf("payload = %s", events[0].Payload)
	}

	sess, err := s.Ensure(ctx, "gone")
	if err != nil {
		t.Fatal(err)
	}
	if sess.DeletedAt.Valid || sess.Status != domain.SessionIdle {
		t.Fatalf("Ensure did not revive the session: %+v", sess)
	}
}

func TestSessionStoreListIdleAndPurge(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := NewGormSessionStore(db)

	for _, id := range []string{"old", "fresh", "busy"} {
		if _, err := s.Ensure(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-2 * time.Hour)
	db.Model(&domain.WhatsAppSession{}).Where("session_id IN ?", []string{"old", "busy"}).Update("last_activity", past)
	db.Model(&domain.WhatsAppSession{}).Where("session_id = ?", "busy").Update("status", domain.SessionReady)

	idle, err := s.ListIdle(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(idle) != 1 || idle[0].SessionID != "old" {
		t.Fatalf("ListIdle = %+v", idle)
	}

	_ = s.AppendEvent(ctx, "old", "status_changed", domain.SessionIdle, domain.SessionConnecting, nil)
	db.Model(&domain.SessionEvent{}).Where("session_id = ?", "old").Update("created_at", past)
	_ = s.AppendEvent(ctx, "fresh", "status_changed", domain.SessionIdle, domain.SessionConnecting, nil)

	n, err := s.PurgeEvents(ctx, time.Now().Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PurgeEvents = %d, %v", n, err)
	}
}

func TestMessageRepository(t *testing.T) {
	ctx := context.Background()
	r := NewGormMessageRepository(newTestDB(t))

	m := &domain.OutboundMessage{
		ID:        1001,
		SessionID: "s1",
		JobID:     7,
		Recipient: "628123456789@s.whatsapp.net",
		Kind:      domain.KindText,
		Body:      "hi",
		Status:    domain.MessageQueued,
		QueuedAt:  time.Now(),
	}
	if err := r.Create(ctx, m); err != nil {
		t.Fatal(err)
	}
	m.Status = domain.MessageSent
	m.RemoteID = "3EB0ABC"
	if err := r.Save(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := r.GetByRemoteID(ctx, "s1", "3EB0ABC")
	if err != nil || got.ID != 1001 || got.Status != domain.MessageSent {
		t.Fatalf("GetByRemoteID = %+v, %v", got, err)
	}
	if _, err := r.GetByID(ctx, 42); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("GetByID(missing) err = %v", err)
	}

	_ = r.Create(ctx, &domain.OutboundMessage{ID: 1002, SessionID: "s1", JobID: 7, Status: domain.MessageQueued})
	_ = r.Create(ctx, &domain.OutboundMessage{ID: 1003, SessionID: "s1", Status: domain.MessageSending})

	byJob, err := r.ListByJob(ctx, 7)
	if err != nil || len(byJob) != 2 {
		t.Fatalf("ListByJob = %d, %v", len(byJob), err)
	}

	n, err := r.FailPending(ctx, domain.CodeSessionTerminated, "restart")
	if err != nil || n != 2 {
		t.Fatalf("FailPending = %d, %v", n, err)
	}
	got, _ = r.GetByID(ctx, 1003)
	if got.Status != domain.MessageFailed || got.ErrorCode != domain.CodeSessionTerminated || got.FailedAt == nil {
		t.Fatalf("message after FailPending = %+v", got)
	}
}

func TestJobRepositoryTransition(t *testing.T) {
	ctx := context.Background()
	r := NewGormJobRepository(newTestDB(t))

	due := time.Now().Add(-time.Minute)
	later := time.Now().Add(time.Hour)
	_ = r.Create(ctx, &domain.BroadcastJob{ID: 1, Title: "now", Status: domain.JobDraft})
	_ = r.Create(ctx, &domain.BroadcastJob{ID: 2, Title: "due", Status: domain.JobScheduled, ScheduledAt: &due})
	_ = r.Create(ctx, &domain.BroadcastJob{ID: 3, Title: "later", Status: domain.JobScheduled, ScheduledAt: &later})

	startable := []domain.JobStatus{domain.JobDraft, domain.JobScheduled}
	ok, err := r.Transition(ctx, 1, startable, domain.JobSending, map[string]interface{}{"started_at": time.Now()})
	if err != nil || !ok {
		t.Fatalf("first Transition = %v, %v", ok, err)
	}
	ok, err = r.Transition(ctx, 1, startable, domain.JobSending, nil)
	if err != nil || ok {
		t.Fatalf("second Transition = %v, %v; want lost race", ok, err)
	}

	if err := r.UpdateCounters(ctx, 1, Counters{Recipients: 3, Success: 2, Failed: 1}); err != nil {
		t.Fatal(err)
	}
	job, err := r.GetByID(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobSending || job.StartedAt == nil || job.RecipientCount != 3 || job.SuccessCount != 2 || job.FailedCount != 1 {
		t.Fatalf("job = %+v", job)
	}

	dueJobs, err := r.ListDue(ctx, time.Now(), 10)
	if err != nil || len(dueJobs) != 1 || dueJobs[0].ID != 2 {
		t.Fatalf("ListDue = %+v, %v", dueJobs, err)
	}

	if _, err := r.GetByID(ctx, 99); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("GetByID(missing) err = %v", err)
	}
}

func TestSessionStoreListResumable(t *testing.T) {
	ctx := context.Background()
	s := NewGormSessionStore(newTestDB(t))

	for _, id := range []string{"paired", "fresh", "ended", "gone"} {
		if _, err := s.Ensure(ctx, id); err != nil {
			t.Fatalf("Ensure(%s): %v", id, err)
		}
	}
	_ = s.UpdateState(ctx, "paired", StateUpdate{State: domain.SessionDisconnected, DeviceJID: "62811:1@s.whatsapp.net"})
	_ = s.UpdateState(ctx, "ended", StateUpdate{State: domain.SessionTerminated, DeviceJID: "62812:1@s.whatsapp.net"})
	_ = s.UpdateState(ctx, "gone", StateUpdate{State: domain.SessionReady, DeviceJID: "62813:1@s.whatsapp.net"})
	_ = s.Destroy(ctx, "gone")

	rows, err := s.ListResumable(ctx)
	if err != nil {
		t.Fatalf("ListResumable: %v", err)
	}
	if len(rows) != 1 || rows[0].SessionID != "paired" {
		t.Fatalf("resumable = %+v, want only paired", rows)
	}
}
