package broadcast_test

import (
	"context"
	"errors"
	"testing"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/bwmarrin/snowflake"
	"github.com/talkincode/wabridge/internal/broadcast"
	"github.com/talkincode/wabridge/internal/dispatch"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/retry"
	"github.com/talkincode/wabridge/internal/testutil"
)

const wait = 2 * time.Second

type fixture struct {
	runner   *broadcast.Runner
	jobs     *testutil.MemJobRepo
	msgs     *testutil.MemMessageRepo
	sender   *testutil.FakeSender
	sessions *testutil.FakeSessions
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		jobs:     testutil.NewMemJobRepo(),
		msgs:     testutil.NewMemMessageRepo(),
		sender:   testutil.NewFakeSender(),
		sessions: testutil.NewFakeSessions(),
	}
	f.sessions.SetReady("s1", f.sender)
	bus := EventBus.New()
	disp := dispatch.New(f.sessions, f.msgs, &testutil.Recorder{}, bus, dispatch.Policy{
		MaxRetries:  3,
		Backoff:     retry.Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond},
		SendTimeout: time.Second,
		PausePoll:   5 * time.Millisecond,
	}, dispatch.WithNode(node))
	t.Cleanup(disp.Close)

	f.runner, err = broadcast.NewRunner(f.jobs, f.msgs, disp, bus, node, broadcast.DefaultConfig())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	t.Cleanup(f.runner.Close)
	return f
}

func (f *fixture) waitFinished(t *testing.T, id int64) *domain.BroadcastJob {
	t.Helper()
	var job *domain.BroadcastJob
	testutil.Eventually(t, wait, func() bool {
		job, _ = f.jobs.GetByID(context.Background(), id)
		return job != nil && (job.Status == domain.JobCompleted || job.Status == domain.JobFailed)
	}, "job %d never finished", id)
	return job
}

func recipients(phones ...string) []domain.Recipient {
	out := make([]domain.Recipient, len(phones))
	for i, p := range phones {
		out[i] = domain.Recipient{Phone: p}
	}
	return out
}

func TestRunnerAggregatesOutcomes(t *testing.T) {
	f := newFixture(t)
	f.sender.Fail("6281200000002@s.whatsapp.net", domain.Permanent(errors.New("recipient blocked")))
	f.sender.Fail("6281200000003@s.whatsapp.net", domain.Transient(errors.New("timeout")), nil)

	job, err := f.runner.Create(context.Background(), broadcast.CreateRequest{
		SessionID:  "s1",
		Body:       "promo",
		Recipients: recipients("6281200000001", "6281200000002", "6281200000003"),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != domain.JobDraft {
		t.Fatalf("status = %s, want draft", job.Status)
	}

	started, err := f.runner.Start(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != domain.JobSending || started.StartedAt == nil {
		t.Fatalf("started job = %+v", started)
	}

	done := f.waitFinished(t, job.ID)
	if done.Status != domain.JobCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}
	if done.RecipientCount != 3 || done.SuccessCount != 2 || done.FailedCount != 1 {
		t.Errorf("counters = %d/%d/%d, want 3/2/1", done.RecipientCount, done.SuccessCount, done.FailedCount)
	}
	if done.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if got := f.sender.Attempts("6281200000003@s.whatsapp.net"); got != 2 {
		t.Errorf("attempts to r3 = %d, want 2", got)
	}

	msgs, _ := f.msgs.ListByJob(context.Background(), job.ID)
	if len(msgs) != 3 {
		t.Fatalf("job messages = %d, want 3", len(msgs))
	}
}

func TestRunnerFailsJobWhenNothingSent(t *testing.T) {
	f := newFixture(t)
	f.sessions.SetNotReady("s1")

	job, err := f.runner.Create(context.Background(), broadcast.CreateRequest{
		SessionID:  "s1",
		Body:       "hello",
		Recipients: recipients("6281200000001", "6281200000002"),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.runner.Start(context.Background(), job.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := f.waitFinished(t, job.ID)
	if done.Status != domain.JobFailed {
		t.Errorf("status = %s, want failed", done.Status)
	}
	if done.RecipientCount != 2 || done.FailedCount != 2 || done.SuccessCount != 0 {
		t.Errorf("counters = %d/%d/%d, want 2/0/2", done.RecipientCount, done.SuccessCount, done.FailedCount)
	}
}

func TestRunnerRendersTemplatesPerRecipient(t *testing.T) {
	f := newFixture(t)
	job, err := f.runner.Create(context.Background(), broadcast.CreateRequest{
		SessionID: "s1",
		Kind:      domain.KindTemplate,
		Body:      "Hi {{.Name}}",
		Recipients: []domain.Recipient{
			{Phone: "6281200000001", Name: "Ayu"},
			{Phone: "6281200000002", Name: "Budi"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.runner.Start(context.Background(), job.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitFinished(t, job.ID)

	calls := f.sender.Calls()
	if len(calls) != 2 || calls[0].Body != "Hi Ayu" || calls[1].Body != "Hi Budi" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestStartRejectsRunningJob(t *testing.T) {
	f := newFixture(t)
	f.sender.Block()
	defer f.sender.Unblock()

	job, err := f.runner.Create(context.Background(), broadcast.CreateRequest{
		SessionID:  "s1",
		Body:       "x",
		Recipients: recipients("6281200000001"),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.runner.Start(context.Background(), job.ID); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := f.runner.Start(context.Background(), job.ID); !errors.Is(err, domain.ErrJobState) {
		t.Errorf("second Start err = %v, want ErrJobState", err)
	}
	if _, err := f.runner.Start(context.Background(), 42); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("unknown job err = %v, want ErrJobNotFound", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  broadcast.CreateRequest
		want error
	}{
		{"no recipients", broadcast.CreateRequest{SessionID: "s1", Body: "x"}, domain.ErrInvalidRecipient},
		{"bad recipient", broadcast.CreateRequest{SessionID: "s1", Body: "x", Recipients: recipients("12")}, domain.ErrInvalidRecipient},
		{"empty body", broadcast.CreateRequest{SessionID: "s1", Recipients: recipients("6281200000001")}, domain.ErrInvalidContent},
		{"media without url", broadcast.CreateRequest{SessionID: "s1", Kind: domain.KindMedia, Recipients: recipients("6281200000001")}, domain.ErrInvalidContent},
		{"no session", broadcast.CreateRequest{Body: "x", Recipients: recipients("6281200000001")}, domain.ErrInvalidContent},
		{"bad schedule", broadcast.CreateRequest{SessionID: "s1", Body: "x", Recipients: recipients("6281200000001"), ScheduledAt: "someday"}, domain.ErrInvalidContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.runner.Create(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRunDueStartsScheduledJobs(t *testing.T) {
	f := newFixture(t)
	job, err := f.runner.Create(context.Background(), broadcast.CreateRequest{
		SessionID:   "s1",
		Body:        "later",
		Recipients:  recipients("6281200000001"),
		ScheduledAt: "2026-01-02 15:04:05",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != domain.JobScheduled || job.ScheduledAt == nil {
		t.Fatalf("job = %+v, want scheduled", job)
	}

	n, err := f.runner.RunDue(context.Background(), job.ScheduledAt.Add(-time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("RunDue before time = %d, %v", n, err)
	}
	n, err = f.runner.RunDue(context.Background(), job.ScheduledAt.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("RunDue = %d, %v; want 1", n, err)
	}
	if done := f.waitFinished(t, job.ID); done.Status != domain.JobCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}
}

func TestRecoverSendingClosesOrphanedJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.jobs.Create(ctx, &domain.BroadcastJob{ID: 7, SessionID: "s1", Status: domain.JobSending, RecipientCount: 3})
	_ = f.msgs.Create(ctx, &domain.OutboundMessage{ID: 70, JobID: 7, Status: domain.MessageDelivered})
	_ = f.msgs.Create(ctx, &domain.OutboundMessage{ID: 71, JobID: 7, Status: domain.MessageFailed})
	_ = f.jobs.Create(ctx, &domain.BroadcastJob{ID: 8, SessionID: "s1", Status: domain.JobSending, RecipientCount: 1})
	_ = f.msgs.Create(ctx, &domain.OutboundMessage{ID: 80, JobID: 8, Status: domain.MessageFailed})

	n, err := f.runner.RecoverSending(ctx)
	if err != nil || n != 2 {
		t.Fatalf("RecoverSending = %d, %v", n, err)
	}
	j7, _ := f.jobs.GetByID(ctx, 7)
	if j7.Status != domain.JobCompleted || j7.SuccessCount != 1 || j7.FailedCount != 2 || j7.RecipientCount != 3 {
		t.Errorf("job 7 = %s %d/%d/%d", j7.Status, j7.RecipientCount, j7.SuccessCount, j7.FailedCount)
	}
	j8, _ := f.jobs.GetByID(ctx, 8)
	if j8.Status != domain.JobFailed {
		t.Errorf("job 8 status = %s, want failed", j8.Status)
	}
}
