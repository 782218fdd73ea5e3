package app

import (
	"context"
	"strings"
	"time"

	"github.com/talkincode/wabridge/internal/adminapi"
	"github.com/talkincode/wabridge/internal/dispatch"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/whatsapp"
	"go.uber.org/zap"
)

// bindListeners connects session lifecycle to the dispatcher: ready wakes a
// paused queue, receipts advance sent messages. A session that falls back to
// idle after an unanswered QR has no one to resume it, so idle drains the
// queue the same way terminated does.
func (a *Application) bindListeners() {
	a.manager.OnStateChange(func(sessionID string, state domain.SessionState) {
		switch state {
		case domain.SessionReady:
			a.dispatcher.Resume(sessionID)
		case domain.SessionIdle, domain.SessionTerminated:
			a.dispatcher.Terminate(sessionID)
		}
	})
	a.manager.OnReceipt(func(sessionID string, r whatsapp.Receipt) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.dispatcher.MarkReceipt(ctx, sessionID, r.MessageIDs, r.Status, r.Timestamp)
	})
	if tpl := strings.TrimSpace(a.appConfig.WhatsApp.AutoReply); tpl != "" {
		a.manager.OnMessage(a.autoReply(tpl))
	}
}

// autoReply answers direct messages with tpl. The template sees the sender
// phone as {{.Phone}} and the received text as {{index .Vars "text"}}.
func (a *Application) autoReply(tpl string) whatsapp.MessageListener {
	return func(sessionID string, msg whatsapp.InboundMessage) {
		if msg.Chat != "" && msg.Chat != msg.From {
			return
		}
		if !strings.HasSuffix(msg.From, "@s.whatsapp.net") {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := a.dispatcher.Enqueue(ctx, sessionID, msg.From,
			domain.Content{Kind: domain.KindTemplate, Body: tpl},
			dispatch.WithRecipient(domain.Recipient{Phone: msg.From, Vars: map[string]string{"text": msg.Text}}))
		if err != nil {
			zap.L().Warn("auto reply not queued",
				zap.String("session_id", sessionID),
				zap.String("to", msg.From),
				zap.String("code", domain.ErrorCode(err)),
				zap.Error(err))
		}
	}
}

// APIDeps collects what the HTTP handlers need from the wired bridge.
func (a *Application) APIDeps() adminapi.Deps {
	checks := map[string]adminapi.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := a.gormDB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if a.rdb != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		}
	}
	return adminapi.Deps{
		Sessions:   a.manager,
		History:    a.sessions,
		Messages:   a.messages,
		Dispatcher: a.dispatcher,
		Broadcasts: a.runner,
		Relay:      a.relay,
		Checks:     checks,
	}
}
