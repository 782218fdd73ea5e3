package app

import (
	"context"
	"time"

	"github.com/talkincode/wabridge/internal/domain"
	"go.uber.org/zap"
)

// recoverPending settles work a previous process left unfinished. Its
// queues died with it, so queued and sending messages fail as terminated
// and broadcast jobs still marked sending are closed with their counters.
func (a *Application) recoverPending(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	n, err := a.messages.FailPending(ctx, domain.CodeSessionTerminated, "process restarted before delivery")
	if err != nil {
		zap.L().Error("fail pending messages", zap.String("namespace", "recovery"), zap.Error(err))
	} else if n > 0 {
		zap.L().Warn("pending messages failed after restart", zap.String("namespace", "recovery"), zap.Int64("count", n))
	}

	jobs, err := a.runner.RecoverSending(ctx)
	if err != nil {
		zap.L().Error("close interrupted broadcasts", zap.String("namespace", "recovery"), zap.Error(err))
	} else if jobs > 0 {
		zap.L().Warn("interrupted broadcasts closed", zap.String("namespace", "recovery"), zap.Int("count", jobs))
	}
}

// resumeSessions reconnects every session that holds paired credentials.
func (a *Application) resumeSessions(ctx context.Context) {
	rows, err := a.sessions.ListResumable(ctx)
	if err != nil {
		zap.L().Error("list resumable sessions", zap.String("namespace", "recovery"), zap.Error(err))
		return
	}
	for _, row := range rows {
		if _, err := a.manager.Connect(ctx, row.SessionID); err != nil {
			zap.L().Warn("resume session failed",
				zap.String("namespace", "recovery"),
				zap.String("session_id", row.SessionID),
				zap.Error(err))
			continue
		}
		zap.L().Info("session resumed", zap.String("namespace", "recovery"), zap.String("session_id", row.SessionID))
	}
}
