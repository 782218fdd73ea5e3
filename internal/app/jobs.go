package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// initJob registers the cron jobs. They run once Start is called on the scheduler.
func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	if loc == nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	spec := a.appConfig.Broadcast.Schedule
	if spec == "" {
		spec = "@every 15s"
	}
	var err error
	_, err = a.sched.AddFunc(spec, a.SchedBroadcastTask)
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	if a.appConfig.WhatsApp.IdleExpiry > 0 {
		_, err = a.sched.AddFunc("@every 10m", a.SchedIdleExpireTask)
		if err != nil {
			zap.S().Errorf("init job error %s", err.Error())
		}
	}

	if a.appConfig.WhatsApp.EventRetention > 0 {
		_, err = a.sched.AddFunc("@daily", a.SchedPurgeEventsTask)
		if err != nil {
			zap.S().Errorf("init job error %s", err.Error())
		}
	}
}

// SchedBroadcastTask starts scheduled broadcast jobs whose time has come
func (a *Application) SchedBroadcastTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := a.runner.RunDue(ctx, time.Now())
	if err != nil {
		zap.L().Error("start due broadcasts failed", zap.String("namespace", "cron"), zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("due broadcasts started", zap.String("namespace", "cron"), zap.Int("count", n))
	}
}

// SchedIdleExpireTask ends sessions that stayed inactive past whatsapp.idle_expiry
func (a *Application) SchedIdleExpireTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	idle, err := a.sessions.ListIdle(ctx, time.Now().Add(-a.appConfig.WhatsApp.IdleExpiry))
	if err != nil {
		zap.L().Error("list idle sessions failed", zap.String("namespace", "cron"), zap.Error(err))
		return
	}
	for _, row := range idle {
		if err := a.manager.Expire(ctx, row.SessionID); err != nil {
			zap.L().Warn("expire session failed",
				zap.String("namespace", "cron"),
				zap.String("session_id", row.SessionID),
				zap.Error(err))
			continue
		}
		zap.L().Info("idle session expired",
			zap.String("namespace", "cron"),
			zap.String("session_id", row.SessionID),
			zap.Time("last_activity", row.LastActivity))
	}
}

// SchedPurgeEventsTask deletes session events older than whatsapp.event_retention
func (a *Application) SchedPurgeEventsTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	n, err := a.sessions.PurgeEvents(ctx, time.Now().Add(-a.appConfig.WhatsApp.EventRetention))
	if err != nil {
		zap.L().Error("purge session events failed", zap.String("namespace", "cron"), zap.Error(err))
		return
	}
	zap.L().Info("session events purged", zap.String("namespace", "cron"), zap.Int64("count", n))
}
