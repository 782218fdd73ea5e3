package app

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/broadcast"
	"github.com/talkincode/wabridge/internal/dispatch"
	"github.com/talkincode/wabridge/internal/relay"
	"github.com/talkincode/wabridge/internal/store"
	"github.com/talkincode/wabridge/internal/whatsapp"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// BridgeProvider exposes the wired bridge components
type BridgeProvider interface {
	Manager() *whatsapp.Manager
	Dispatcher() *dispatch.Dispatcher
	Runner() *broadcast.Runner
	Relay() *relay.Relay
	SessionStore() store.SessionStore
	Messages() store.MessageRepository
}

// AppContext combines all provider interfaces for full application context
type AppContext interface {
	DBProvider
	ConfigProvider
	SchedulerProvider
	BridgeProvider

	MigrateDB(track bool) error
	InitDb()
	DropAll() error
	StartBackgroundJobs(ctx context.Context)
	Release()
}
