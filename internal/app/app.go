package app

import (
	"context"
	"os"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/broadcast"
	"github.com/talkincode/wabridge/internal/cache"
	"github.com/talkincode/wabridge/internal/dispatch"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/relay"
	"github.com/talkincode/wabridge/internal/retry"
	"github.com/talkincode/wabridge/internal/store"
	"github.com/talkincode/wabridge/internal/whatsapp"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

type Application struct {
	appConfig  *config.AppConfig
	gormDB     *gorm.DB
	sched      *cron.Cron
	bus        EventBus.Bus
	relay      *relay.Relay
	rdb        *redis.Client
	container  *sqlstore.Container
	sessions   *store.GormSessionStore
	messages   *store.GormMessageRepository
	jobs       *store.GormJobRepository
	manager    *whatsapp.Manager
	dispatcher *dispatch.Dispatcher
	runner     *broadcast.Runner
}

// Ensure Application implements all interfaces
var (
	_ DBProvider        = (*Application)(nil)
	_ ConfigProvider    = (*Application)(nil)
	_ SchedulerProvider = (*Application)(nil)
	_ BridgeProvider    = (*Application)(nil)
	_ AppContext        = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

// Init prepares logging and storage, then wires the bridge on the real
// WhatsApp client. Background work begins with StartBackgroundJobs.
func (a *Application) Init(cfg *config.AppConfig) error {
	if err := a.InitStorage(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var err error
	a.container, err = whatsapp.OpenDeviceStore(ctx, whatsapp.StoreConfig{
		Dialect: cfg.WhatsApp.StoreDialect,
		DSN:     cfg.WhatsApp.StoreDSN,
	}, a.gormDB, cfg.Database.Type, whatsapp.NewLogger("store"))
	if err != nil {
		return err
	}

	a.sessions = store.NewGormSessionStore(a.gormDB)
	media := whatsapp.NewMediaFetcher(cfg.WhatsApp.MediaTimeout, cfg.WhatsApp.MediaMaxMB<<20)
	factory := whatsapp.NewMeowFactory(a.container, a.sessions, media, whatsapp.NewLogger("client"))
	if err := a.Wire(factory); err != nil {
		return err
	}
	a.initJob()
	return nil
}

// InitStorage sets the timezone and logger, opens the database and migrates
// the bridge tables. It does not touch the WhatsApp device store.
func (a *Application) InitStorage(cfg *config.AppConfig) error {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	InitLogger(cfg.Logger)

	if err := cfg.InitDirs(); err != nil {
		zap.S().Warnf("create work directories: %v", err)
	}

	if a.gormDB == nil {
		a.gormDB = getDatabase(cfg.Database, cfg.System.Workdir)
		zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)
	}
	return a.MigrateDB(false)
}

// InitLogger installs the global zap logger: console, plus a rotated JSON
// file when enabled.
func InitLogger(cfg config.LogConfig) {
	var zapConfig zap.Config
	if cfg.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	if cfg.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
	}

	zap.ReplaceGlobals(logger)
}

// Wire builds the bridge components on the current database and connects
// them to each other. factory supplies the WhatsApp clients.
func (a *Application) Wire(factory whatsapp.ClientFactory, opts ...whatsapp.Option) error {
	cfg := a.appConfig
	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	a.bus = EventBus.New()
	a.relay = relay.New(a.bus, cfg.Relay.Buffer)
	if a.sessions == nil {
		a.sessions = store.NewGormSessionStore(a.gormDB)
	}
	a.messages = store.NewGormMessageRepository(a.gormDB)
	a.jobs = store.NewGormJobRepository(a.gormDB)

	dispatchOpts := []dispatch.Option{dispatch.WithNode(node)}
	if c := a.remoteIDCache(); c != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithCache(c))
	}

	a.manager = whatsapp.NewManager(factory, a.sessions, a.relay, whatsapp.Config{
		Backoff:     retry.Backoff{Base: cfg.WhatsApp.ReconnectBase, Max: cfg.WhatsApp.ReconnectMax},
		MaxAttempts: cfg.WhatsApp.MaxAttempts,
		QRTimeout:   cfg.WhatsApp.QRTimeout,
	}, opts...)

	a.dispatcher = dispatch.New(a.manager, a.messages, a.relay, a.bus, dispatch.Policy{
		MaxRetries:    cfg.Dispatch.MaxRetries,
		Backoff:       retry.Backoff{Base: cfg.Dispatch.RetryBase, Max: cfg.Dispatch.RetryMax},
		SendTimeout:   cfg.Dispatch.SendTimeout,
		RatePerMinute: cfg.Dispatch.RatePerMinute,
		Burst:         cfg.Dispatch.RateBurst,
		PausePoll:     cfg.Dispatch.PausePoll,
	}, dispatchOpts...)

	a.runner, err = broadcast.NewRunner(a.jobs, a.messages, a.dispatcher, a.bus, node, broadcast.Config{
		PoolSize:      cfg.Broadcast.PoolSize,
		MaxRecipients: cfg.Broadcast.MaxRecipients,
	})
	if err != nil {
		return err
	}

	a.bindListeners()
	return nil
}

// remoteIDCache connects Redis when enabled. An unreachable server only
// disables the cache; receipts then resolve through the message table.
func (a *Application) remoteIDCache() *cache.RemoteIDCache {
	cfg := a.appConfig.Redis
	if !cfg.Enabled {
		return nil
	}
	a.rdb = redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	c := cache.NewRemoteIDCache(a.rdb, cfg.TTL)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		zap.L().Warn("redis unavailable, receipt cache disabled", zap.String("addr", cfg.Addr), zap.Error(err))
		_ = a.rdb.Close()
		a.rdb = nil
		return nil
	}
	zap.L().Info("redis receipt cache enabled", zap.String("addr", cfg.Addr))
	return c
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	db := a.gormDB
	if track {
		db = db.Debug()
	}
	return db.Migrator().AutoMigrate(domain.Tables...)
}

// DropAll removes every bridge table.
func (a *Application) DropAll() error {
	return a.gormDB.Migrator().DropTable(domain.Tables...)
}

func (a *Application) InitDb() {
	if err := a.DropAll(); err != nil {
		zap.S().Error(err)
	}
	err := a.gormDB.Migrator().AutoMigrate(domain.Tables...)
	if err != nil {
		zap.S().Error(err)
	}
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Manager() *whatsapp.Manager { return a.manager }
func (a *Application) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }
func (a *Application) Runner() *broadcast.Runner { return a.runner }
func (a *Application) Relay() *relay.Relay { return a.relay }
func (a *Application) SessionStore() store.SessionStore { return a.sessions }
func (a *Application) Messages() store.MessageRepository { return a.messages }

// StartBackgroundJobs recovers state left by a previous process, resumes
// paired sessions and starts the cron jobs.
func (a *Application) StartBackgroundJobs(ctx context.Context) {
	if a.appConfig.Dispatch.RecoverOnStart {
		a.recoverPending(ctx)
	}
	a.resumeSessions(ctx)
	if a.sched != nil {
		a.sched.Start()
	}
}

// Release stops background work and disconnects every session. Credentials are kept.
func (a *Application) Release() {
	if a.sched != nil {
		<-a.sched.Stop().Done()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.manager != nil {
		a.manager.Shutdown(ctx)
	}
	if a.runner != nil {
		a.runner.Close()
	}
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.relay != nil {
		a.relay.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.container != nil && a.appConfig.WhatsApp.StoreDSN != "" {
		_ = a.container.Close()
	}
	_ = zap.L().Sync()
}
