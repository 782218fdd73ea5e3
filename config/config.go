// Package config loads the bridge configuration from YAML, .env and WABRIDGE_* variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WABRIDGE_"

type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

type WebConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	CorsOrigins []string      `yaml:"cors_origins"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// DBConfig selects the gorm dialect. Name is the sqlite file for type sqlite.
type DBConfig struct {
	Type     string `yaml:"type"` // postgres, sqlite or mysql
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

type LogConfig struct {
	Mode       string `yaml:"mode"` // development or production
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

type WhatsAppConfig struct {
	ReconnectBase  time.Duration `yaml:"reconnect_base"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
	MaxAttempts    int           `yaml:"max_attempts"`
	QRTimeout      time.Duration `yaml:"qr_timeout"`
	IdleExpiry     time.Duration `yaml:"idle_expiry"`
	EventRetention time.Duration `yaml:"event_retention"`
	// StoreDialect and StoreDSN move device credentials to a dedicated
	// database; empty shares the main one.
	StoreDialect string        `yaml:"store_dialect"`
	StoreDSN     string        `yaml:"store_dsn"`
	AutoReply    string        `yaml:"auto_reply"` // template answered to inbound messages, empty disables
	MediaTimeout time.Duration `yaml:"media_timeout"`
	MediaMaxMB   int           `yaml:"media_max_mb"`
}

type DispatchConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	RetryBase      time.Duration `yaml:"retry_base"`
	RetryMax       time.Duration `yaml:"retry_max"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	RatePerMinute  int           `yaml:"rate_per_minute"`
	RateBurst      int           `yaml:"rate_burst"`
	PausePoll      time.Duration `yaml:"pause_poll"`
	RecoverOnStart bool          `yaml:"recover_on_start"`
}

type RelayConfig struct {
	Buffer int `yaml:"buffer"`
}

type BroadcastConfig struct {
	PoolSize      int    `yaml:"pool_size"`
	MaxRecipients int    `yaml:"max_recipients"`
	Schedule      string `yaml:"schedule"` // cron spec for starting due jobs
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type AppConfig struct {
	System    SysConfig       `yaml:"system"`
	Web       WebConfig       `yaml:"web"`
	Database  DBConfig        `yaml:"database"`
	Logger    LogConfig       `yaml:"logger"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Relay     RelayConfig     `yaml:"relay"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Redis     RedisConfig     `yaml:"redis"`
}

func (c *AppConfig) GetLogDir() string {
	return filepath.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return filepath.Join(c.System.Workdir, "data")
}

// InitDirs creates the working directories.
func (c *AppConfig) InitDirs() error {
	for _, dir := range []string{c.GetLogDir(), c.GetDataDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Appid:    "WABridge",
			Location: "Asia/Jakarta",
			Workdir:  "/var/wabridge",
		},
		Web: WebConfig{
			Host:        "0.0.0.0",
			Port:        3000,
			CorsOrigins: []string{"*"},
			ReadTimeout: 30 * time.Second,
		},
		Database: DBConfig{
			Type:     "sqlite",
			Host:     "127.0.0.1",
			Port:     5432,
			Name:     "wabridge.db",
			User:     "postgres",
			MaxConn:  50,
			IdleConn: 10,
		},
		Logger: LogConfig{
			Mode:     "development",
			Filename: "/var/wabridge/logs/wabridge.log",
		},
		WhatsApp: WhatsAppConfig{
			ReconnectBase:  2 * time.Second,
			ReconnectMax:   time.Minute,
			MaxAttempts:    5,
			QRTimeout:      2 * time.Minute,
			IdleExpiry:     30 * 24 * time.Hour,
			EventRetention: 90 * 24 * time.Hour,
			MediaTimeout:   30 * time.Second,
			MediaMaxMB:     16,
		},
		Dispatch: DispatchConfig{
			MaxRetries:     3,
			RetryBase:      time.Second,
			RetryMax:       30 * time.Second,
			SendTimeout:    30 * time.Second,
			RatePerMinute:  20,
			RateBurst:      5,
			PausePoll:      2 * time.Second,
			RecoverOnStart: true,
		},
		Relay: RelayConfig{Buffer: 16},
		Broadcast: BroadcastConfig{
			PoolSize:      4,
			MaxRecipients: 5000,
			Schedule:      "@every 15s",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
			TTL:  7 * 24 * time.Hour,
		},
	}
}

// LoadConfig reads .env from the working directory, then the YAML file if it
// exists, then WABRIDGE_* overrides. An empty file name skips the YAML step.
func LoadConfig(file string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := DefaultAppConfig()
	if file != "" {
		data, err := os.ReadFile(file)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", file, err)
			}
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot work with.
func (c *AppConfig) Validate() error {
	var errs []error
	switch c.Database.Type {
	case "postgres", "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Errorf("database.type %q is not one of postgres, sqlite, mysql", c.Database.Type))
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("web.port %d out of range", c.Web.Port))
	}
	if c.WhatsApp.MaxAttempts <= 0 {
		errs = append(errs, errors.New("whatsapp.max_attempts must be > 0"))
	}
	if c.WhatsApp.ReconnectBase <= 0 || c.WhatsApp.ReconnectMax < c.WhatsApp.ReconnectBase {
		errs = append(errs, errors.New("whatsapp.reconnect_base must be > 0 and <= reconnect_max"))
	}
	if c.Dispatch.MaxRetries < 0 {
		errs = append(errs, errors.New("dispatch.max_retries must be >= 0"))
	}
	if c.Dispatch.RatePerMinute <= 0 {
		errs = append(errs, errors.New("dispatch.rate_per_minute must be > 0"))
	}
	if c.Relay.Buffer <= 0 {
		errs = append(errs, errors.New("relay.buffer must be > 0"))
	}
	return errors.Join(errs...)
}

type envSetter func(cfg *AppConfig, v string) error

func str(fn func(*AppConfig) *string) envSetter {
	return func(cfg *AppConfig, v string) error {
		*fn(cfg) = v
		return nil
	}
}

func integer(fn func(*AppConfig) *int) envSetter {
	return func(cfg *AppConfig, v string) error {
		i, err := cast.ToIntE(v)
		if err != nil {
			return err
		}
		*fn(cfg) = i
		return nil
	}
}

func boolean(fn func(*AppConfig) *bool) envSetter {
	return func(cfg *AppConfig, v string) error {
		b, err := cast.ToBoolE(v)
		if err != nil {
			return err
		}
		*fn(cfg) = b
		return nil
	}
}

func duration(fn func(*AppConfig) *time.Duration) envSetter {
	return func(cfg *AppConfig, v string) error {
		d, err := cast.ToDurationE(v)
		if err != nil {
			return err
		}
		*fn(cfg) = d
		return nil
	}
}

var envSetters = map[string]envSetter{
	"SYSTEM_LOCATION": str(func(c *AppConfig) *string { return &c.System.Location }),
	"SYSTEM_WORKDIR":  str(func(c *AppConfig) *string { return &c.System.Workdir }),
	"SYSTEM_DEBUG":    boolean(func(c *AppConfig) *bool { return &c.System.Debug }),

	"WEB_HOST": str(func(c *AppConfig) *string { return &c.Web.Host }),
	"WEB_PORT": integer(func(c *AppConfig) *int { return &c.Web.Port }),
	"WEB_CORS_ORIGINS": func(c *AppConfig, v string) error {
		c.Web.CorsOrigins = strings.Split(v, ",")
		return nil
	},

	"DB_TYPE":  str(func(c *AppConfig) *string { return &c.Database.Type }),
	"DB_HOST":  str(func(c *AppConfig) *string { return &c.Database.Host }),
	"DB_PORT":  integer(func(c *AppConfig) *int { return &c.Database.Port }),
	"DB_NAME":  str(func(c *AppConfig) *string { return &c.Database.Name }),
	"DB_USER":  str(func(c *AppConfig) *string { return &c.Database.User }),
	"DB_PWD":   str(func(c *AppConfig) *string { return &c.Database.Passwd }),
	"DB_DEBUG": boolean(func(c *AppConfig) *bool { return &c.Database.Debug }),

	"LOGGER_MODE":        str(func(c *AppConfig) *string { return &c.Logger.Mode }),
	"LOGGER_FILE_ENABLE": boolean(func(c *AppConfig) *bool { return &c.Logger.FileEnable }),
	"LOGGER_FILENAME":    str(func(c *AppConfig) *string { return &c.Logger.Filename }),

	"WA_RECONNECT_BASE":  duration(func(c *AppConfig) *time.Duration { return &c.WhatsApp.ReconnectBase }),
	"WA_RECONNECT_MAX":   duration(func(c *AppConfig) *time.Duration { return &c.WhatsApp.ReconnectMax }),
	"WA_MAX_ATTEMPTS":    integer(func(c *AppConfig) *int { return &c.WhatsApp.MaxAttempts }),
	"WA_QR_TIMEOUT":      duration(func(c *AppConfig) *time.Duration { return &c.WhatsApp.QRTimeout }),
	"WA_IDLE_EXPIRY":     duration(func(c *AppConfig) *time.Duration { return &c.WhatsApp.IdleExpiry }),
	"WA_EVENT_RETENTION": duration(func(c *AppConfig) *time.Duration { return &c.WhatsApp.EventRetention }),
	"WA_STORE_DIALECT":   str(func(c *AppConfig) *string { return &c.WhatsApp.StoreDialect }),
	"WA_STORE_DSN":       str(func(c *AppConfig) *string { return &c.WhatsApp.StoreDSN }),
	"WA_AUTO_REPLY":      str(func(c *AppConfig) *string { return &c.WhatsApp.AutoReply }),

	"DISPATCH_MAX_RETRIES":     integer(func(c *AppConfig) *int { return &c.Dispatch.MaxRetries }),
	"DISPATCH_SEND_TIMEOUT":    duration(func(c *AppConfig) *time.Duration { return &c.Dispatch.SendTimeout }),
	"DISPATCH_RATE_PER_MINUTE": integer(func(c *AppConfig) *int { return &c.Dispatch.RatePerMinute }),
	"DISPATCH_RATE_BURST":      integer(func(c *AppConfig) *int { return &c.Dispatch.RateBurst }),

	"RELAY_BUFFER": integer(func(c *AppConfig) *int { return &c.Relay.Buffer }),

	"BROADCAST_POOL_SIZE": integer(func(c *AppConfig) *int { return &c.Broadcast.PoolSize }),
	"BROADCAST_SCHEDULE":  str(func(c *AppConfig) *string { return &c.Broadcast.Schedule }),

	"REDIS_ENABLED":  boolean(func(c *AppConfig) *bool { return &c.Redis.Enabled }),
	"REDIS_ADDR":     str(func(c *AppConfig) *string { return &c.Redis.Addr }),
	"REDIS_PASSWORD": str(func(c *AppConfig) *string { return &c.Redis.Password }),
	"REDIS_DB":       integer(func(c *AppConfig) *int { return &c.Redis.DB }),
	"REDIS_TTL":      duration(func(c *AppConfig) *time.Duration { return &c.Redis.TTL }),
}

func applyEnv(cfg *AppConfig) error {
	var errs []error
	for key, set := range envSetters {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok || v == "" {
			continue
		}
		if err := set(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		}
	}
	return errors.Join(errs...)
}
