package whatsapp

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

// StoreConfig selects where linked device credentials live.
type StoreConfig struct {
	// Dialect and DSN open a dedicated database: "postgres" through pgx or
	// "sqlite" through the pure Go driver. An empty DSN shares the
	// application database.
	Dialect string
	DSN     string
}

// OpenDeviceStore opens and upgrades the whatsmeow credential store.
// dbType is the application database type and is only used when sharing it.
func OpenDeviceStore(ctx context.Context, cfg StoreConfig, shared *gorm.DB, dbType string, log waLog.Logger) (*sqlstore.Container, error) {
	if strings.TrimSpace(cfg.DSN) != "" {
		dialect := "sqlite"
		dsn := cfg.DSN
		switch strings.ToLower(strings.TrimSpace(cfg.Dialect)) {
		case "postgres", "postgresql", "pgx":
			dialect = "pgx"
		default:
			if !strings.Contains(dsn, "foreign_keys") {
				sep := "?"
				if strings.Contains(dsn, "?") {
					sep = "&"
				}
				dsn += sep + "_pragma=foreign_keys(1)"
			}
		}
		container, err := sqlstore.New(ctx, dialect, dsn, log)
		if err != nil {
			return nil, fmt.Errorf("open device store (%s): %w", dialect, err)
		}
		zap.L().Info("whatsapp: device store opened", zap.String("dialect", dialect))
		return container, nil
	}

	// Share the application's connection so device tables sit next to ours.
	sqlDB, err := shared.DB()
	if err != nil {
		return nil, fmt.Errorf("obtain sql.DB from gorm: %w", err)
	}
	var dialect string
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "postgresql":
		dialect = "postgres"
	case "sqlite", "sqlite3":
		dialect = "sqlite3"
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("whatsapp: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	default:
		return nil, fmt.Errorf("database type %q cannot hold whatsmeow devices, set whatsapp.store_dsn", dbType)
	}
	container := sqlstore.NewWithDB(sqlDB, dialect, log)
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrade device store: %w", err)
	}
	zap.L().Info("whatsapp: device store shares application database", zap.String("dialect", dialect))
	return container, nil
}
