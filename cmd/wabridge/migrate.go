package main

import (
	"github.com/spf13/cobra"
	"github.com/talkincode/wabridge/internal/app"
	"go.uber.org/zap"
)

var (
	migrateTrack bool
	migrateReset bool
	migrateDrop  bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the bridge tables and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		application := app.NewApplication(cfg)
		defer application.Release()
		if err := application.InitStorage(cfg); err != nil {
			return err
		}
		if migrateDrop {
			zap.L().Warn("dropping all bridge tables")
			return application.DropAll()
		}
		if migrateReset {
			zap.L().Warn("dropping all bridge tables")
			application.InitDb()
			return nil
		}
		return application.MigrateDB(migrateTrack)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateTrack, "track", false, "log every migration statement")
	migrateCmd.Flags().BoolVar(&migrateReset, "reset", false, "drop and recreate the bridge tables (destroys data)")
	migrateCmd.Flags().BoolVar(&migrateDrop, "drop", false, "drop the bridge tables without recreating them (destroys data)")
	migrateCmd.MarkFlagsMutuallyExclusive("drop", "reset")
}
