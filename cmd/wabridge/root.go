package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/talkincode/wabridge/config"
)

var (
	configFile string
	version    = "dev"
	commit     = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "wabridge",
	Short: "Multi-session WhatsApp Web bridge",
	Long: `wabridge pairs WhatsApp accounts as linked devices, keeps their sessions
alive and exposes them over an HTTP API with a websocket event stream.

Running without a subcommand is the same as "wabridge serve".`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "wabridge.yml", "configuration file (YAML); WABRIDGE_* variables override it")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.AddCommand(serveCmd, migrateCmd, pairCmd)
}

func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configFile, err)
	}
	return cfg, nil
}
