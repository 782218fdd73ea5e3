package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/talkincode/wabridge/internal/adminapi"
	"github.com/talkincode/wabridge/internal/app"
	"github.com/talkincode/wabridge/internal/webserver"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and every stored session",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		return err
	}
	defer application.Release()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := webserver.NewAdminServer(cfg)
	adminapi.Init(srv, application.APIDeps())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	g.Go(func() error {
		application.StartBackgroundJobs(ctx)
		<-ctx.Done()
		return nil
	})

	zap.L().Info("wabridge started", zap.String("version", version), zap.String("workdir", cfg.System.Workdir))
	err = g.Wait()
	zap.L().Info("wabridge stopping")
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
