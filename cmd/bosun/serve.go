package main

import (
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Bosun/internal/api"
	"github.com/CZERTAINLY/Bosun/internal/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the HTTP and WebSocket API",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("bosun",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	if !config.Service.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := newApp(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.close(ctx)
	}()

	server := api.New(config.Server, a.launcher, a.broadcaster).
		WithMetrics(a.metrics, a.gatherer).
		WithHealthCheck(a.store.Ping)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx)
	})
	g.Go(func() error {
		return a.launcher.Start(ctx)
	})
	err = g.Wait()
	slog.InfoContext(ctx, "bosun stopped", "error", err)
	return err
}
