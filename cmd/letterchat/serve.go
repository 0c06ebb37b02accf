package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/NERVsystems/letterchat/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with streamed replies",
	Long: `Serve the letterchat HTTP API. Replies are streamed as server-sent events
with separate "visible" and "letter" events. Stops gracefully on SIGINT or
SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Prompt.Watch && cfg.Prompt.Path != "" {
		go func() {
			if err := a.prompts.Watch(ctx, cfg.Prompt.Path, logger); err != nil {
				logger.Error("Prompt watcher stopped", zap.Error(err))
			}
		}()
	}

	srv := server.New(a.orch, server.Options{
		RateLimit: cfg.Server.RateLimit,
		Burst:     cfg.Server.Burst,
	}, logger)
	return srv.ListenAndServe(ctx, cfg.Server.Addr, cfg.GetShutdownTimeout())
}
