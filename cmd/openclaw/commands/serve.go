package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/openclaw/pkg/openclaw/app"
)

// shutdownGrace bounds graceful shutdown before forcing exit.
const shutdownGrace = 10 * time.Second

// newServeCmd creates the `openclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway daemon",
		Long: `Start OpenClaw as a daemon: connect enabled channel adapters, arm
the scheduler, and serve the WebSocket RPC surface.

Examples:
  openclaw serve
  openclaw serve --config ./openclaw.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	gw, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	logger.Info("OpenClaw running. Press Ctrl+C to stop.",
		"agent", cfg.DefaultAgent,
		"gateway", cfg.Gateway.Enabled,
		"scheduler", cfg.Scheduler.Enabled,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")
	cancel()

	done := make(chan struct{})
	go func() {
		gw.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownGrace):
		logger.Warn("shutdown timed out, forcing exit", "grace", shutdownGrace)
	}
	return nil
}
