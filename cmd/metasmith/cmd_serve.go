package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antigravity-dev/metasmith/internal/config"
	"github.com/antigravity-dev/metasmith/internal/lock"
	"github.com/antigravity-dev/metasmith/internal/relay"
	"github.com/antigravity-dev/metasmith/internal/status"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server and its status HTTP surface",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "metasmith.toml", "path to the TOML config file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("serve: loading config: %w", err)
	}

	if err := os.MkdirAll(cfg.Relay.IODir, 0755); err != nil {
		return fmt.Errorf("serve: preparing relay io dir: %w", err)
	}

	lockPath := filepath.Join(cfg.Relay.IODir, "metasmith.lock")
	lf, err := lock.Acquire(lockPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer lock.Release(lf)

	rs, err := relay.NewServer(cfg.Relay.IODir)
	if err != nil {
		return fmt.Errorf("serve: starting relay: %w", err)
	}
	defer rs.Dispose()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go rs.RunReaper(ctx, cfg.Relay.ReaperInterval.Duration, cfg.Relay.StaleAfter.Duration)

	if cfg.Status.Enabled {
		statusSrv := status.NewServer(cfg.Status.BindAddr, rs, logger.With("component", "status"))
		go func() {
			if err := statusSrv.Start(ctx); err != nil {
				logger.Error("status server error", "error", err)
			}
		}()
		logger.Info("status server listening", "bind", cfg.Status.BindAddr)
	}

	logger.Info("relay server listening", "io_dir", cfg.Relay.IODir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("serve: received signal, shutting down")
	case <-rs.Done():
		logger.Info("serve: shutdown requested over relay, shutting down")
	}
	cancel()
	return nil
}
