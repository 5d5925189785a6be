package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crosscloudio/client/logger"
	"github.com/crosscloudio/client/overlay"
	"github.com/crosscloudio/client/paths"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep badges for the sync root in step with the engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runExtension(ctx)
		},
	}
}

func openCache() (overlay.Cache, error) {
	if !cfg.Extension.PersistStatus {
		return overlay.NewMemoryCache(), nil
	}
	path, err := paths.StatusCachePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	cache, err := overlay.OpenBoltCache(path)
	if err != nil {
		return nil, err
	}
	return cache, nil
}

func runExtension(ctx context.Context) error {
	log := logger.WithComponent("overlay")

	cache, err := openCache()
	if err != nil {
		return fmt.Errorf("failed to open status cache: %w", err)
	}
	defer cache.Close()

	watcher, err := overlay.NewWatcher(log)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	client := newClient()
	defer client.Close()

	poller := overlay.NewPoller(client, watcher, cache, overlay.Config{
		RootInterval:   cfg.Extension.RootInterval.Duration,
		StatusInterval: cfg.Extension.StatusInterval.Duration,
	}, log)
	watcher.OnChange = func(path string) {
		poller.RequestBadge(ctx, path)
	}

	log.Info("extension started", "socket", socketPath, "persistStatus", cfg.Extension.PersistStatus)
	go watcher.Run(ctx)
	poller.Start(ctx)

	<-ctx.Done()
	poller.Stop()
	log.Info("extension stopped")
	return nil
}
