package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crosscloudio/client/cli"
	"github.com/crosscloudio/client/config"
	"github.com/crosscloudio/client/daemon"
	"github.com/crosscloudio/client/logger"
	"github.com/crosscloudio/client/paths"
	"github.com/crosscloudio/client/report"
)

// errEngineFailed makes the process exit non-zero after a fatal engine
// failure has been reported.
var errEngineFailed = errors.New("sync engine failed")

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the sync engine and keep it running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runShell(ctx, cfg)
		},
	}
}

// resolveEngine returns the engine executable for cfg, relative to the
// running binary.
func resolveEngine(cfg *config.Config) (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return cfg.ResolveExecutable(exe)
}

// daemonConfig maps the user configuration onto the supervisor's.
func daemonConfig(cfg *config.Config, engine string) daemon.Config {
	return daemon.Config{
		Executable:         engine,
		Args:               cfg.Daemon.Args,
		Threads:            cfg.Daemon.Threads,
		Env:                cfg.EnvList(),
		PingInterval:       cfg.Daemon.PingInterval.Duration,
		PingTimeout:        cfg.Daemon.PingTimeout.Duration,
		KillGrace:          cfg.Daemon.KillGrace.Duration,
		MaxRestartTries:    cfg.Daemon.MaxRestartTries,
		RestartBaseDelay:   cfg.Daemon.RestartBaseDelay.Duration,
		FatalStderrMarkers: []string{daemon.LockTimeoutMarker},
	}
}

func runShell(ctx context.Context, cfg *config.Config) error {
	log := logger.WithComponent("shell")

	engine, err := resolveEngine(cfg)
	if err != nil {
		return err
	}
	if err := cli.ValidateRequired(cli.DefaultPrerequisites(engine)); err != nil {
		return err
	}
	installID, err := cfg.ResolveInstallID()
	if err != nil {
		log.Warn("failed to resolve install id", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := &host{
		version:   version,
		installID: installID,
		log:       log,
		out:       os.Stderr,
		quit:      cancel,
	}
	sup := daemon.New(daemonConfig(cfg, engine), daemon.Callbacks{
		OnStarted: func(pid int) {
			log.Info("engine started", "pid", pid, "executable", engine)
		},
		OnRestartAttempt: func(attempt int, delay time.Duration) {
			log.Warn("engine restart scheduled", "attempt", attempt, "delay", delay)
		},
	}, logger.WithComponent("daemon"))
	h.register(sup)

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		sup.Stop()
		return sup.Wait()
	case <-sup.Done():
	}

	err = sup.Wait()
	r := sup.Report()
	if !errors.Is(err, daemon.ErrFatal) || r == nil {
		return err
	}
	reportFatal(*r, installID, h)

	// Leave the notification on screen before exiting.
	select {
	case <-time.After(cfg.NotifyWindow.Duration):
	case <-ctx.Done():
	}
	return errEngineFailed
}

func reportFatal(r daemon.Report, installID string, h *host) {
	h.notify(fatalNotification(r))

	dir, err := paths.ReportsDir()
	if err != nil {
		h.log.Error("failed to resolve reports dir", "error", err)
		return
	}
	path, err := report.Write(dir, r, report.Info{AppVersion: version, InstallID: installID})
	if err != nil {
		h.log.Error("failed to write diagnostic report", "error", err)
		return
	}
	h.log.Info("diagnostic report written", "path", path)
	if err := report.Prune(dir, report.DefaultKeep); err != nil {
		h.log.Warn("failed to prune reports", "error", err)
	}
}
