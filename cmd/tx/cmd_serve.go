package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tx/internal/anchor"
	"tx/internal/httpapi"
	"tx/internal/logging"
	"tx/internal/run"
)

var (
	serveAddr      string
	serveNoReaper  bool
	serveNoWatcher bool
)

// serveCmd runs the HTTP daemon with the background loops.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tx daemon (HTTP API, reaper, anchor maintenance)",
	Long: `Starts the HTTP API and the background loops:
  - stalled-run reaper (SIGTERM, then SIGKILL after the grace window)
  - dead-worker sweep releasing orphaned claims
  - periodic anchor re-verification and fsnotify-driven checks

Writes .tx/daemon.pid and .tx/daemon.started; the pid file is removed on
clean shutdown.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address override")
	serveCmd.Flags().BoolVar(&serveNoReaper, "no-reaper", false, "disable the stalled-run reaper loop")
	serveCmd.Flags().BoolVar(&serveNoWatcher, "no-watcher", false, "disable the anchor file watcher")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	if serveAddr != "" {
		a.cfg.Server.ListenAddr = serveAddr
	}

	if err := writeDaemonFiles(a); err != nil {
		return err
	}
	defer func() { _ = os.Remove(a.cfg.PIDFilePath()) }()

	srv := httpapi.NewServer(*a.cfg, httpapi.Services{
		Store:     a.store,
		Engine:    a.engine,
		Scheduler: a.scheduler,
		Registry:  a.registry,
		Runs:      a.runs,
		Reaper:    a.reaper,
		Learnings: a.learnings,
		Feedback:  a.feedback,
		Context:   a.assembler,
		Anchors:   a.anchors,
	}, logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if !serveNoReaper {
		go a.reaper.Run(ctx, run.ReapOptions{ResetTask: true})
		go workerSweep(ctx, a)
	}
	go anchorSweep(ctx, a)

	var watcher *anchor.Watcher
	if !serveNoWatcher {
		watcher, err = anchor.NewWatcher(a.anchors)
		if err != nil {
			logger.Warn("anchor watcher unavailable", zap.Error(err))
		} else {
			go watcher.Run(ctx)
			defer watcher.Close()
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// writeDaemonFiles records the daemon pid and start time under the state
// directory.
func writeDaemonFiles(a *app) error {
	pid := os.Getpid()
	if err := os.WriteFile(a.cfg.PIDFilePath(), []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	started := time.Now().UTC().Format(time.RFC3339)
	if err := os.WriteFile(a.cfg.StartedFilePath(), []byte(started), 0644); err != nil {
		return fmt.Errorf("failed to write started file: %w", err)
	}
	logging.Get(logging.CategoryBoot).Info("Daemon pid %d started at %s", pid, started)
	return nil
}

// workerSweep periodically marks lagging workers dead and frees their
// claims.
func workerSweep(ctx context.Context, a *app) {
	interval := a.cfg.Pool.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			dead, freed, err := a.registry.ReapDead(now)
			if err != nil {
				logger.Warn("worker sweep failed", zap.Error(err))
				continue
			}
			if len(dead) > 0 {
				logger.Info("reaped dead workers", zap.Int("workers", len(dead)), zap.Int("freedTasks", len(freed)))
			}
		}
	}
}

// anchorSweep re-verifies stale anchors on a fraction of the TTL so each
// anchor is rechecked before it goes two TTLs without a verdict.
func anchorSweep(ctx context.Context, a *app) {
	interval := a.cfg.Anchors.VerifyTTL / 2
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.anchors.VerifyStale(200); err != nil {
				logger.Warn("anchor sweep failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("re-verified stale anchors", zap.Int("count", n))
			}
			if pruned, err := a.anchors.Prune(time.Now()); err == nil && pruned > 0 {
				logger.Info("pruned invalid anchors", zap.Int64("count", pruned))
			}
		}
	}
}
