//go:build unix

package server

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// handleSignals sets up signal handlers for:
// - SIGTERM, SIGINT, SIGHUP: stop the server
// - SIGUSR1: write the effective settings to the settings file without exiting
func handleSignals(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, saveSettings func() error) {
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		defer signal.Stop(shutdownCh)
		select {
		case sig := <-shutdownCh:
			shutdown(sig, logger, cancel)
		case <-ctx.Done():
		}
	}()

	saveOnlyCh := make(chan os.Signal, 1)
	signal.Notify(saveOnlyCh, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(saveOnlyCh)
		for {
			select {
			case <-saveOnlyCh:
				logger.Info("Received SIGUSR1, saving settings")
				if err := saveSettings(); err != nil {
					logger.Error("Failed to save settings on SIGUSR1", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
