//go:build windows

package server

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

// handleSignals sets up signal handlers for Windows. There is no SIGUSR1, so
// settings are never saved by signal here.
func handleSignals(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, _ func() error) {
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt)
	go func() {
		defer signal.Stop(shutdownCh)
		select {
		case sig := <-shutdownCh:
			shutdown(sig, logger, cancel)
		case <-ctx.Done():
		}
	}()
}
