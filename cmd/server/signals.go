package server

import (
	"context"
	"log/slog"
	"os"
)

// shutdown logs the signal and cancels the server context. runServer stops
// the HTTP server, closes the controller and removes the PID file on its way
// out.
func shutdown(sig os.Signal, logger *slog.Logger, cancel context.CancelFunc) {
	logger.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)
	cancel()
}
