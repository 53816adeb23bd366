package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const defaultShutdownTimeout = 30 * time.Second

// ErrShutdownTimeout is returned when the engine does not stop in time after
// a shutdown signal.
var ErrShutdownTimeout = errors.New("engine did not stop before the shutdown timeout")

// RunWithGracefulShutdown runs the engine and stops it on SIGTERM or SIGINT.
// After a signal it waits up to timeout for the run to unwind.
func RunWithGracefulShutdown(ctx context.Context, engine *Engine, timeout time.Duration) error {
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig, "query", engine.QueryID())
		engine.Stop()

		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case err := <-errCh:
			return err
		case <-t.C:
			slog.Warn("shutdown timeout expired", "timeout", timeout)
			return ErrShutdownTimeout
		}

	case err := <-errCh:
		return err
	}
}
