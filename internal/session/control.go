package session

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// WatchControlSignal arranges for SIGUSR1 to call Manager.RequestDrop.
// os/signal only ever delivers to this one goroutine, so session-handler
// goroutines never need to mask the signal themselves the way a per-thread
// signal mask would. Returns a stop function to release the signal
// notification.
func (m *Manager) WatchControlSignal(ctx context.Context, logger *zap.Logger) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("session: SIGUSR1 received, requesting session drop")
				m.RequestDrop()
			}
		}
	}()

	return func() { signal.Stop(sigCh) }
}
