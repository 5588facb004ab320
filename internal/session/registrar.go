package session

import (
	"context"
	"io"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kvsd/internal/wire"
)

// Registrar is the registration-endpoint reader: the PC Buffer's producer.
// It reads 121-byte CONNECT frames off the well-known register pipe, rate
// limits acceptance (an unbounded client population could otherwise flood
// the PC Buffer faster than the session-handler pool drains it), and between
// reads gives the control signal handler a chance to run.
type Registrar struct {
	manager *Manager
	logger  *zap.Logger
	limiter *rate.Limiter
}

// NewRegistrar constructs a Registrar. ratePerSec/burst configure the token
// bucket bounding CONNECT acceptance.
func NewRegistrar(manager *Manager, logger *zap.Logger, ratePerSec float64, burst int) *Registrar {
	return &Registrar{
		manager: manager,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

// Serve reads CONNECT frames from r until ctx is cancelled or r returns EOF.
// Between every frame it calls Manager.DropFlagged so a pending control
// signal is serviced promptly.
func (rg *Registrar) Serve(ctx context.Context, r io.Reader) error {
	buf := make([]byte, wire.ConnectSize)
	for {
		rg.manager.DropFlagged()

		if err := rg.limiter.Wait(ctx); err != nil {
			return err
		}

		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		msg, ok := wire.DecodeConnect(buf)
		if !ok {
			rg.logger.Warn("session: malformed CONNECT frame, dropped")
			continue
		}

		reg := Registration{
			RequestPipe:      msg.RequestPipe,
			ResponsePipe:     msg.ResponsePipe,
			NotificationPipe: msg.NotificationPipe,
		}
		if err := rg.manager.Enqueue(ctx, reg); err != nil {
			return err
		}
	}
}
