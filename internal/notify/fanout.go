// Package notify implements the change-notification fan-out: on WRITE/DELETE
// of a key it resolves subscribers from the registry and pushes framed
// key+value (or DELETED) messages to each subscriber's notification sink,
// tearing down any sink whose write fails.
package notify

import (
	"go.uber.org/zap"

	"kvsd/internal/subscriptions"
	"kvsd/internal/wire"
)

// Sink is the write side of a session's notification stream plus a hook the
// fan-out calls when a write to it fails, so the owning session can be torn
// down.
type Sink interface {
	subscriptions.Sink
	WriteNotification(keyFrame, payloadFrame [wire.FrameSize]byte) error
	Broken()
}

// Metrics is the narrow slice of the metrics registry the fan-out needs,
// kept as an interface so notify has no import-time dependency on the
// concrete prometheus registry.
type Metrics interface {
	NotificationDelivered()
	NotificationFailed()
}

// Fanout resolves subscribers from registry and delivers change
// notifications to their sinks.
type Fanout struct {
	registry *subscriptions.Registry
	logger   *zap.Logger
	metrics  Metrics
}

// New constructs a Fanout bound to registry.
func New(registry *subscriptions.Registry, logger *zap.Logger, metrics Metrics) *Fanout {
	return &Fanout{registry: registry, logger: logger, metrics: metrics}
}

// Written fans out a non-deleting notification for (key, value): called
// after a committed WRITE.
func (f *Fanout) Written(key, value string) {
	f.deliver(key, value, false)
}

// Deleted fans out a DELETED notification for key: called after a committed
// DELETE, before the subscriber list for that key is itself dropped via
// Registry.RemoveKey.
func (f *Fanout) Deleted(key string) {
	f.deliver(key, "", true)
}

// deliver takes one Registry.Find snapshot, then performs a blocking write
// per sink outside the registry mutex.
func (f *Fanout) deliver(key, value string, deleted bool) {
	sinks := f.registry.Find(key)
	if len(sinks) == 0 {
		return
	}

	keyFrame, payloadFrame, err := wire.NotificationPair(key, value, deleted)
	if err != nil {
		f.logger.Error("notify: frame encode failed", zap.String("key", key), zap.Error(err))
		return
	}

	for _, s := range sinks {
		sink, ok := s.(Sink)
		if !ok {
			continue
		}
		if err := sink.WriteNotification(keyFrame, payloadFrame); err != nil {
			f.logger.Debug("notify: sink write failed, tearing down session",
				zap.String("key", key), zap.Error(err))
			if f.metrics != nil {
				f.metrics.NotificationFailed()
			}
			sink.Broken()
			continue
		}
		if f.metrics != nil {
			f.metrics.NotificationDelivered()
		}
	}
}
