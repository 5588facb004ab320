// Package backup implements the backup engine: an eager in-memory snapshot
// (copy the bucket heads and key/value pairs under the table read lock, then
// serialize without the lock). store.Snapshot() takes the table read lock
// just long enough to copy, then the write to disk happens without holding
// any store lock at all, so writers are only briefly blocked during the
// copy, never for the duration of the I/O.
package backup

import (
	"context"
	"fmt"
	"strings"

	natomic "github.com/natefinch/atomic"
	"go.uber.org/zap"

	"kvsd/internal/store"
)

// Metrics is the narrow slice of the metrics registry the backup engine
// needs.
type Metrics interface {
	BackupStarted()
	BackupFinished()
}

// Engine bounds the number of in-flight backups to MaxBackups.
type Engine struct {
	store   *store.Store
	slots   chan struct{}
	logger  *zap.Logger
	metrics Metrics
}

// New constructs an Engine with the given concurrency budget (MAX_BACKUPS).
func New(s *store.Store, maxBackups int, logger *zap.Logger, metrics Metrics) *Engine {
	if maxBackups <= 0 {
		maxBackups = 1
	}
	return &Engine{
		store:   s,
		slots:   make(chan struct{}, maxBackups),
		logger:  logger,
		metrics: metrics,
	}
}

// Acquire blocks until a backup slot is available. The caller (the job
// runner) acquires one slot per BACKUP command before issuing the backup;
// if all slots are taken it blocks until one in-flight backup completes.
func (e *Engine) Acquire(ctx context.Context) error {
	select {
	case e.slots <- struct{}{}:
		if e.metrics != nil {
			e.metrics.BackupStarted()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the slot acquired by Acquire.
func (e *Engine) Release() {
	if e.metrics != nil {
		e.metrics.BackupFinished()
	}
	<-e.slots
}

// Backup writes a point-in-time snapshot of the store to destPath in the
// same "(k, v)\n" format and bucket-then-list order as SHOW -- Snapshot
// already walks the store in that order, so Backup must not re-sort it.
// The caller must already hold a slot (see Acquire/Release); Backup itself
// only performs the snapshot and the write.
func (e *Engine) Backup(destPath string) error {
	pairs := e.store.Snapshot()

	var b strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&b, "(%s, %s)\n", p.Key, p.Value)
	}

	// natefinch/atomic writes to a temp file in the same directory and
	// renames into place, so a concurrent reader of destPath (an operator
	// tailing backups, or a second identical BACKUP) never observes a
	// partial file.
	if err := natomic.WriteFile(destPath, strings.NewReader(b.String())); err != nil {
		e.logger.Error("backup: write failed", zap.String("path", destPath), zap.Error(err))
		return fmt.Errorf("backup %s: %w", destPath, err)
	}
	return nil
}
