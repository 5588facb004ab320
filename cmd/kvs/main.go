// Command kvs is the job-only CLI mode: kvs <jobs_dir> <max_backups>
// <max_threads>. It discovers every *.job file in jobs_dir, runs each
// through the job runner on a bounded worker pool, and exits 0 once every
// job has drained or 1 on a fatal initialization error.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"kvsd/internal/backup"
	"kvsd/internal/config"
	"kvsd/internal/discover"
	"kvsd/internal/jobrunner"
	"kvsd/internal/logging"
	"kvsd/internal/metrics"
	"kvsd/internal/notify"
	"kvsd/internal/store"
	"kvsd/internal/subscriptions"
	"kvsd/internal/worker"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "kvs:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: kvs <jobs_dir> <max_backups> <max_threads>")
	}
	jobsDir := args[0]
	maxBackups, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("max_backups: %w", err)
	}
	maxThreads, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("max_threads: %w", err)
	}

	undo, err := maxprocs.Set()
	if err != nil {
		return fmt.Errorf("automaxprocs: %w", err)
	}
	defer undo()

	cfg, err := config.Load(pflag.NewFlagSet("kvs", pflag.ContinueOnError))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	metricsReg := metrics.NewRegistry()
	st := store.New()
	registry := subscriptions.New()
	fanout := notify.New(registry, logger, metricsReg)
	backupEngine := backup.New(st, maxBackups, logger, metricsReg)

	jobs, err := discover.Walk(jobsDir)
	if err != nil {
		return fmt.Errorf("discover jobs: %w", err)
	}
	logger.Info("kvs: discovered jobs", zap.Int("count", len(jobs)), zap.String("dir", jobsDir))

	pool := worker.New(maxThreads, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	for _, job := range jobs {
		job := job
		if err := pool.Submit(ctx, func() {
			runOne(st, registry, fanout, backupEngine, metricsReg, logger, job)
		}); err != nil {
			logger.Error("kvs: submit failed", zap.String("job", job.InPath), zap.Error(err))
		}
	}

	pool.Close()
	pool.Wait()
	return nil
}

func runOne(st *store.Store, registry *subscriptions.Registry, fanout *notify.Fanout, backupEngine *backup.Engine, metricsReg *metrics.Registry, logger *zap.Logger, job discover.Job) {
	in, err := os.Open(job.InPath)
	if err != nil {
		logger.Error("kvs: open job file", zap.String("path", job.InPath), zap.Error(err))
		metricsReg.JobFailed()
		return
	}
	defer in.Close()

	out, err := os.Create(job.OutPath)
	if err != nil {
		logger.Error("kvs: create output file", zap.String("path", job.OutPath), zap.Error(err))
		metricsReg.JobFailed()
		return
	}
	defer out.Close()

	r := &jobrunner.Runner{
		Store:    st,
		Backup:   backupEngine,
		Notify:   fanout,
		Registry: registry,
		Logger:   logger,
		Metrics:  metricsReg,
		Sleep:    sleepMillis,
	}

	dir := filepath.Dir(job.InPath)
	backupPath := func(n int) string {
		return filepath.Join(dir, fmt.Sprintf("%s-%d.bck", job.Basename, n))
	}

	if err := r.Run(in, out, job.Basename, backupPath); err != nil {
		logger.Error("kvs: job failed", zap.String("path", job.InPath), zap.Error(err))
		metricsReg.JobFailed()
		return
	}
	metricsReg.JobProcessed()
}

func sleepMillis(ms uint64) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}
