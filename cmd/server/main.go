// Command server is the server CLI mode: server <jobs_dir> <max_threads>
// <max_backups> <register_pipe_path>. It runs the job worker pool exactly
// like cmd/kvs alongside the session subsystem (registration reader, session
// handler pool, control signal watch) and the admin HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"kvsd/internal/adminapi"
	"kvsd/internal/backup"
	"kvsd/internal/config"
	"kvsd/internal/discover"
	"kvsd/internal/jobrunner"
	"kvsd/internal/logging"
	"kvsd/internal/metrics"
	"kvsd/internal/notify"
	"kvsd/internal/session"
	"kvsd/internal/store"
	"kvsd/internal/subscriptions"
	"kvsd/internal/worker"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("usage: server <jobs_dir> <max_threads> <max_backups> <register_pipe_path>")
	}
	jobsDir := args[0]
	maxThreads, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("max_threads: %w", err)
	}
	maxBackups, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("max_backups: %w", err)
	}
	registerPipePath := args[3]

	undo, err := maxprocs.Set()
	if err != nil {
		return fmt.Errorf("automaxprocs: %w", err)
	}
	defer undo()

	cfg, err := config.Load(pflag.NewFlagSet("server", pflag.ContinueOnError))
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionManager := session.NewManager(st, registry, fanout, logger, metricsReg,
		cfg.Limits.MaxSessions, cfg.Limits.MaxSessions, cfg.Limits.MaxSubs)
	stopSignalWatch := sessionManager.WatchControlSignal(ctx, logger)
	defer stopSignalWatch()

	go sessionManager.RunHandlers(ctx, cfg.Limits.MaxSessions)

	if err := unix.Mkfifo(registerPipePath, 0666); err != nil && !errors.Is(err, os.ErrExist) && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("mkfifo register pipe: %w", err)
	}

	var adminSrv *adminapi.Server
	var adminBroadcaster jobrunner.AdminBroadcaster
	if cfg.Admin.Enabled {
		sampler := metrics.NewSystemSampler()
		tokens := adminapi.NewTokenManager(cfg.Admin.JWTSecret, 24*time.Hour)
		adminSrv = adminapi.NewServer(cfg.Admin.ListenAddr, logger, metricsReg, tokens, sessionManager, sampler)
		if err := adminSrv.Start(); err != nil {
			return fmt.Errorf("start admin api: %w", err)
		}
		defer func() {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			adminSrv.Stop(shutCtx)
		}()
		adminBroadcaster = adminSrv
	}

	pool := worker.New(maxThreads, logger)
	pool.Start(ctx)
	startJobLoop(ctx, pool, jobsDir, st, registry, fanout, backupEngine, adminBroadcaster, metricsReg, logger)

	logger.Info("server: registration endpoint ready", zap.String("path", registerPipePath))

	registerPipe, err := os.OpenFile(registerPipePath, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open register pipe: %w", err)
	}
	defer registerPipe.Close()

	registrar := session.NewRegistrar(sessionManager, logger,
		cfg.Session.RegisterRateLimitPerSec, cfg.Session.RegisterBurst)
	return registrar.Serve(ctx, registerPipe)
}

// startJobLoop launches a goroutine discovering and submitting every .job
// file once, mirroring cmd/kvs's behavior inside the long-running server
// process.
func startJobLoop(ctx context.Context, pool *worker.Pool, jobsDir string, st *store.Store, registry *subscriptions.Registry, fanout *notify.Fanout, backupEngine *backup.Engine, admin jobrunner.AdminBroadcaster, metricsReg *metrics.Registry, logger *zap.Logger) {
	jobs, err := discover.Walk(jobsDir)
	if err != nil {
		logger.Error("server: discover jobs", zap.Error(err))
		return
	}
	logger.Info("server: discovered jobs", zap.Int("count", len(jobs)))

	go func() {
		for _, job := range jobs {
			job := job
			if err := pool.Submit(ctx, func() {
				runOne(st, registry, fanout, backupEngine, admin, metricsReg, logger, job)
			}); err != nil {
				logger.Error("server: submit failed", zap.String("job", job.InPath), zap.Error(err))
				return
			}
		}
	}()
}

func runOne(st *store.Store, registry *subscriptions.Registry, fanout *notify.Fanout, backupEngine *backup.Engine, admin jobrunner.AdminBroadcaster, metricsReg *metrics.Registry, logger *zap.Logger, job discover.Job) {
	in, err := os.Open(job.InPath)
	if err != nil {
		logger.Error("server: open job file", zap.String("path", job.InPath), zap.Error(err))
		metricsReg.JobFailed()
		return
	}
	defer in.Close()

	out, err := os.Create(job.OutPath)
	if err != nil {
		logger.Error("server: create output file", zap.String("path", job.OutPath), zap.Error(err))
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
		Sleep:    func(ms uint64) { time.Sleep(time.Duration(ms) * time.Millisecond) },
		Admin:    admin,
	}

	dir := filepath.Dir(job.InPath)
	backupPath := func(n int) string {
		return filepath.Join(dir, fmt.Sprintf("%s-%d.bck", job.Basename, n))
	}

	if err := r.Run(in, out, job.Basename, backupPath); err != nil {
		logger.Error("server: job failed", zap.String("path", job.InPath), zap.Error(err))
		metricsReg.JobFailed()
		return
	}
	metricsReg.JobProcessed()
}
