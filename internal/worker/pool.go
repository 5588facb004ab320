// Package worker implements a bounded job worker pool: a fixed number of
// goroutines drain an unbuffered task channel, so Submit blocks while every
// worker is busy instead of dropping work, and every submitted job
// eventually runs to completion. A panic in one task is recovered so it
// never takes down its worker or blocks the rest of the pool.
package worker

import (
	"context"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Task is one unit of work submitted to the pool (one .job file run).
type Task func()

// Pool is a fixed-size pool of goroutines draining an unbuffered task
// channel, so Submit blocks exactly while every worker is busy.
type Pool struct {
	size   int
	tasks  chan Task
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New constructs a Pool with the given worker count (MAX_THREADS).
func New(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{size: size, tasks: make(chan Task), logger: logger}
}

// Start launches the worker goroutines. ctx cancellation causes workers to
// stop picking up new tasks once the current one finishes.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.runWithRecover(task)
		}
	}
}

func (p *Pool) runWithRecover(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker: task panicked, worker continues",
				zap.Any("panic", r), zap.String("stack", string(debug.Stack())))
		}
	}()
	task()
}

// Submit blocks until a worker is free to accept task, or ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every launched worker goroutine has returned (all
// in-flight tasks joined, matching the original's pthread_join loop).
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close signals workers to stop accepting new tasks once drained. Safe to
// call once all Submit calls have returned.
func (p *Pool) Close() {
	close(p.tasks)
}
