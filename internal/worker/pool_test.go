package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAtMostSizeTasksRunConcurrently(t *testing.T) {
	p := New(2, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var concurrent int32
	var maxConcurrent int32
	release := make(chan struct{})

	// Submit blocks while both workers are busy, so submission runs on its
	// own goroutine until release lets the first tasks finish.
	submitErrs := make(chan error, 5)
	go func() {
		for i := 0; i < 5; i++ {
			submitErrs <- p.Submit(ctx, func() {
				n := atomic.AddInt32(&concurrent, 1)
				for {
					old := atomic.LoadInt32(&maxConcurrent)
					if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
						break
					}
				}
				<-release
				atomic.AddInt32(&concurrent, -1)
			})
		}
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	for i := 0; i < 5; i++ {
		require.NoError(t, <-submitErrs)
	}

	time.Sleep(100 * time.Millisecond)
	require.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(2))
}

func TestEverySubmittedTaskEventuallyRuns(t *testing.T) {
	p := New(2, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	const n = 20
	var completed int32
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		require.NoError(t, p.Submit(ctx, func() {
			if atomic.AddInt32(&completed, 1) == n {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("only %d/%d tasks completed", atomic.LoadInt32(&completed), n)
	}
}

func TestPanickingTaskDoesNotStopPool(t *testing.T) {
	p := New(1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.NoError(t, p.Submit(ctx, func() { panic("boom") }))

	ran := make(chan struct{})
	require.NoError(t, p.Submit(ctx, func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("pool did not process task after a peer panicked")
	}
}
