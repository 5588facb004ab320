package backup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kvsd/internal/store"
)

func TestBackupWritesShowFormat(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Write([]store.Pair{{Key: "a", Value: "1"}}))

	e := New(s, 1, zap.NewNop(), nil)
	dest := filepath.Join(t.TempDir(), "job-1.bck")

	require.NoError(t, e.Acquire(context.Background()))
	require.NoError(t, e.Backup(dest))
	e.Release()

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "(a, 1)\n", string(data))
}

// TestBackupConsistencyScenarioThreeFromSpec: a job writes (a,1), backs up,
// then writes (a,2); the backup file must contain exactly (a, 1).
func TestBackupConsistencyScenarioThreeFromSpec(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Write([]store.Pair{{Key: "a", Value: "1"}}))

	e := New(s, 1, zap.NewNop(), nil)
	dest := filepath.Join(t.TempDir(), "job-1.bck")

	require.NoError(t, e.Acquire(context.Background()))
	require.NoError(t, e.Backup(dest))
	e.Release()

	require.NoError(t, s.Write([]store.Pair{{Key: "a", Value: "2"}}))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "(a, 1)\n", string(data))
}

func TestAcquireBlocksWhenSlotsExhausted(t *testing.T) {
	s := store.New()
	e := New(s, 1, zap.NewNop(), nil)

	require.NoError(t, e.Acquire(context.Background()))

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan struct{})
	go func() {
		defer wg.Done()
		require.NoError(t, e.Acquire(context.Background()))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should have blocked while the only slot was held")
	case <-time.After(50 * time.Millisecond):
	}

	e.Release()
	wg.Wait()
}
