package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s := New()
	require.NoError(t, s.Write([]Pair{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}))

	got, err := s.Read([]string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []ReadResult{
		{Key: "a", Value: "1"},
		{Key: "b", Value: "2"},
	}, got)
}

func TestReadSortsByKeyNotInputOrder(t *testing.T) {
	s := New()
	require.NoError(t, s.Write([]Pair{{Key: "b", Value: "2"}, {Key: "a", Value: "1"}}))

	got, err := s.Read([]string{"b", "a"})
	require.NoError(t, err)
	require.Equal(t, "a", got[0].Key)
	require.Equal(t, "b", got[1].Key)
}

func TestReadMissingKeyReportsMissing(t *testing.T) {
	s := New()
	got, err := s.Read([]string{"z"})
	require.NoError(t, err)
	require.True(t, got[0].Missing)
}

func TestDeleteAbsentKeyReportsMissingAndLeavesStoreUnchanged(t *testing.T) {
	s := New()
	require.NoError(t, s.Write([]Pair{{Key: "a", Value: "1"}}))

	deleted, missing, err := s.Delete([]string{"z"})
	require.NoError(t, err)
	require.Empty(t, deleted)
	require.Equal(t, []string{"z"}, missing)

	got, _ := s.Read([]string{"a"})
	require.Equal(t, "1", got[0].Value)
}

func TestDeletePresentKeyRemovesEntry(t *testing.T) {
	s := New()
	require.NoError(t, s.Write([]Pair{{Key: "a", Value: "1"}}))

	deleted, missing, err := s.Delete([]string{"a"})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, deleted)
	require.Empty(t, missing)

	got, _ := s.Read([]string{"a"})
	require.True(t, got[0].Missing)
}

func TestBucketRejectsNonLetterFirstByte(t *testing.T) {
	_, err := Bucket("0abc")
	require.ErrorIs(t, err, ErrInvalidBucket)

	_, err = Bucket("!abc")
	require.ErrorIs(t, err, ErrInvalidBucket)
}

func TestBucketIsCaseInsensitiveOnFirstLetter(t *testing.T) {
	lower, err := Bucket("apple")
	require.NoError(t, err)
	upper, err := Bucket("Apple")
	require.NoError(t, err)
	require.Equal(t, lower, upper)
}

func TestWriteRejectsOversizedKeyOrValue(t *testing.T) {
	s := New()
	long := make([]byte, MaxStringSize+1)
	for i := range long {
		long[i] = 'a'
	}
	err := s.Write([]Pair{{Key: string(long), Value: "v"}})
	require.ErrorIs(t, err, ErrKeyTooLong)

	err = s.Write([]Pair{{Key: "a", Value: string(long)}})
	require.ErrorIs(t, err, ErrValueTooLong)
}

func TestShowEnumeratesAllEntries(t *testing.T) {
	s := New()
	require.NoError(t, s.Write([]Pair{{Key: "a", Value: "1"}, {Key: "z", Value: "2"}}))

	seen := map[string]string{}
	s.Show(func(k, v string) { seen[k] = v })
	require.Equal(t, map[string]string{"a": "1", "z": "2"}, seen)
}

// TestConcurrentMultiKeyWritesConverge: N goroutines each write the same key
// set in a different order (rotated by writer index); every batch must
// complete (no deadlock)
// and the final value of each key must equal some writer's value (no torn
// writes).
func TestConcurrentMultiKeyWritesConverge(t *testing.T) {
	s := New()
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	const writers = 16
	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		w := w
		go func() {
			defer wg.Done()
			pairs := make([]Pair, len(keys))
			for i := range keys {
				pairs[i] = Pair{Key: keys[(i+w)%len(keys)], Value: string(rune('A' + w%26))}
			}
			require.NoError(t, s.Write(pairs))
		}()
	}
	wg.Wait()

	got, err := s.Read(keys)
	require.NoError(t, err)
	require.Len(t, got, len(keys))
	for _, r := range got {
		require.False(t, r.Missing)
		require.Len(t, r.Value, 1)
	}
}

// TestConcurrentDeleteAndShowDoNotDeadlock guards against the lock-ordering
// inversion where Delete takes per-key write locks before upgrading to the
// table write lock: Show/Snapshot hold the table read lock for their whole
// walk and take each entry's read lock inside it, so a Delete that acquires
// entry locks first and only then waits on the table write lock can cycle
// against a Show that holds the table read lock waiting on one of those
// same entries. Delete now takes the table write lock up front for its
// whole operation, so this must complete well within the test timeout.
func TestConcurrentDeleteAndShowDoNotDeadlock(t *testing.T) {
	s := New()
	keys := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		k := fmt.Sprintf("%c", 'a'+i)
		keys = append(keys, k)
		require.NoError(t, s.Write([]Pair{{Key: k, Value: "1"}}))
	}

	done := make(chan struct{})
	stop := make(chan struct{})

	go func() {
		for {
			select {
			case <-stop:
				done <- struct{}{}
				return
			default:
				s.Show(func(string, string) {})
			}
		}
	}()

	for round := 0; round < 200; round++ {
		_, _, err := s.Delete(keys)
		require.NoError(t, err)
		require.NoError(t, s.Write([]Pair{
			{Key: keys[0], Value: "1"}, {Key: keys[1], Value: "1"},
			{Key: keys[2], Value: "1"}, {Key: keys[3], Value: "1"},
			{Key: keys[4], Value: "1"}, {Key: keys[5], Value: "1"},
			{Key: keys[6], Value: "1"}, {Key: keys[7], Value: "1"},
		}))
	}

	close(stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Delete and Show deadlocked")
	}
}
