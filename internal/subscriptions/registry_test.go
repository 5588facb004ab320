package subscriptions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testSink struct{ id int }

func (s testSink) SinkID() any { return s.id }

func TestAddIsIdempotentPerKeySink(t *testing.T) {
	r := New()
	sink := testSink{1}
	r.Add("k", sink)
	r.Add("k", sink)
	require.Len(t, r.Find("k"), 1)
}

func TestRemoveOnlyAffectsItsOwnSink(t *testing.T) {
	r := New()
	a, b := testSink{1}, testSink{2}
	r.Add("k", a)
	r.Add("k", b)

	r.Remove("k", a)

	found := r.Find("k")
	require.Len(t, found, 1)
	require.Equal(t, b.SinkID(), found[0].SinkID())
}

func TestRemoveKeyDropsWholeList(t *testing.T) {
	r := New()
	r.Add("k", testSink{1})
	r.Add("k", testSink{2})

	r.RemoveKey("k")

	require.Empty(t, r.Find("k"))
}

func TestFindReturnsIndependentCopy(t *testing.T) {
	r := New()
	r.Add("k", testSink{1})

	snapshot := r.Find("k")
	r.Add("k", testSink{2})

	require.Len(t, snapshot, 1, "snapshot must not observe later mutation")
}

func TestCleanupPurgesEverything(t *testing.T) {
	r := New()
	r.Add("a", testSink{1})
	r.Add("b", testSink{2})

	r.Cleanup()

	require.Empty(t, r.Find("a"))
	require.Empty(t, r.Find("b"))
	require.Equal(t, 0, r.Count())
}
