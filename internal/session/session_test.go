package session

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kvsd/internal/notify"
	"kvsd/internal/store"
	"kvsd/internal/subscriptions"
)

// newTestSession builds a session backed by real *os.File pipe ends, so
// Close() and Write() behave like the genuine named-pipe streams without
// needing an actual FIFO on disk.
func newTestSession(t *testing.T, id uint64) *session {
	t.Helper()
	reqR, reqW := mustPipe(t)
	respR, respW := mustPipe(t)
	notifR, notifW := mustPipe(t)
	t.Cleanup(func() {
		reqW.Close()
		respR.Close()
		notifR.Close()
	})
	_ = reqW // the request write end is held open by the "client" side in real use
	return &session{
		id:         id,
		req:        reqR,
		resp:       respW,
		notif:      notifW,
		subscribed: make(map[string]struct{}),
	}
}

func mustPipe(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	return r, w
}

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s := store.New()
	reg := subscriptions.New()
	fanout := notify.New(reg, zap.NewNop(), nil)
	return NewManager(s, reg, fanout, zap.NewNop(), nil, 4, 4, 2), s
}

func TestSubscribeRejectsUnknownKey(t *testing.T) {
	m, _ := newTestManager(t)
	sess := newTestSession(t, 1)

	m.handleSubscribe(sess, "ghost")

	require.Empty(t, sess.subscribed)
	require.Empty(t, m.registry.Find("ghost"))
}

func TestSubscribeSucceedsOnExistingKey(t *testing.T) {
	m, s := newTestManager(t)
	require.NoError(t, s.Write([]store.Pair{{Key: "a", Value: "1"}}))
	sess := newTestSession(t, 1)

	m.handleSubscribe(sess, "a")

	require.Contains(t, sess.subscribed, "a")
	require.Len(t, m.registry.Find("a"), 1)
}

func TestSubscribeRejectsDuplicateAndOverCap(t *testing.T) {
	m, s := newTestManager(t)
	require.NoError(t, s.Write([]store.Pair{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}, {Key: "c", Value: "3"}}))
	sess := newTestSession(t, 1)

	m.handleSubscribe(sess, "a")
	m.handleSubscribe(sess, "a") // duplicate: rejected as already subscribed, so the session still counts it once
	require.Len(t, sess.subscribed, 1)

	m.handleSubscribe(sess, "b")
	require.Len(t, sess.subscribed, 2) // now at maxSubs (2)

	m.handleSubscribe(sess, "c")
	require.Len(t, sess.subscribed, 2) // rejected: at cap
	require.NotContains(t, sess.subscribed, "c")
}

func TestUnsubscribeRemovesOnlyItsOwnSubscription(t *testing.T) {
	m, s := newTestManager(t)
	require.NoError(t, s.Write([]store.Pair{{Key: "a", Value: "1"}}))

	s1 := newTestSession(t, 1)
	s2 := newTestSession(t, 2)
	m.handleSubscribe(s1, "a")
	m.handleSubscribe(s2, "a")
	require.Len(t, m.registry.Find("a"), 2)

	m.handleUnsubscribe(s1, "a")

	require.NotContains(t, s1.subscribed, "a")
	require.Len(t, m.registry.Find("a"), 1)
}

// TestClosingDropsOnlyThisSessionsSubscriptions verifies one session's
// teardown must not wipe out another session's interest in the same key.
func TestClosingDropsOnlyThisSessionsSubscriptions(t *testing.T) {
	m, s := newTestManager(t)
	require.NoError(t, s.Write([]store.Pair{{Key: "a", Value: "1"}}))

	s1 := newTestSession(t, 1)
	s2 := newTestSession(t, 2)
	m.handleSubscribe(s1, "a")
	m.handleSubscribe(s2, "a")

	m.closing(s1)

	sinks := m.registry.Find("a")
	require.Len(t, sinks, 1)
	require.Equal(t, s2.id, sinks[0].SinkID())
}

func TestDropFlaggedClosesActiveSessionsAndPurgesRegistry(t *testing.T) {
	m, s := newTestManager(t)
	require.NoError(t, s.Write([]store.Pair{{Key: "a", Value: "1"}}))

	sess := newTestSession(t, 1)
	m.handleSubscribe(sess, "a")
	m.mu.Lock()
	m.active[sess.id] = sess
	m.mu.Unlock()

	m.RequestDrop()
	m.DropFlagged()

	require.Equal(t, 0, m.registry.Count())
	_, err := sess.resp.Write([]byte{0})
	require.Error(t, err, "response stream should be closed after DropFlagged")
}
