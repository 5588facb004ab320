// Package session implements the producer/consumer registration buffer, the
// session handler state machine and the control signal handler: one
// producer reads CONNECT frames off the registration pipe and hands them to
// a fixed pool of session handler goroutines, each of which drives one
// client through INIT->CONNECTED->SERVING->CLOSING->TERMINATED.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"kvsd/internal/notify"
	"kvsd/internal/store"
	"kvsd/internal/subscriptions"
	"kvsd/internal/wire"
)

// Metrics is the narrow slice of the metrics registry the session subsystem
// needs.
type Metrics interface {
	SessionRegistered()
	SessionTornDown()
}

// Registration is one decoded CONNECT message, the payload the PC Buffer
// carries from the registration reader to a session handler.
type Registration struct {
	RequestPipe      string
	ResponsePipe     string
	NotificationPipe string
}

// session is one connected client's trio of open streams plus its per-session
// subscribed-key set. It implements both subscriptions.Sink (identity for the
// registry) and notify.Sink (the write side fan-out delivers to).
type session struct {
	id   uint64
	req  io.ReadCloser
	resp io.WriteCloser
	notif io.WriteCloser

	mu         sync.Mutex
	subscribed map[string]struct{}
	broken     atomic.Bool
}

func (s *session) SinkID() any { return s.id }

// WriteNotification implements notify.Sink: two fixed-width frames, key then
// payload, written back to back on the notification stream.
func (s *session) WriteNotification(keyFrame, payloadFrame [wire.FrameSize]byte) error {
	if _, err := s.notif.Write(keyFrame[:]); err != nil {
		return err
	}
	if _, err := s.notif.Write(payloadFrame[:]); err != nil {
		return err
	}
	return nil
}

// Broken implements notify.Sink: a failed notification write marks the
// session so its handler goroutine tears it down on its next I/O boundary,
// matching "the corresponding session is considered broken... the session
// slot is zeroed.
func (s *session) Broken() { s.broken.Store(true) }

func (s *session) closeAll() {
	s.req.Close()
	s.resp.Close()
	s.notif.Close()
}

// Manager owns the PC Buffer, the active-sessions table and the control
// signal flag. One Manager serves one server process.
type Manager struct {
	store    *store.Store
	registry *subscriptions.Registry
	fanout   *notify.Fanout
	logger   *zap.Logger
	metrics  Metrics

	maxSubs     int
	maxSessions int

	pcBuffer chan Registration // bounded FIFO; a Go channel already provides the blocking producer/consumer discipline a mutex+semaphore pair would

	mu       sync.Mutex
	active   map[uint64]*session
	nextID   uint64
	dropFlag atomic.Bool // set by the control signal handler
}

// NewManager constructs a Manager. pcBufferSize bounds pending registrations
// queued between the registration reader and the session-handler pool;
// maxSessions is recorded on the Manager, while the number of concurrently
// served sessions is bounded by the handler count passed to RunHandlers;
// maxSubs bounds per-session SUBSCRIBE count (MAX_SUBS).
func NewManager(s *store.Store, registry *subscriptions.Registry, fanout *notify.Fanout, logger *zap.Logger, metrics Metrics, pcBufferSize, maxSessions, maxSubs int) *Manager {
	if pcBufferSize <= 0 {
		pcBufferSize = 1
	}
	return &Manager{
		store:       s,
		registry:    registry,
		fanout:      fanout,
		logger:      logger,
		metrics:     metrics,
		maxSubs:     maxSubs,
		maxSessions: maxSessions,
		pcBuffer:    make(chan Registration, pcBufferSize),
		active:      make(map[uint64]*session),
	}
}

// Enqueue is the PC Buffer's producer side: it posts reg for a session
// handler to pick up, blocking if the buffer is momentarily full, or returns
// ctx.Err() if ctx is cancelled first.
func (m *Manager) Enqueue(ctx context.Context, reg Registration) error {
	select {
	case m.pcBuffer <- reg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunHandlers launches n session-handler goroutines (a MAX_SESSIONS-sized
// pool), each looping: wait on the PC Buffer, handle one session to
// completion, repeat. Blocks until ctx is cancelled.
func (m *Manager) RunHandlers(ctx context.Context, n int) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case reg, ok := <-m.pcBuffer:
					if !ok {
						return
					}
					m.handle(reg)
				}
			}
		}()
	}
	wg.Wait()
}

// handle drives one registration through INIT -> CONNECTED -> SERVING ->
// CLOSING -> TERMINATED. Errors opening any of the three streams abort
// before the session is ever registered.
func (m *Manager) handle(reg Registration) {
	resp, err := os.OpenFile(reg.ResponsePipe, os.O_WRONLY, 0)
	if err != nil {
		m.logger.Warn("session: failed to open response pipe", zap.String("path", reg.ResponsePipe), zap.Error(err))
		return
	}

	connResp := wire.EncodeConnectResponse(true)
	if _, err := resp.Write(connResp[:]); err != nil {
		m.logger.Warn("session: failed to send CONNECT response", zap.Error(err))
		resp.Close()
		return
	}

	req, err := os.OpenFile(reg.RequestPipe, os.O_RDONLY, 0)
	if err != nil {
		m.logger.Warn("session: failed to open request pipe", zap.String("path", reg.RequestPipe), zap.Error(err))
		resp.Close()
		return
	}

	notif, err := os.OpenFile(reg.NotificationPipe, os.O_WRONLY, 0)
	if err != nil {
		m.logger.Warn("session: failed to open notification pipe", zap.String("path", reg.NotificationPipe), zap.Error(err))
		req.Close()
		resp.Close()
		return
	}

	s := &session{
		id:         atomic.AddUint64(&m.nextID, 1),
		req:        req,
		resp:       resp,
		notif:      notif,
		subscribed: make(map[string]struct{}),
	}

	m.mu.Lock()
	m.active[s.id] = s
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SessionRegistered()
	}

	m.serve(s)

	m.mu.Lock()
	delete(m.active, s.id)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SessionTornDown()
	}
}

// serve is the SERVING state: read 41-byte request frames and dispatch on
// opcode until DISCONNECT, a stream error, or the session is marked broken
// by a failed fan-out write.
func (m *Manager) serve(s *session) {
	buf := make([]byte, wire.FrameSize)
	for {
		if s.broken.Load() {
			break
		}
		if _, err := io.ReadFull(s.req, buf); err != nil {
			break
		}
		frame, ok := wire.DecodeRequest(buf)
		if !ok {
			continue
		}

		switch frame.Opcode {
		case wire.OpDisconnect:
			out := wire.EncodeDisconnectResponse()
			s.resp.Write(out[:])
			m.closing(s)
			return

		case wire.OpSubscribe:
			m.handleSubscribe(s, frame.Key)

		case wire.OpUnsubscribe:
			m.handleUnsubscribe(s, frame.Key)
		}
	}
	m.closing(s)
}

func (m *Manager) handleSubscribe(s *session, key string) {
	s.mu.Lock()
	_, already := s.subscribed[key]
	atCap := len(s.subscribed) >= m.maxSubs
	s.mu.Unlock()

	ok := !atCap && !already && m.store.Exists(key)
	if ok {
		m.registry.Add(key, s)
		s.mu.Lock()
		s.subscribed[key] = struct{}{}
		s.mu.Unlock()
	}

	out := wire.EncodeSubUnsubResponse(wire.OpSubscribe, ok)
	s.resp.Write(out[:])
}

func (m *Manager) handleUnsubscribe(s *session, key string) {
	s.mu.Lock()
	_, subscribed := s.subscribed[key]
	s.mu.Unlock()

	ok := subscribed && m.store.Exists(key)
	if ok {
		m.registry.Remove(key, s)
		s.mu.Lock()
		delete(s.subscribed, key)
		s.mu.Unlock()
	}

	out := wire.EncodeSubUnsubResponse(wire.OpUnsubscribe, ok)
	s.resp.Write(out[:])
}

// closing is the CLOSING state: drop this session's own subscriptions one
// key at a time via Registry.Remove(key, sink) -- using RemoveKey(key) here
// would delete every subscriber's interest in that key, not just this
// session's -- then close all three streams.
func (m *Manager) closing(s *session) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.subscribed))
	for k := range s.subscribed {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, k := range keys {
		m.registry.Remove(k, s)
	}
	s.closeAll()
}

// RequestDrop implements the control signal handler side: sets the atomic
// flag the registration loop checks between reads.
func (m *Manager) RequestDrop() {
	m.dropFlag.Store(true)
}

// DropFlagged is called from the registration-reading main loop between
// reads. If the control signal fired, it closes every active session's
// streams (the handler goroutines observe the closed streams on their next
// I/O and proceed through CLOSING naturally) and purges the subscription
// registry, without touching the job pool.
func (m *Manager) DropFlagged() {
	if !m.dropFlag.CompareAndSwap(true, false) {
		return
	}

	m.mu.Lock()
	sessions := make([]*session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.closeAll()
	}
	m.registry.Cleanup()
	m.logger.Info("session: control signal dropped all sessions", zap.Int("count", len(sessions)))
}

// ActiveCount reports the number of currently connected sessions, exposed
// for the admin/metrics surface.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// errSessionLimit is the error a registration is rejected with, instead of
// blocking, when the PC Buffer is full. Registration admission through
// Enqueue blocks rather than rejecting.
var errSessionLimit = fmt.Errorf("session: at capacity")

// ErrAtCapacity is returned by TryEnqueue.
var ErrAtCapacity = errSessionLimit

// TryEnqueue offers reg to the PC Buffer without blocking, returning
// ErrAtCapacity if it is full. The registration reader (see registrar.go)
// uses the blocking Enqueue by default; TryEnqueue exists for callers that
// prefer to shed load at the producer rather than stall the registration
// pipe reader.
func (m *Manager) TryEnqueue(reg Registration) error {
	select {
	case m.pcBuffer <- reg:
		return nil
	default:
		return ErrAtCapacity
	}
}
