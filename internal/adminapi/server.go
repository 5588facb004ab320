package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"kvsd/internal/metrics"
)

// SessionCounter is the narrow view of the session Manager the admin API
// needs for /admin/sessions.
type SessionCounter interface {
	ActiveCount() int
}

// SystemSampler is the narrow view of metrics.SystemSampler the admin API
// needs for /admin/system.
type SystemSampler interface {
	Sample()
	Snapshot() metrics.Snapshot
}

// Server is the operator-facing HTTP surface: health, Prometheus metrics,
// JWT-protected session/system introspection and a push-only admin event
// feed over a websocket upgrade.
type Server struct {
	addr     string
	logger   *zap.Logger
	metrics  *metrics.Registry
	tokens   *TokenManager
	sessions SessionCounter
	system   SystemSampler

	httpSrv *http.Server

	mu        sync.Mutex
	listeners map[net.Conn]struct{}
}

// NewServer constructs a Server bound to addr. tokens may be nil to disable
// JWT protection on the admin endpoints (e.g. local development).
func NewServer(addr string, logger *zap.Logger, reg *metrics.Registry, tokens *TokenManager, sessions SessionCounter, system SystemSampler) *Server {
	return &Server{
		addr:      addr,
		logger:    logger,
		metrics:   reg,
		tokens:    tokens,
		sessions:  sessions,
		system:    system,
		listeners: make(map[net.Conn]struct{}),
	}
}

func (s *Server) protect(h http.HandlerFunc) http.HandlerFunc {
	if s.tokens == nil {
		return h
	}
	return s.tokens.RequireAuth(h)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/admin/sessions", s.protect(s.handleSessions))
	mux.HandleFunc("/admin/system", s.protect(s.handleSystem))
	mux.HandleFunc("/admin/stream", s.protect(s.handleStream))
	return mux
}

// Start begins serving in a background goroutine, returning once the
// listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("adminapi: listen %s: %w", s.addr, err)
	}
	s.httpSrv = &http.Server{Handler: s.routes()}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("adminapi: serve error", zap.Error(err))
		}
	}()
	s.logger.Info("adminapi: listening", zap.String("addr", s.addr))
	return nil
}

// Stop gracefully shuts the admin HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"active_sessions": s.sessions.ActiveCount()})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	s.system.Sample()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.system.Snapshot())
}

// handleStream upgrades to a websocket and registers the connection as an
// event listener; Broadcast pushes JSON event frames to every listener.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("adminapi: upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.listeners[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := wsutil.ReadClientData(conn); err != nil {
			return
		}
	}
}

// Broadcast pushes a JSON-encoded event to every connected /admin/stream
// listener, closing and dropping any that error.
func (s *Server) Broadcast(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("adminapi: marshal event", zap.Error(err))
		return
	}

	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.listeners))
	for c := range s.listeners {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := wsutil.WriteServerMessage(c, ws.OpText, payload); err != nil {
			s.mu.Lock()
			delete(s.listeners, c)
			s.mu.Unlock()
			c.Close()
		}
	}
}
