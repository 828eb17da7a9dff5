package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/relay"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	// Relay routes messages between registered sessions. Required.
	Relay *relay.Relay

	// Authorizer defaults to AllowAllAuthorizer.
	Authorizer Authorizer
	Origins    origin.Policy
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	SignalingAuthTimeout    time.Duration
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// SendQueueBytes bounds each connection's outbound backlog.
	SendQueueBytes int
}

// Server implements GET /signal.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
	closed   bool
}

func NewServer(cfg Config) *Server {
	if cfg.Relay == nil {
		cfg.Relay = relay.New(relay.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAllAuthorizer{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			// Origin is checked before the upgrade against the configured policy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*wsSession]struct{}),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/signal", s.handleSignal)
}

// ServeHTTP serves the websocket on any path; used by tests that skip the
// router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handleSignal(w, r)
}

func (s *Server) Relay() *relay.Relay {
	return s.cfg.Relay
}

// Sessions returns the number of open websocket connections.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close disconnects every session and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*wsSession, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *wsSession) {
			defer wg.Done()
			sess.shutdown(websocket.CloseGoingAway, "server shutting down")
		}(sess)
	}
	wg.Wait()
}

func (s *Server) track(sess *wsSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *wsSession) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func (s *Server) signalingAuthTimeout() time.Duration {
	if s.cfg.SignalingAuthTimeout <= 0 {
		return 2 * time.Second
	}
	return s.cfg.SignalingAuthTimeout
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.SignalingWSIdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.cfg.SignalingWSIdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.SignalingWSPingInterval <= 0 {
		return 20 * time.Second
	}
	return s.cfg.SignalingWSPingInterval
}

func (s *Server) maxSignalingMessageBytes() int64 {
	if s.cfg.MaxSignalingMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.cfg.MaxSignalingMessageBytes
}

func (s *Server) maxSignalingMessagesPerSecond() int {
	if s.cfg.MaxSignalingMessagesPerSecond <= 0 {
		return 50
	}
	return s.cfg.MaxSignalingMessagesPerSecond
}

func (s *Server) sendQueueBytes() int {
	if s.cfg.SendQueueBytes <= 0 {
		return 256 * 1024
	}
	return s.cfg.SendQueueBytes
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.cfg.Origins.Check(r); !ok {
		s.cfg.Metrics.Inc(metrics.OriginRejected)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	perSecond := s.maxSignalingMessagesPerSecond()
	ws := &wsSession{
		srv:        s,
		conn:       conn,
		req:        r,
		log:        s.log.With("remote_addr", r.RemoteAddr),
		limiter:    rate.NewLimiter(rate.Limit(perSecond), perSecond),
		out:        newSendQueue(s.sendQueueBytes()),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	if !s.track(ws) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}
	defer s.untrack(ws)
	ws.run()
}
