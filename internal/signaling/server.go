package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/broadcast"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/ratelimit"
)

const (
	PathOne2Many = "/one2many"
	PathOne2One  = "/one2one"
)

const (
	defaultAuthTimeout          = 2 * time.Second
	defaultMaxMessageBytes      = 64 * 1024
	defaultMaxMessagesPerSecond = 50
)

// Config wires together the runtime dependencies for the signaling routes.
type Config struct {
	// Broadcast serves /one2many and Call serves /one2one. A nil coordinator
	// leaves its route unregistered.
	Broadcast *broadcast.Coordinator
	Call      *call.Coordinator

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// AuthMode selects how clients authenticate. Verifier must be set unless
	// AuthMode is none.
	AuthMode config.AuthMode
	Verifier auth.Verifier

	AuthTimeout time.Duration

	// IdleTimeout and PingInterval drive the keepalive. Zero IdleTimeout
	// disables it.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// Clock feeds the per-session rate limiter. Defaults to the wall clock.
	Clock ratelimit.Clock
}

// Server upgrades signaling requests and tracks the live sessions so they can
// be closed on shutdown; http.Server.Shutdown does not close hijacked
// connections.
type Server struct {
	cfg Config
	log *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	closed   bool
	sessions map[*wsSession]struct{}
	wg       sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = config.AuthModeNone
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = defaultMaxMessagesPerSecond
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	return &Server{
		cfg: cfg,
		log: cfg.Logger.With("component", "signaling"),
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the httpserver origin middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*wsSession]struct{}),
	}
}

// RegisterRoutes mounts the WebSocket routes on mux, each wrapped by wrap
// (typically the origin policy). wrap may be nil.
func (s *Server) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(h http.Handler) http.Handler { return h }
	}
	if s.cfg.Broadcast != nil {
		mux.Handle("GET "+PathOne2Many, wrap(s.One2ManyHandler()))
	}
	if s.cfg.Call != nil {
		mux.Handle("GET "+PathOne2One, wrap(s.One2OneHandler()))
	}
}

// Routes lists the paths RegisterRoutes mounts.
func (s *Server) Routes() []string {
	var routes []string
	if s.cfg.Broadcast != nil {
		routes = append(routes, PathOne2Many)
	}
	if s.cfg.Call != nil {
		routes = append(routes, PathOne2One)
	}
	return routes
}

func (s *Server) One2ManyHandler() http.Handler {
	return s.handler(one2many{c: s.cfg.Broadcast})
}

func (s *Server) One2OneHandler() http.Handler {
	return s.handler(one2one{c: s.cfg.Call})
}

func (s *Server) handler(rt router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			return
		}

		wss := &wsSession{
			srv:     s,
			conn:    conn,
			req:     r,
			router:  rt,
			id:      uuid.NewString(),
			limiter: ratelimit.NewPerSecond(s.cfg.Clock, s.cfg.MaxMessagesPerSecond),
			done:    make(chan struct{}),
		}
		wss.log = s.log.With("session_id", wss.id, "route", rt.name())
		if !s.track(wss) {
			wss.closeWith(websocket.CloseGoingAway, "shutting down")
			_ = conn.Close()
			return
		}
		defer s.untrack(wss)

		s.cfg.Metrics.Inc(metrics.SessionsOpened)
		defer s.cfg.Metrics.Inc(metrics.SessionsClosed)
		wss.run()
	})
}

func (s *Server) track(wss *wsSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[wss] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(wss *wsSession) {
	s.mu.Lock()
	delete(s.sessions, wss)
	s.mu.Unlock()
	s.wg.Done()
}

// Sessions reports the number of live WebSocket sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close refuses new sessions, closes every live one with 1001 (going away)
// and waits for their cleanup to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	live := make([]*wsSession, 0, len(s.sessions))
	for wss := range s.sessions {
		live = append(live, wss)
	}
	s.mu.Unlock()

	for _, wss := range live {
		wss.closeWith(websocket.CloseGoingAway, "shutting down")
		wss.Close()
	}
	s.wg.Wait()
}
