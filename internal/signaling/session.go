package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/ratelimit"
)

var ErrSessionClosed = errors.New("signaling: session closed")

var errNoVerifier = errors.New("no credential verifier configured")

const wsWriteWait = 1 * time.Second

// router is the route-specific half of a session: which kinds it serves and
// which coordinator handles them.
type router interface {
	name() string
	serves(kind protocol.Kind) bool
	dispatch(wss *wsSession, msg protocol.Message)
	disconnect(sessionID string)
}

// wsSession is one client connection. It is the protocol.Channel handed to
// the coordinators, so Send may be called from any goroutine.
type wsSession struct {
	srv    *Server
	conn   *websocket.Conn
	req    *http.Request
	router router
	id     string
	log    *slog.Logger

	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

func (wss *wsSession) run() {
	defer func() {
		wss.Close()
		wss.router.disconnect(wss.id)
		wss.log.Info("session closed")
	}()
	wss.log.Info("session opened", "remote_addr", wss.req.RemoteAddr)

	cfg := wss.srv.cfg
	wss.conn.SetReadLimit(cfg.MaxMessageBytes)

	authorized := false
	cred, err := auth.CredentialFromQuery(cfg.AuthMode, wss.req.URL.Query())
	if err == nil {
		err = wss.verify(cred)
	}
	switch {
	case err == nil:
		authorized = true
		wss.startKeepalive()
	case errors.Is(err, auth.ErrMissingCredentials):
		_ = wss.conn.SetReadDeadline(time.Now().Add(cfg.AuthTimeout))
	default:
		cfg.Metrics.Inc(metrics.AuthFailure)
		wss.log.Info("authentication failed", "err", err)
		wss.fail(unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			switch {
			case !authorized && isTimeout(err):
				cfg.Metrics.Inc(metrics.AuthFailure)
				wss.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			case isTimeout(err):
				wss.log.Info("idle timeout")
				wss.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				wss.log.Debug("read failed", "err", err)
			}
			return
		}
		// Rate limit after the read so bytes already in the receive buffer are
		// consumed; closing with unread data can turn into a RST that hides the
		// close frame from the client.
		if !wss.limiter.Allow(1) {
			cfg.Metrics.Inc(metrics.RateLimited)
			wss.fail("rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			wss.fail("expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := protocol.Parse(data)

		if !authorized {
			if err != nil || msg.Kind != protocol.KindAuth {
				cfg.Metrics.Inc(metrics.AuthFailure)
				wss.fail("authentication required", websocket.ClosePolicyViolation, "authentication required")
				return
			}
			cred, err := auth.CredentialFromAuthMessage(cfg.AuthMode, msg.APIKey, msg.Token)
			if err == nil {
				err = wss.verify(cred)
			}
			if err != nil {
				cfg.Metrics.Inc(metrics.AuthFailure)
				wss.log.Info("authentication failed", "err", err)
				wss.fail(unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			authorized = true
			wss.startKeepalive()
			continue
		}

		wss.touch()

		// Clients may repeat auth even when the query string already
		// authenticated them.
		if err == nil && msg.Kind == protocol.KindAuth {
			continue
		}
		if err != nil || !wss.router.serves(msg.Kind) {
			cfg.Metrics.Inc(metrics.UnknownMessage)
			wss.log.Debug("invalid message", "id", msg.Kind, "err", err)
			_ = wss.Send(protocol.Error(data))
			continue
		}
		wss.router.dispatch(wss, msg)
	}
}

func (wss *wsSession) verify(cred string) error {
	return wss.srv.verify(cred)
}

func (s *Server) verify(cred string) error {
	cfg := s.cfg
	if cfg.AuthMode == config.AuthModeNone {
		return nil
	}
	if cfg.Verifier == nil {
		return errNoVerifier
	}
	return cfg.Verifier.Verify(cred)
}

// startKeepalive arms the idle deadline, extends it on every pong and pings
// the client until the session closes.
func (wss *wsSession) startKeepalive() {
	idle := wss.srv.cfg.IdleTimeout
	if idle <= 0 {
		_ = wss.conn.SetReadDeadline(time.Time{})
		return
	}
	interval := wss.srv.cfg.PingInterval
	if interval <= 0 || interval >= idle {
		interval = idle / 2
	}

	_ = wss.conn.SetReadDeadline(time.Now().Add(idle))
	wss.conn.SetPongHandler(func(string) error {
		return wss.conn.SetReadDeadline(time.Now().Add(idle))
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-wss.done:
				return
			case <-ticker.C:
				if err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()
}

func (wss *wsSession) touch() {
	if idle := wss.srv.cfg.IdleTimeout; idle > 0 {
		_ = wss.conn.SetReadDeadline(time.Now().Add(idle))
	}
}

// Send implements protocol.Channel.
func (wss *wsSession) Send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	if wss.closed {
		return ErrSessionClosed
	}
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wss.conn.WriteMessage(websocket.TextMessage, data)
}

func (wss *wsSession) fail(message string, closeCode int, closeReason string) {
	_ = wss.Send(protocol.Message{Kind: protocol.KindError, Message: message})
	wss.closeWith(closeCode, closeReason)
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	if wss.closed {
		return
	}
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		wss.writeMu.Lock()
		wss.closed = true
		wss.writeMu.Unlock()
		close(wss.done)
		_ = wss.conn.Close()
	})
}

// unauthorizedMessage never echoes configuration details back to the client.
func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		return "missing credentials"
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUnsupportedJWT):
		return "invalid credentials"
	default:
		return "unauthorized"
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
