package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/broadcast"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/candidates"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/media/mediatest"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/registry"
)

type testEnv struct {
	t         *testing.T
	url       string
	srv       *Server
	engine    *mediatest.Engine
	metrics   *metrics.Metrics
	broadcast *broadcast.Coordinator
	call      *call.Coordinator
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	engine := mediatest.New()
	client := media.NewClient(engine.Dialer(), nil)
	queue := candidates.New()
	m := metrics.New()
	b := broadcast.New(client, queue, broadcast.Config{Metrics: m})
	c := call.New(registry.New(), client, queue, call.Config{Metrics: m})

	cfg.Broadcast, cfg.Call, cfg.Metrics = b, c, m
	srv := NewServer(cfg)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux, nil)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		b.Close()
		c.Close()
		b.Wait()
		c.Wait()
	})
	return &testEnv{
		t:         t,
		url:       "ws" + strings.TrimPrefix(ts.URL, "http"),
		srv:       srv,
		engine:    engine,
		metrics:   m,
		broadcast: b,
		call:      c,
	}
}

func (e *testEnv) dial(path string) *websocket.Conn {
	e.t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial(e.url+path, nil)
	if err != nil {
		e.t.Fatalf("dial %s: %v", path, err)
	}
	_ = resp.Body.Close()
	e.t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, msg protocol.Message) {
	t.Helper()
	if err := c.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", msg.Kind, err)
	}
}

func sendRaw(t *testing.T, c *websocket.Conn, raw string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, c *websocket.Conn) protocol.Message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

// expectClose reads until the server closes the connection and returns the
// close frame.
func expectClose(t *testing.T, c *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("err=%v, want close error", err)
		}
		return ce
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (e *testEnv) startPresenter(room, offer string) *websocket.Conn {
	e.t.Helper()
	c := e.dial(PathOne2Many)
	send(e.t, c, protocol.Message{Kind: protocol.KindPresenter, Room: room, SDPOffer: offer})
	resp := recv(e.t, c)
	if resp.Kind != protocol.KindPresenterResponse || resp.Response != protocol.ResponseAccepted {
		e.t.Fatalf("presenter response=%+v, want accepted", resp)
	}
	if resp.SDPAnswer != mediatest.Answer(offer) {
		e.t.Fatalf("sdpAnswer=%q, want %q", resp.SDPAnswer, mediatest.Answer(offer))
	}
	return c
}

func (e *testEnv) startViewer(room, offer string) *websocket.Conn {
	e.t.Helper()
	c := e.dial(PathOne2Many)
	send(e.t, c, protocol.Message{Kind: protocol.KindViewer, Room: room, SDPOffer: offer})
	resp := recv(e.t, c)
	if resp.Kind != protocol.KindViewerResponse || resp.Response != protocol.ResponseAccepted {
		e.t.Fatalf("viewer response=%+v, want accepted", resp)
	}
	if resp.SDPAnswer != mediatest.Answer(offer) {
		e.t.Fatalf("sdpAnswer=%q, want %q", resp.SDPAnswer, mediatest.Answer(offer))
	}
	return c
}

func TestOne2Many_PresenterViewerLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})

	p := env.startPresenter("r1", "o1")
	v := env.startViewer("r1", "o2")

	rooms := env.broadcast.Rooms()
	if got := len(rooms["r1"].Viewers); got != 1 {
		t.Fatalf("viewers=%d, want 1", got)
	}

	_ = v.Close()
	waitFor(t, "viewer removal", func() bool {
		info, ok := env.broadcast.Rooms()["r1"]
		return ok && len(info.Viewers) == 0
	})

	send(t, p, protocol.Message{Kind: protocol.KindStop, Room: "r1"})
	waitFor(t, "room removal", func() bool {
		_, ok := env.broadcast.Rooms()["r1"]
		return !ok
	})
}

func TestOne2Many_PresenterDisconnectStopsViewers(t *testing.T) {
	env := newTestEnv(t, Config{})

	p := env.startPresenter("r1", "o1")
	v := env.startViewer("r1", "o2")

	_ = p.Close()

	msg := recv(t, v)
	if msg.Kind != protocol.KindStopCommunication {
		t.Fatalf("kind=%q, want %q", msg.Kind, protocol.KindStopCommunication)
	}
	waitFor(t, "room removal", func() bool {
		_, ok := env.broadcast.Rooms()["r1"]
		return !ok
	})
}

func TestOne2Many_SecondPresenterRejected(t *testing.T) {
	env := newTestEnv(t, Config{})

	env.startPresenter("r1", "o1")

	c := env.dial(PathOne2Many)
	send(t, c, protocol.Message{Kind: protocol.KindPresenter, Room: "r1", SDPOffer: "o3"})
	resp := recv(t, c)
	if resp.Kind != protocol.KindPresenterResponse || resp.Response != protocol.ResponseRejected {
		t.Fatalf("response=%+v, want rejected presenterResponse", resp)
	}
	if resp.Message == "" {
		t.Fatalf("rejected response carries no cause")
	}
	if got := env.broadcast.Rooms()["r1"].PresenterReady; !got {
		t.Fatalf("incumbent presenter no longer ready")
	}
}

func TestOne2Many_ViewerWithoutPresenterRejected(t *testing.T) {
	env := newTestEnv(t, Config{})

	env.startPresenter("r1", "o1")

	c := env.dial(PathOne2Many)
	send(t, c, protocol.Message{Kind: protocol.KindViewer, Room: "r2", SDPOffer: "o2"})
	resp := recv(t, c)
	if resp.Kind != protocol.KindViewerResponse || resp.Response != protocol.ResponseRejected {
		t.Fatalf("response=%+v, want rejected viewerResponse", resp)
	}
	if _, ok := env.broadcast.Rooms()["r2"]; ok {
		t.Fatalf("rejected viewer created room r2")
	}
}

func TestOne2Many_EmptyRoomUsesDefault(t *testing.T) {
	env := newTestEnv(t, Config{})

	p := env.startPresenter("", "o1")
	if _, ok := env.broadcast.Rooms()[DefaultRoom]; !ok {
		t.Fatalf("rooms=%v, want %q", env.broadcast.Rooms(), DefaultRoom)
	}

	send(t, p, protocol.Message{Kind: protocol.KindStop})
	waitFor(t, "default room removal", func() bool {
		return len(env.broadcast.Rooms()) == 0
	})
}

func TestOne2Many_QueuedCandidateReachesEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	c := env.dial(PathOne2Many)
	send(t, c, protocol.Message{Kind: protocol.KindOnIceCandidate, Room: "r1", Candidate: &media.Candidate{Candidate: "c1"}})
	send(t, c, protocol.Message{Kind: protocol.KindPresenter, Room: "r1", SDPOffer: "o1"})
	if resp := recv(t, c); resp.Response != protocol.ResponseAccepted {
		t.Fatalf("response=%+v, want accepted", resp)
	}
	send(t, c, protocol.Message{Kind: protocol.KindOnIceCandidate, Room: "r1", Candidate: &media.Candidate{Candidate: "c2"}})

	waitFor(t, "candidates", func() bool {
		eps := env.engine.Endpoints()
		return len(eps) == 1 && len(eps[0].Candidates()) == 2
	})
	if got := env.engine.Endpoints()[0].Candidates(); got[0] != "c1" || got[1] != "c2" {
		t.Fatalf("candidates=%v, want [c1 c2]", got)
	}
}

func TestInvalidMessagesKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t, Config{})

	c := env.dial(PathOne2Many)
	for _, raw := range []string{
		`{"id":"bogus"}`,
		`not json`,
		`{"id":"presenter","room":"r1"}`,
		`{"id":"register","name":"alice"}`,
	} {
		sendRaw(t, c, raw)
		msg := recv(t, c)
		if msg.Kind != protocol.KindError {
			t.Fatalf("kind=%q, want error for %s", msg.Kind, raw)
		}
		if want := "Invalid message " + raw; msg.Message != want {
			t.Fatalf("message=%q, want %q", msg.Message, want)
		}
	}
	if got := env.metrics.Get(metrics.UnknownMessage); got != 4 {
		t.Fatalf("unknown_message=%d, want 4", got)
	}

	send(t, c, protocol.Message{Kind: protocol.KindPresenter, Room: "r1", SDPOffer: "o1"})
	if resp := recv(t, c); resp.Kind != protocol.KindPresenterResponse || resp.Response != protocol.ResponseAccepted {
		t.Fatalf("response=%+v, want accepted presenterResponse", resp)
	}
}

func TestOne2One_CallFlow(t *testing.T) {
	env := newTestEnv(t, Config{})

	alice := env.dial(PathOne2One)
	bob := env.dial(PathOne2One)
	for name, c := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		send(t, c, protocol.Message{Kind: protocol.KindRegister, Name: name})
		if resp := recv(t, c); resp.Kind != protocol.KindRegisterResponse || resp.Response != protocol.ResponseAccepted {
			t.Fatalf("%s register=%+v, want accepted", name, resp)
		}
	}

	send(t, alice, protocol.Message{Kind: protocol.KindCall, To: "bob", From: "alice", SDPOffer: "oa"})
	ring := recv(t, bob)
	if ring.Kind != protocol.KindIncomingCall || ring.From != "alice" {
		t.Fatalf("ring=%+v, want incomingCall from alice", ring)
	}

	send(t, bob, protocol.Message{Kind: protocol.KindIncomingCallResponse, From: "alice", CallResponse: protocol.CallAccept, SDPOffer: "ob"})
	start := recv(t, bob)
	if start.Kind != protocol.KindStartCommunication || start.SDPAnswer != mediatest.Answer("ob") {
		t.Fatalf("callee got %+v, want startCommunication with %q", start, mediatest.Answer("ob"))
	}
	resp := recv(t, alice)
	if resp.Kind != protocol.KindCallResponse || resp.Response != protocol.ResponseAccepted || resp.SDPAnswer != mediatest.Answer("oa") {
		t.Fatalf("caller got %+v, want accepted callResponse with %q", resp, mediatest.Answer("oa"))
	}

	_ = bob.Close()
	if msg := recv(t, alice); msg.Kind != protocol.KindStopCommunication {
		t.Fatalf("kind=%q, want %q", msg.Kind, protocol.KindStopCommunication)
	}
	waitFor(t, "call teardown", func() bool { return env.engine.LiveEndpoints() == 0 })
}

func TestOne2One_DuplicateNameRejected(t *testing.T) {
	env := newTestEnv(t, Config{})

	first := env.dial(PathOne2One)
	send(t, first, protocol.Message{Kind: protocol.KindRegister, Name: "alice"})
	if resp := recv(t, first); resp.Response != protocol.ResponseAccepted {
		t.Fatalf("first register=%+v, want accepted", resp)
	}

	second := env.dial(PathOne2One)
	send(t, second, protocol.Message{Kind: protocol.KindRegister, Name: "alice"})
	resp := recv(t, second)
	if resp.Response != protocol.ResponseRejected || resp.Message != "User alice is already registered" {
		t.Fatalf("second register=%+v, want rejected duplicate", resp)
	}

	// The name is free again once its owner disconnects.
	_ = first.Close()
	waitFor(t, "unregister", func() bool {
		send(t, second, protocol.Message{Kind: protocol.KindRegister, Name: "alice"})
		return recv(t, second).Response == protocol.ResponseAccepted
	})
}

func TestOne2One_AnswerBeforeRegisterIsAnError(t *testing.T) {
	env := newTestEnv(t, Config{})

	c := env.dial(PathOne2One)
	send(t, c, protocol.Message{Kind: protocol.KindIncomingCallResponse, From: "alice", CallResponse: protocol.CallReject})
	if msg := recv(t, c); msg.Kind != protocol.KindError {
		t.Fatalf("kind=%q, want error", msg.Kind)
	}
}

func newAPIKeyEnv(t *testing.T, authTimeout time.Duration) *testEnv {
	return newTestEnv(t, Config{
		AuthMode:    config.AuthModeAPIKey,
		Verifier:    auth.APIKeyVerifier{Expected: "secret"},
		AuthTimeout: authTimeout,
	})
}

func TestAuth_QueryCredential(t *testing.T) {
	env := newAPIKeyEnv(t, time.Second)

	c := env.dial(PathOne2Many + "?apiKey=secret")
	// A redundant auth message after query authentication is ignored.
	send(t, c, protocol.Message{Kind: protocol.KindAuth, APIKey: "secret"})
	send(t, c, protocol.Message{Kind: protocol.KindPresenter, Room: "r1", SDPOffer: "o1"})
	if resp := recv(t, c); resp.Kind != protocol.KindPresenterResponse || resp.Response != protocol.ResponseAccepted {
		t.Fatalf("response=%+v, want accepted presenterResponse", resp)
	}
}

func TestAuth_InvalidQueryCredentialCloses(t *testing.T) {
	env := newAPIKeyEnv(t, time.Second)

	c := env.dial(PathOne2Many + "?apiKey=wrong")
	msg := recv(t, c)
	if msg.Kind != protocol.KindError || msg.Message != "invalid credentials" {
		t.Fatalf("msg=%+v, want invalid credentials error", msg)
	}
	if ce := expectClose(t, c); ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code=%d, want %d", ce.Code, websocket.ClosePolicyViolation)
	}
	if got := env.metrics.Get(metrics.AuthFailure); got != 1 {
		t.Fatalf("auth_failure=%d, want 1", got)
	}
}

func TestAuth_FirstMessage(t *testing.T) {
	env := newAPIKeyEnv(t, time.Second)

	c := env.dial(PathOne2One)
	send(t, c, protocol.Message{Kind: protocol.KindAuth, APIKey: "secret"})
	send(t, c, protocol.Message{Kind: protocol.KindRegister, Name: "alice"})
	if resp := recv(t, c); resp.Kind != protocol.KindRegisterResponse || resp.Response != protocol.ResponseAccepted {
		t.Fatalf("response=%+v, want accepted registerResponse", resp)
	}
}

func TestAuth_FirstMessageMustBeAuth(t *testing.T) {
	env := newAPIKeyEnv(t, time.Second)

	c := env.dial(PathOne2One)
	send(t, c, protocol.Message{Kind: protocol.KindRegister, Name: "alice"})
	msg := recv(t, c)
	if msg.Kind != protocol.KindError || msg.Message != "authentication required" {
		t.Fatalf("msg=%+v, want authentication required", msg)
	}
	if ce := expectClose(t, c); ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code=%d, want %d", ce.Code, websocket.ClosePolicyViolation)
	}
}

func TestAuth_Timeout(t *testing.T) {
	env := newAPIKeyEnv(t, 100*time.Millisecond)

	c := env.dial(PathOne2Many)
	ce := expectClose(t, c)
	if ce.Code != websocket.ClosePolicyViolation || ce.Text != "authentication timeout" {
		t.Fatalf("close=%d %q, want %d %q", ce.Code, ce.Text, websocket.ClosePolicyViolation, "authentication timeout")
	}
}

type frozenClock struct{ now time.Time }

func (c frozenClock) Now() time.Time { return c.now }

func TestRateLimitClosesSession(t *testing.T) {
	env := newTestEnv(t, Config{
		MaxMessagesPerSecond: 2,
		Clock:                frozenClock{now: time.Unix(1_700_000_000, 0)},
	})

	c := env.dial(PathOne2Many)
	for i := 0; i < 3; i++ {
		send(t, c, protocol.Message{Kind: protocol.KindStop})
	}
	msg := recv(t, c)
	if msg.Kind != protocol.KindError || msg.Message != "rate limit exceeded" {
		t.Fatalf("msg=%+v, want rate limit error", msg)
	}
	if ce := expectClose(t, c); ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code=%d, want %d", ce.Code, websocket.ClosePolicyViolation)
	}
	if got := env.metrics.Get(metrics.RateLimited); got != 1 {
		t.Fatalf("rate_limited=%d, want 1", got)
	}
}

func TestBinaryMessageCloses(t *testing.T) {
	env := newTestEnv(t, Config{})

	c := env.dial(PathOne2Many)
	if err := c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := recv(t, c); msg.Kind != protocol.KindError {
		t.Fatalf("kind=%q, want error", msg.Kind)
	}
	if ce := expectClose(t, c); ce.Code != websocket.CloseUnsupportedData {
		t.Fatalf("close code=%d, want %d", ce.Code, websocket.CloseUnsupportedData)
	}
}

func TestReadLimitCloses(t *testing.T) {
	env := newTestEnv(t, Config{MaxMessageBytes: 64})

	c := env.dial(PathOne2Many)
	sendRaw(t, c, `{"id":"presenter","room":"r1","sdpOffer":"`+strings.Repeat("x", 128)+`"}`)
	if ce := expectClose(t, c); ce.Code != websocket.CloseMessageTooBig {
		t.Fatalf("close code=%d, want %d", ce.Code, websocket.CloseMessageTooBig)
	}
}

func TestKeepalive_IdleTimeoutClosesWithoutPong(t *testing.T) {
	env := newTestEnv(t, Config{
		IdleTimeout:  500 * time.Millisecond,
		PingInterval: 50 * time.Millisecond,
	})

	c := env.dial(PathOne2Many)
	pingSeen := make(chan struct{}, 1)
	c.SetPingHandler(func(string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		return nil
	})

	ce := expectClose(t, c)
	select {
	case <-pingSeen:
	default:
		t.Fatalf("no ping before idle close")
	}
	if ce.Code != websocket.CloseNormalClosure {
		t.Fatalf("close code=%d, want %d", ce.Code, websocket.CloseNormalClosure)
	}
}

func TestKeepalive_PongKeepsSessionOpen(t *testing.T) {
	idle := 300 * time.Millisecond
	env := newTestEnv(t, Config{
		IdleTimeout:  idle,
		PingInterval: 50 * time.Millisecond,
	})

	c := env.dial(PathOne2Many)
	errCh := make(chan error, 1)
	go func() {
		// The default ping handler answers with a pong.
		_, _, err := c.ReadMessage()
		errCh <- err
	}()

	time.Sleep(3 * idle)
	select {
	case err := <-errCh:
		t.Fatalf("session closed despite pongs: %v", err)
	default:
	}
	if got := env.srv.Sessions(); got != 1 {
		t.Fatalf("sessions=%d, want 1", got)
	}
}

func TestServerCloseEndsSessions(t *testing.T) {
	env := newTestEnv(t, Config{})

	p := env.startPresenter("r1", "o1")
	env.startViewer("r1", "o2")

	env.srv.Close()
	if ce := expectClose(t, p); ce.Code != websocket.CloseGoingAway {
		t.Fatalf("close code=%d, want %d", ce.Code, websocket.CloseGoingAway)
	}
	if got := env.srv.Sessions(); got != 0 {
		t.Fatalf("sessions=%d, want 0", got)
	}
	if got := len(env.broadcast.Rooms()); got != 0 {
		t.Fatalf("rooms=%d, want 0", got)
	}

	_, resp, err := websocket.DefaultDialer.Dial(env.url+PathOne2Many, nil)
	if err == nil {
		t.Fatalf("dial after Close succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v, want 503", resp)
	}
}

func TestRoutesFollowCoordinators(t *testing.T) {
	srv := NewServer(Config{})
	if got := srv.Routes(); len(got) != 0 {
		t.Fatalf("routes=%v, want none", got)
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathOne2Many, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRoomsHandler(t *testing.T) {
	env := newTestEnv(t, Config{})

	env.startPresenter("r1", "o1")
	env.startViewer("r1", "o2")

	rec := httptest.NewRecorder()
	env.srv.RoomsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/one2many/rooms", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusOK)
	}

	var body struct {
		Rooms    map[string]roomStatus `json:"rooms"`
		Sessions int                   `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	r1, ok := body.Rooms["r1"]
	if !ok || !r1.PresenterReady || len(r1.Viewers) != 1 {
		t.Fatalf("rooms=%+v, want r1 with a ready presenter and one viewer", body.Rooms)
	}
	if body.Sessions != 2 {
		t.Fatalf("sessions=%d, want 2", body.Sessions)
	}
}

func TestRoomsHandlerRequiresCredential(t *testing.T) {
	env := newAPIKeyEnv(t, time.Second)
	h := env.srv.RoomsHandler()

	for _, target := range []string{"/one2many/rooms", "/one2many/rooms?apiKey=wrong"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status=%d, want %d", target, rec.Code, http.StatusUnauthorized)
		}
		if strings.Contains(rec.Body.String(), "rooms") {
			t.Fatalf("%s: body=%q leaks room state", target, rec.Body.String())
		}
	}
	if got := env.metrics.Get(metrics.AuthFailure); got != 2 {
		t.Fatalf("auth failures=%d, want 2", got)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/one2many/rooms?apiKey=secret", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusOK)
	}
}
