package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PionEngine is an in-process Engine. Every endpoint is a server-side
// PeerConnection; connecting endpoints forwards RTP between them.
type PionEngine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *slog.Logger

	mu        sync.Mutex
	closed    bool
	pipelines map[string]*pionPipeline
}

func NewPionEngine(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger) *PionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &PionEngine{
		api:        api,
		iceServers: iceServers,
		log:        logger.With("component", "media"),
		pipelines:  make(map[string]*pionPipeline),
	}
}

// PionDialer returns a DialFunc producing a fresh PionEngine per connection.
func PionDialer(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger) DialFunc {
	return func(ctx context.Context) (Engine, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if api == nil {
			return nil, errors.New("webrtc api not configured")
		}
		return NewPionEngine(api, iceServers, logger), nil
	}
}

func (e *PionEngine) CreatePipeline(ctx context.Context) (Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	p := &pionPipeline{
		id:        uuid.NewString(),
		engine:    e,
		endpoints: make(map[string]*pionEndpoint),
	}
	e.pipelines[p.id] = p
	e.log.Debug("pipeline created", "pipeline_id", p.id)
	return p, nil
}

// Close releases every pipeline still open on the engine.
func (e *PionEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pipelines := make([]*pionPipeline, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		pipelines = append(pipelines, p)
	}
	e.mu.Unlock()

	var errs []error
	for _, p := range pipelines {
		if err := p.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pipelines reports how many pipelines are open.
func (e *PionEngine) Pipelines() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pipelines)
}

func (e *PionEngine) forget(id string) {
	e.mu.Lock()
	delete(e.pipelines, id)
	e.mu.Unlock()
}

type pionPipeline struct {
	id     string
	engine *PionEngine

	mu        sync.Mutex
	released  bool
	endpoints map[string]*pionEndpoint
}

func (p *pionPipeline) ID() string { return p.id }

func (p *pionPipeline) CreateEndpoint(ctx context.Context) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	released := p.released
	p.mu.Unlock()
	if released {
		return nil, ErrReleased
	}

	ep, err := newPionEndpoint(p)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		_ = ep.close()
		return nil, ErrReleased
	}
	p.endpoints[ep.id] = ep
	p.mu.Unlock()

	p.engine.log.Debug("endpoint created", "pipeline_id", p.id, "endpoint_id", ep.id)
	return ep, nil
}

func (p *pionPipeline) Release() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	endpoints := make([]*pionEndpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		endpoints = append(endpoints, ep)
	}
	p.endpoints = nil
	p.mu.Unlock()

	var errs []error
	for _, ep := range endpoints {
		if err := ep.close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.engine.forget(p.id)
	p.engine.log.Debug("pipeline released", "pipeline_id", p.id, "endpoints", len(endpoints))
	return errors.Join(errs...)
}

func (p *pionPipeline) forget(id string) {
	p.mu.Lock()
	if p.endpoints != nil {
		delete(p.endpoints, id)
	}
	p.mu.Unlock()
}

type pionEndpoint struct {
	id       string
	pipeline *pionPipeline
	pc       *webrtc.PeerConnection
	log      *slog.Logger

	video *webrtc.TrackLocalStaticRTP
	audio *webrtc.TrackLocalStaticRTP

	mu            sync.Mutex
	released      bool
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	videoSSRC     uint32
	haveVideo     bool
	source        *pionEndpoint

	// deliverMu keeps local candidate delivery in discovery order across the
	// ICE callback and GatherCandidates.
	deliverMu    sync.Mutex
	gathering    bool
	pendingLocal []Candidate
	onCandidate  func(Candidate)

	sinksMu sync.RWMutex
	sinks   map[string]*pionEndpoint
}

func newPionEndpoint(p *pionPipeline) (*pionEndpoint, error) {
	pc, err := p.engine.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.engine.iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ep := &pionEndpoint{
		id:       uuid.NewString(),
		pipeline: p,
		pc:       pc,
		sinks:    make(map[string]*pionEndpoint),
	}
	ep.log = p.engine.log.With("pipeline_id", p.id, "endpoint_id", ep.id)

	streamID := "aero-" + ep.id
	ep.video, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	ep.audio, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	for _, track := range []*webrtc.TrackLocalStaticRTP{ep.video, ep.audio} {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		go ep.readRTCP(sender)
	}

	pc.OnICECandidate(ep.handleLocalCandidate)
	pc.OnTrack(ep.handleRemoteTrack)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		ep.log.Debug("peer connection state", "state", s.String())
	})

	return ep, nil
}

func (ep *pionEndpoint) ID() string { return ep.id }

func (ep *pionEndpoint) ProcessOffer(ctx context.Context, sdpOffer string) (string, error) {
	if strings.TrimSpace(sdpOffer) == "" {
		return "", ErrInvalidOffer
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ep.isReleased() {
		return "", ErrReleased
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}
	if err := ep.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	answer, err := ep.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := ep.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	ep.mu.Lock()
	ep.remoteSet = true
	pending := ep.pendingRemote
	ep.pendingRemote = nil
	for _, c := range pending {
		if err := ep.pc.AddICECandidate(c); err != nil {
			ep.log.Warn("dropping remote candidate", "err", err)
		}
	}
	ep.mu.Unlock()

	local := ep.pc.LocalDescription()
	if local == nil {
		return "", errors.New("missing local description after SetLocalDescription")
	}
	return local.SDP, nil
}

func (ep *pionEndpoint) AddCandidate(c Candidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.released {
		return ErrReleased
	}
	if !ep.remoteSet {
		ep.pendingRemote = append(ep.pendingRemote, init)
		return nil
	}
	return ep.pc.AddICECandidate(init)
}

func (ep *pionEndpoint) GatherCandidates(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ep.isReleased() {
		return ErrReleased
	}

	ep.deliverMu.Lock()
	defer ep.deliverMu.Unlock()
	ep.gathering = true
	pending := ep.pendingLocal
	ep.pendingLocal = nil
	if ep.onCandidate != nil {
		for _, c := range pending {
			ep.onCandidate(c)
		}
	}
	return nil
}

func (ep *pionEndpoint) OnCandidate(fn func(Candidate)) {
	ep.deliverMu.Lock()
	ep.onCandidate = fn
	ep.deliverMu.Unlock()
}

func (ep *pionEndpoint) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	cand := Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}

	ep.deliverMu.Lock()
	defer ep.deliverMu.Unlock()
	if !ep.gathering || ep.onCandidate == nil {
		ep.pendingLocal = append(ep.pendingLocal, cand)
		return
	}
	ep.onCandidate(cand)
}

func (ep *pionEndpoint) Connect(ctx context.Context, sink Endpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, ok := sink.(*pionEndpoint)
	if !ok || dst.pipeline != ep.pipeline {
		return ErrForeignEndpoint
	}
	if ep.isReleased() || dst.isReleased() {
		return ErrReleased
	}

	ep.sinksMu.Lock()
	ep.sinks[dst.id] = dst
	ep.sinksMu.Unlock()

	dst.mu.Lock()
	dst.source = ep
	dst.mu.Unlock()

	// A new sink cannot decode anything until the next keyframe.
	ep.requestKeyframe()
	return nil
}

func (ep *pionEndpoint) Release() error {
	err := ep.close()
	ep.pipeline.forget(ep.id)
	return err
}

func (ep *pionEndpoint) close() error {
	ep.mu.Lock()
	if ep.released {
		ep.mu.Unlock()
		return nil
	}
	ep.released = true
	src := ep.source
	ep.source = nil
	ep.pendingRemote = nil
	ep.mu.Unlock()

	if src != nil {
		src.sinksMu.Lock()
		delete(src.sinks, ep.id)
		src.sinksMu.Unlock()
	}

	ep.sinksMu.Lock()
	sinks := ep.sinks
	ep.sinks = make(map[string]*pionEndpoint)
	ep.sinksMu.Unlock()
	for _, s := range sinks {
		s.mu.Lock()
		if s.source == ep {
			s.source = nil
		}
		s.mu.Unlock()
	}

	ep.deliverMu.Lock()
	ep.onCandidate = nil
	ep.pendingLocal = nil
	ep.deliverMu.Unlock()

	return ep.pc.Close()
}

func (ep *pionEndpoint) isReleased() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.released
}

func (ep *pionEndpoint) handleRemoteTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := remote.Kind()
	ep.log.Debug("remote track", "kind", kind.String(), "codec", remote.Codec().MimeType)
	if kind == webrtc.RTPCodecTypeVideo {
		ep.mu.Lock()
		ep.videoSSRC = uint32(remote.SSRC())
		ep.haveVideo = true
		ep.mu.Unlock()
		ep.requestKeyframe()
	}

	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		ep.fanout(kind, pkt)
	}
}

func (ep *pionEndpoint) fanout(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	ep.sinksMu.RLock()
	defer ep.sinksMu.RUnlock()
	for _, sink := range ep.sinks {
		track := sink.audio
		if kind == webrtc.RTPCodecTypeVideo {
			track = sink.video
		}
		// Unbound tracks (sink not negotiated yet) drop silently.
		_ = track.WriteRTP(pkt)
	}
}

// readRTCP drains RTCP from a sender (interceptors depend on it being read)
// and relays keyframe requests from the remote receiver to our media source.
func (ep *pionEndpoint) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				ep.mu.Lock()
				src := ep.source
				ep.mu.Unlock()
				if src != nil {
					src.requestKeyframe()
				}
			}
		}
	}
}

func (ep *pionEndpoint) requestKeyframe() {
	ep.mu.Lock()
	ssrc, ok := ep.videoSSRC, ep.haveVideo && !ep.released
	ep.mu.Unlock()
	if !ok {
		return
	}
	if err := ep.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		ep.log.Debug("keyframe request failed", "err", err)
	}
}

// Sinks reports how many endpoints this endpoint currently forwards to.
func (ep *pionEndpoint) Sinks() int {
	ep.sinksMu.RLock()
	defer ep.sinksMu.RUnlock()
	return len(ep.sinks)
}
