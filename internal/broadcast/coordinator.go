// Package broadcast coordinates one2many rooms: one presenter per room whose
// media is forwarded to any number of viewers.
//
// Every room slot is claimed synchronously before any media engine call.
// Setup then runs as a setup.Task and re-checks, under the coordinator lock,
// that its slot is still the current one before committing each resource.
// Resources committed to a slot are released by whoever removes the slot;
// resources not yet committed are released by the task that created them.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/candidates"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/setup"
)

var (
	ErrPresenterActive = errors.New("presenter already active")
	ErrNoPresenter     = errors.New("no active presenter")
	ErrAlreadyJoined   = errors.New("session already joined this room")

	// ErrSetupAborted is returned by a setup task whose slot was removed while
	// it was waiting on the media engine.
	ErrSetupAborted = errors.New("setup aborted")
)

type Config struct {
	// SetupTimeout bounds each presenter or viewer setup. Zero means no bound.
	SetupTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

type Coordinator struct {
	client       *media.Client
	queue        *candidates.Buffer
	log          *slog.Logger
	metrics      *metrics.Metrics
	setupTimeout time.Duration

	mu    sync.Mutex
	rooms map[string]*room

	tasks sync.WaitGroup
}

type room struct {
	presenter *presenter
	viewers   map[string]*viewer
}

type presenter struct {
	sessionID string
	channel   protocol.Channel
	task      *setup.Task

	engineHeld bool
	pipeline   media.Pipeline
	endpoint   media.Endpoint
	ready      bool
}

type viewer struct {
	sessionID string
	channel   protocol.Channel
	task      *setup.Task

	endpoint media.Endpoint
	ready    bool
}

// RoomInfo is a point-in-time view of a room.
type RoomInfo struct {
	Presenter      string
	PresenterReady bool
	Viewers        []string
}

func New(client *media.Client, queue *candidates.Buffer, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if queue == nil {
		queue = candidates.New()
	}
	return &Coordinator{
		client:       client,
		queue:        queue,
		log:          logger.With("component", "broadcast"),
		metrics:      cfg.Metrics,
		setupTimeout: cfg.SetupTimeout,
		rooms:        make(map[string]*room),
	}
}

// StartPresenter claims the presenter slot of roomName for sessionID and
// starts media setup. The outcome is reported on ch as a presenterResponse.
//
// If the room already has a presenter the request is rejected and the
// incumbent is left untouched. The returned task is nil in that case.
func (c *Coordinator) StartPresenter(roomName, sessionID string, ch protocol.Channel, sdpOffer string) (*setup.Task, error) {
	c.mu.Lock()
	rm := c.rooms[roomName]
	if rm != nil && rm.presenter != nil {
		c.mu.Unlock()
		c.reject(ch, protocol.KindPresenterResponse, metrics.PresenterRejected, ErrPresenterActive)
		return nil, ErrPresenterActive
	}
	if rm == nil {
		rm = &room{viewers: make(map[string]*viewer)}
		c.rooms[roomName] = rm
	}
	p := &presenter{
		sessionID: sessionID,
		channel:   ch,
		task:      setup.New(context.Background(), c.setupTimeout),
	}
	rm.presenter = p
	c.tasks.Add(1)
	c.mu.Unlock()

	log := c.log.With("room", roomName, "session_id", sessionID)
	p.task.Run(func(ctx context.Context) error {
		defer c.tasks.Done()
		accepted, err := c.setupPresenter(ctx, roomName, p, sdpOffer)
		if err == nil {
			log.Info("presenter ready")
			return nil
		}
		if !c.removePresenter(roomName, p) {
			// Stop or Close got there first and already notified the room.
			log.Info("presenter setup abandoned", "err", err)
			return err
		}
		if accepted {
			log.Warn("presenter failed after answer", "err", err)
			c.send(ch, protocol.StopCommunication(err.Error()))
		} else {
			log.Info("presenter rejected", "err", err)
			c.reject(ch, protocol.KindPresenterResponse, metrics.PresenterRejected, err)
		}
		return err
	})
	return p.task, nil
}

func (c *Coordinator) setupPresenter(ctx context.Context, roomName string, p *presenter, sdpOffer string) (accepted bool, err error) {
	eng, err := c.client.Acquire(ctx)
	if err != nil {
		c.metrics.Inc(metrics.EngineAcquireFailed)
		return false, err
	}
	if !c.commitPresenter(roomName, p, func() { p.engineHeld = true }) {
		c.client.Release()
		return false, ErrSetupAborted
	}

	pipeline, err := eng.CreatePipeline(ctx)
	if err != nil {
		return false, fmt.Errorf("create pipeline: %w", err)
	}
	if !c.commitPresenter(roomName, p, func() { p.pipeline = pipeline }) {
		_ = pipeline.Release()
		return false, ErrSetupAborted
	}

	ep, err := pipeline.CreateEndpoint(ctx)
	if err != nil {
		return false, fmt.Errorf("create endpoint: %w", err)
	}
	if !c.commitPresenter(roomName, p, func() {
		p.endpoint = ep
		c.bindLocked(ep, p.sessionID, p.channel)
	}) {
		_ = ep.Release()
		return false, ErrSetupAborted
	}

	answer, err := ep.ProcessOffer(ctx, sdpOffer)
	if err != nil {
		return false, fmt.Errorf("process offer: %w", err)
	}
	if !c.commitPresenter(roomName, p, func() { p.ready = true }) {
		return false, ErrSetupAborted
	}

	c.metrics.Inc(metrics.PresenterAccepted)
	c.send(p.channel, protocol.Accepted(protocol.KindPresenterResponse, answer))

	if err := ep.GatherCandidates(ctx); err != nil {
		return true, fmt.Errorf("gather candidates: %w", err)
	}
	return true, nil
}

// StartViewer adds sessionID as a viewer of roomName's presenter and starts
// media setup. The outcome is reported on ch as a viewerResponse.
func (c *Coordinator) StartViewer(roomName, sessionID string, ch protocol.Channel, sdpOffer string) (*setup.Task, error) {
	c.mu.Lock()
	rm := c.rooms[roomName]
	if rm == nil || rm.presenter == nil || !rm.presenter.ready {
		c.mu.Unlock()
		c.reject(ch, protocol.KindViewerResponse, metrics.ViewerRejected, ErrNoPresenter)
		return nil, ErrNoPresenter
	}
	p := rm.presenter
	if p.sessionID == sessionID || rm.viewers[sessionID] != nil {
		c.mu.Unlock()
		c.reject(ch, protocol.KindViewerResponse, metrics.ViewerRejected, ErrAlreadyJoined)
		return nil, ErrAlreadyJoined
	}
	v := &viewer{
		sessionID: sessionID,
		channel:   ch,
		task:      setup.New(context.Background(), c.setupTimeout),
	}
	rm.viewers[sessionID] = v
	c.tasks.Add(1)
	c.mu.Unlock()

	log := c.log.With("room", roomName, "session_id", sessionID)
	v.task.Run(func(ctx context.Context) error {
		defer c.tasks.Done()
		accepted, err := c.setupViewer(ctx, roomName, p, v, sdpOffer)
		if err == nil {
			log.Info("viewer ready")
			return nil
		}
		if !c.removeViewer(roomName, p, v) {
			log.Info("viewer setup abandoned", "err", err)
			return err
		}
		if accepted {
			log.Warn("viewer failed after answer", "err", err)
			c.send(ch, protocol.StopCommunication(err.Error()))
		} else {
			log.Info("viewer rejected", "err", err)
			c.reject(ch, protocol.KindViewerResponse, metrics.ViewerRejected, err)
		}
		return err
	})
	return v.task, nil
}

func (c *Coordinator) setupViewer(ctx context.Context, roomName string, p *presenter, v *viewer, sdpOffer string) (accepted bool, err error) {
	// p.pipeline and p.endpoint are fixed once p.ready is set.
	ep, err := p.pipeline.CreateEndpoint(ctx)
	if err != nil {
		return false, fmt.Errorf("create endpoint: %w", err)
	}
	if !c.commitViewer(roomName, p, v, func() {
		v.endpoint = ep
		c.bindLocked(ep, v.sessionID, v.channel)
	}) {
		_ = ep.Release()
		return false, ErrSetupAborted
	}

	answer, err := ep.ProcessOffer(ctx, sdpOffer)
	if err != nil {
		return false, fmt.Errorf("process offer: %w", err)
	}
	if !c.commitViewer(roomName, p, v, nil) {
		return false, ErrSetupAborted
	}

	if err := p.endpoint.Connect(ctx, ep); err != nil {
		return false, fmt.Errorf("connect presenter: %w", err)
	}
	if !c.commitViewer(roomName, p, v, func() { v.ready = true }) {
		return false, ErrSetupAborted
	}

	c.metrics.Inc(metrics.ViewerAccepted)
	c.send(v.channel, protocol.Accepted(protocol.KindViewerResponse, answer))

	if err := ep.GatherCandidates(ctx); err != nil {
		return true, fmt.Errorf("gather candidates: %w", err)
	}
	return true, nil
}

// Stop ends sessionID's role in roomName. A presenter takes the whole room
// down with it; every viewer is told exactly once. In-flight setup for the
// session is cancelled and its queued candidates are dropped either way.
func (c *Coordinator) Stop(roomName, sessionID string) {
	var (
		p *presenter
		v *viewer
	)
	c.mu.Lock()
	if rm := c.rooms[roomName]; rm != nil {
		if rm.presenter != nil && rm.presenter.sessionID == sessionID {
			p = rm.presenter
		} else if vv, ok := rm.viewers[sessionID]; ok {
			v = vv
		}
	}
	c.mu.Unlock()

	switch {
	case p != nil:
		if c.removePresenter(roomName, p) {
			c.log.Info("presenter stopped", "room", roomName, "session_id", sessionID)
		}
	case v != nil:
		c.removeViewer(roomName, p, v)
	}
	c.queue.Clear(sessionID)
}

// OnIceCandidate forwards a remote candidate to the session's endpoint in
// roomName, or queues it until that endpoint exists.
func (c *Coordinator) OnIceCandidate(roomName, sessionID string, cand media.Candidate) error {
	var ep media.Endpoint
	c.mu.Lock()
	if rm := c.rooms[roomName]; rm != nil {
		if rm.presenter != nil && rm.presenter.sessionID == sessionID {
			ep = rm.presenter.endpoint
		} else if v, ok := rm.viewers[sessionID]; ok {
			ep = v.endpoint
		}
	}
	if ep == nil {
		err := c.queue.Push(sessionID, cand)
		c.mu.Unlock()
		if err != nil {
			c.metrics.Inc(metrics.CandidatesDropped)
			return err
		}
		c.metrics.Inc(metrics.CandidatesQueued)
		return nil
	}
	c.mu.Unlock()

	if err := ep.AddCandidate(cand); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	c.metrics.Inc(metrics.CandidatesForwarded)
	return nil
}

// Disconnect stops every role sessionID holds in any room.
func (c *Coordinator) Disconnect(sessionID string) {
	var held []string
	c.mu.Lock()
	for name, rm := range c.rooms {
		if (rm.presenter != nil && rm.presenter.sessionID == sessionID) || rm.viewers[sessionID] != nil {
			held = append(held, name)
		}
	}
	c.mu.Unlock()

	for _, name := range held {
		c.Stop(name, sessionID)
	}
	c.queue.Clear(sessionID)
}

// Close tears down every room.
func (c *Coordinator) Close() {
	type entry struct {
		name string
		p    *presenter
	}
	var all []entry
	c.mu.Lock()
	for name, rm := range c.rooms {
		all = append(all, entry{name, rm.presenter})
	}
	c.mu.Unlock()

	for _, e := range all {
		c.removePresenter(e.name, e.p)
	}
}

// Wait blocks until every setup task started so far has finished.
func (c *Coordinator) Wait() {
	c.tasks.Wait()
}

// Rooms returns a snapshot of every room.
func (c *Coordinator) Rooms() map[string]RoomInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]RoomInfo, len(c.rooms))
	for name, rm := range c.rooms {
		var info RoomInfo
		if rm.presenter != nil {
			info.Presenter = rm.presenter.sessionID
			info.PresenterReady = rm.presenter.ready
		}
		for id := range rm.viewers {
			info.Viewers = append(info.Viewers, id)
		}
		sort.Strings(info.Viewers)
		out[name] = info
	}
	return out
}

func (c *Coordinator) commitPresenter(roomName string, p *presenter, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rm := c.rooms[roomName]
	if rm == nil || rm.presenter != p {
		return false
	}
	fn()
	return true
}

func (c *Coordinator) commitViewer(roomName string, p *presenter, v *viewer, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rm := c.rooms[roomName]
	if rm == nil || rm.presenter != p || rm.viewers[v.sessionID] != v {
		return false
	}
	if fn != nil {
		fn()
	}
	return true
}

// bindLocked drains the session's queued candidates into ep and starts
// forwarding ep's local candidates to the session. Must hold c.mu.
func (c *Coordinator) bindLocked(ep media.Endpoint, sessionID string, ch protocol.Channel) {
	for _, cand := range c.queue.Drain(sessionID) {
		if err := ep.AddCandidate(cand); err != nil {
			c.log.Warn("dropping queued candidate", "session_id", sessionID, "err", err)
			continue
		}
		c.metrics.Inc(metrics.CandidatesForwarded)
	}
	ep.OnCandidate(func(cand media.Candidate) {
		c.send(ch, protocol.IceCandidate(cand))
	})
}

// removePresenter removes p and its room if p is still the room's presenter,
// then notifies the viewers and releases everything the room held.
func (c *Coordinator) removePresenter(roomName string, p *presenter) bool {
	c.mu.Lock()
	rm := c.rooms[roomName]
	if rm == nil || rm.presenter != p {
		c.mu.Unlock()
		return false
	}
	delete(c.rooms, roomName)
	viewers := make([]*viewer, 0, len(rm.viewers))
	for _, v := range rm.viewers {
		viewers = append(viewers, v)
	}
	c.mu.Unlock()

	p.task.Cancel()
	for _, v := range viewers {
		v.task.Cancel()
		c.queue.Clear(v.sessionID)
		c.send(v.channel, protocol.StopCommunication(""))
	}
	c.queue.Clear(p.sessionID)

	// The pipeline owns every viewer endpoint of the room.
	if p.pipeline != nil {
		if err := p.pipeline.Release(); err != nil {
			c.log.Warn("pipeline release failed", "room", roomName, "err", err)
		}
	}
	if p.engineHeld {
		c.client.Release()
	}
	return true
}

// removeViewer removes v if it is still registered in roomName. p may be nil
// when the caller does not know the presenter v was set up against.
func (c *Coordinator) removeViewer(roomName string, p *presenter, v *viewer) bool {
	c.mu.Lock()
	rm := c.rooms[roomName]
	if rm == nil || rm.viewers[v.sessionID] != v || (p != nil && rm.presenter != p) {
		c.mu.Unlock()
		return false
	}
	delete(rm.viewers, v.sessionID)
	c.mu.Unlock()

	v.task.Cancel()
	c.queue.Clear(v.sessionID)
	if v.endpoint != nil {
		if err := v.endpoint.Release(); err != nil {
			c.log.Warn("viewer endpoint release failed", "room", roomName, "session_id", v.sessionID, "err", err)
		}
	}
	return true
}

func (c *Coordinator) reject(ch protocol.Channel, kind protocol.Kind, event string, cause error) {
	c.metrics.Inc(event)
	c.send(ch, protocol.Rejected(kind, cause.Error()))
}

func (c *Coordinator) send(ch protocol.Channel, msg protocol.Message) {
	if err := ch.Send(msg); err != nil {
		c.log.Debug("send failed", "kind", msg.Kind, "err", err)
	}
}
