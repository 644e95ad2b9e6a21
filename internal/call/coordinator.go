// Package call coordinates one2one calls between registered users.
//
// A call is the symmetric Peer link between two registry sessions. Once the
// callee accepts, the coordinator builds a media path for it: one pipeline,
// one endpoint per side, each forwarding to the other.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/candidates"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/setup"
)

var (
	ErrNotRegistered = errors.New("call: session not registered")
	ErrUnknownUser   = errors.New("call: unknown user")
	ErrUnknownPeer   = errors.New("call: no pending call from peer")
	ErrBusy          = errors.New("call: user busy")
	ErrSelfCall      = errors.New("call: cannot call yourself")
	ErrSetupAborted  = errors.New("call: setup aborted")
	ErrCallActive    = errors.New("call: call already answered")
)

const (
	causeDeclined = "user declined"
	causeHangup   = "remote user hanged out"
)

type Config struct {
	SetupTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

type Coordinator struct {
	registry     *registry.Registry
	client       *media.Client
	queue        *candidates.Buffer
	log          *slog.Logger
	metrics      *metrics.Metrics
	setupTimeout time.Duration

	// mu guards calls and the Peer/PendingOffer fields of registry sessions.
	mu    sync.Mutex
	calls map[string]*callMedia

	tasks sync.WaitGroup
}

// callMedia is the media path of one accepted call. Both parties' session
// ids map to the same record.
type callMedia struct {
	callerID string
	calleeID string
	task     *setup.Task

	engineHeld bool
	pipeline   media.Pipeline
	endpoints  map[string]media.Endpoint
	ready      bool
}

func New(reg *registry.Registry, client *media.Client, queue *candidates.Buffer, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = registry.New()
	}
	if queue == nil {
		queue = candidates.New()
	}
	return &Coordinator{
		registry:     reg,
		client:       client,
		queue:        queue,
		log:          logger.With("component", "call"),
		metrics:      cfg.Metrics,
		setupTimeout: cfg.SetupTimeout,
		calls:        make(map[string]*callMedia),
	}
}

// Register binds name to the session and answers with a registerResponse.
func (c *Coordinator) Register(sessionID, name string, ch protocol.Channel) error {
	_, err := c.registry.Register(sessionID, name, ch)
	switch {
	case err == nil:
		c.log.Info("user registered", "session_id", sessionID, "name", name)
		c.send(ch, protocol.Accepted(protocol.KindRegisterResponse, ""))
		return nil
	case errors.Is(err, registry.ErrInvalidName):
		c.send(ch, protocol.Rejected(protocol.KindRegisterResponse, "empty user name"))
	case errors.Is(err, registry.ErrDuplicateName):
		c.send(ch, protocol.Rejected(protocol.KindRegisterResponse, fmt.Sprintf("User %s is already registered", name)))
	case errors.Is(err, registry.ErrAlreadyRegistered):
		existing := ""
		if s, ok := c.registry.GetByID(sessionID); ok {
			existing = s.Name
		}
		c.send(ch, protocol.Rejected(protocol.KindRegisterResponse, fmt.Sprintf("Already registered as %s", existing)))
	default:
		c.send(ch, protocol.Rejected(protocol.KindRegisterResponse, err.Error()))
	}
	return err
}

// Call rings toName on behalf of the registered caller. The caller's offer is
// held until the callee answers.
func (c *Coordinator) Call(callerID, toName string, ch protocol.Channel, sdpOffer string) error {
	c.mu.Lock()
	caller, ok := c.registry.GetByID(callerID)
	if !ok {
		c.mu.Unlock()
		c.rejectCall(ch, "You must register before calling")
		return ErrNotRegistered
	}
	callee, ok := c.registry.GetByName(toName)
	if !ok {
		c.mu.Unlock()
		c.rejectCall(ch, fmt.Sprintf("User %s is not registered", toName))
		return ErrUnknownUser
	}
	if callee.ID == caller.ID {
		c.mu.Unlock()
		c.rejectCall(ch, "You cannot call yourself")
		return ErrSelfCall
	}
	if caller.Peer != "" {
		c.mu.Unlock()
		c.rejectCall(ch, fmt.Sprintf("You are already in a call with %s", caller.Peer))
		return ErrBusy
	}
	if callee.Peer != "" {
		c.mu.Unlock()
		c.rejectCall(ch, fmt.Sprintf("User %s is busy", toName))
		return ErrBusy
	}
	caller.Peer = callee.Name
	callee.Peer = caller.Name
	caller.PendingOffer = sdpOffer
	calleeCh := callee.Channel
	callerName := caller.Name
	c.mu.Unlock()

	if err := calleeCh.Send(protocol.Message{Kind: protocol.KindIncomingCall, From: callerName}); err != nil {
		c.mu.Lock()
		if caller.Peer == callee.Name && callee.Peer == caller.Name {
			c.unlinkLocked(caller, callee)
		}
		c.mu.Unlock()
		c.rejectCall(ch, fmt.Sprintf("Error %v", err))
		return err
	}
	c.log.Info("call ringing", "session_id", callerID, "from", callerName, "to", toName)
	return nil
}

// IncomingCallResponse handles the callee's answer to a ring from fromName.
func (c *Coordinator) IncomingCallResponse(calleeID, fromName, response, sdpOffer string) (*setup.Task, error) {
	c.mu.Lock()
	callee, ok := c.registry.GetByID(calleeID)
	if !ok {
		c.mu.Unlock()
		c.queue.Clear(calleeID)
		return nil, ErrNotRegistered
	}
	caller, ok := c.registry.GetByName(fromName)
	if cm := c.calls[calleeID]; ok && cm != nil && cm.callerID == caller.ID {
		// Retried answer; the call is live or still being set up.
		c.mu.Unlock()
		c.send(callee.Channel, protocol.Message{Kind: protocol.KindError, Message: "Call with " + fromName + " already answered"})
		return nil, ErrCallActive
	}
	if !ok || caller.Peer != callee.Name || callee.Peer != caller.Name || caller.PendingOffer == "" {
		c.mu.Unlock()
		c.queue.Clear(calleeID)
		c.send(callee.Channel, protocol.StopCommunication("unknown from = "+fromName))
		return nil, ErrUnknownPeer
	}

	if response != protocol.CallAccept {
		c.unlinkLocked(caller, callee)
		c.mu.Unlock()
		c.queue.Clear(calleeID)
		c.queue.Clear(caller.ID)
		c.metrics.Inc(metrics.CallRejected)
		c.send(caller.Channel, protocol.Rejected(protocol.KindCallResponse, causeDeclined))
		c.log.Info("call declined", "session_id", calleeID, "from", fromName)
		return nil, nil
	}

	callerOffer := caller.PendingOffer
	caller.PendingOffer = ""
	cm := &callMedia{
		callerID:  caller.ID,
		calleeID:  callee.ID,
		task:      setup.New(context.Background(), c.setupTimeout),
		endpoints: make(map[string]media.Endpoint, 2),
	}
	c.calls[caller.ID] = cm
	c.calls[callee.ID] = cm
	c.tasks.Add(1)
	c.mu.Unlock()

	callerCh, calleeCh := caller.Channel, callee.Channel
	log := c.log.With("session_id", calleeID, "from", fromName)
	cm.task.Run(func(ctx context.Context) error {
		defer c.tasks.Done()
		accepted, err := c.setupCall(ctx, cm, callerCh, calleeCh, callerOffer, sdpOffer)
		if err == nil {
			log.Info("call established")
			return nil
		}
		if !c.removeCall(cm) {
			// Someone hung up while the media path was being built; Stop
			// already told the other side.
			log.Info("call setup abandoned", "err", err)
			return err
		}
		log.Warn("call setup failed", "err", err)
		if accepted {
			c.send(callerCh, protocol.StopCommunication(err.Error()))
		} else {
			c.metrics.Inc(metrics.CallRejected)
			c.send(callerCh, protocol.Rejected(protocol.KindCallResponse, err.Error()))
		}
		c.send(calleeCh, protocol.StopCommunication(err.Error()))
		return err
	})
	return cm.task, nil
}

func (c *Coordinator) setupCall(ctx context.Context, cm *callMedia, callerCh, calleeCh protocol.Channel, callerOffer, calleeOffer string) (accepted bool, err error) {
	eng, err := c.client.Acquire(ctx)
	if err != nil {
		c.metrics.Inc(metrics.EngineAcquireFailed)
		return false, err
	}
	if !c.commit(cm, func() { cm.engineHeld = true }) {
		c.client.Release()
		return false, ErrSetupAborted
	}

	pipeline, err := eng.CreatePipeline(ctx)
	if err != nil {
		return false, fmt.Errorf("create pipeline: %w", err)
	}
	if !c.commit(cm, func() { cm.pipeline = pipeline }) {
		_ = pipeline.Release()
		return false, ErrSetupAborted
	}

	callerEP, err := c.createEndpoint(ctx, cm, pipeline, cm.callerID, callerCh)
	if err != nil {
		return false, err
	}
	calleeEP, err := c.createEndpoint(ctx, cm, pipeline, cm.calleeID, calleeCh)
	if err != nil {
		return false, err
	}

	callerAnswer, err := callerEP.ProcessOffer(ctx, callerOffer)
	if err != nil {
		return false, fmt.Errorf("process caller offer: %w", err)
	}
	calleeAnswer, err := calleeEP.ProcessOffer(ctx, calleeOffer)
	if err != nil {
		return false, fmt.Errorf("process callee offer: %w", err)
	}
	if err := callerEP.Connect(ctx, calleeEP); err != nil {
		return false, fmt.Errorf("connect caller to callee: %w", err)
	}
	if err := calleeEP.Connect(ctx, callerEP); err != nil {
		return false, fmt.Errorf("connect callee to caller: %w", err)
	}
	if !c.commit(cm, func() { cm.ready = true }) {
		return false, ErrSetupAborted
	}

	c.metrics.Inc(metrics.CallAccepted)
	c.send(calleeCh, protocol.Message{Kind: protocol.KindStartCommunication, SDPAnswer: calleeAnswer})
	c.send(callerCh, protocol.Accepted(protocol.KindCallResponse, callerAnswer))

	if err := callerEP.GatherCandidates(ctx); err != nil {
		return true, fmt.Errorf("gather caller candidates: %w", err)
	}
	if err := calleeEP.GatherCandidates(ctx); err != nil {
		return true, fmt.Errorf("gather callee candidates: %w", err)
	}
	return true, nil
}

func (c *Coordinator) createEndpoint(ctx context.Context, cm *callMedia, pipeline media.Pipeline, sessionID string, ch protocol.Channel) (media.Endpoint, error) {
	ep, err := pipeline.CreateEndpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	if !c.commit(cm, func() {
		cm.endpoints[sessionID] = ep
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
	}) {
		_ = ep.Release()
		return nil, ErrSetupAborted
	}
	return ep, nil
}

// Stop hangs up the session's current call, if any. The other party is told
// the remote user hung up.
func (c *Coordinator) Stop(sessionID string) {
	var peer *registry.Session

	c.mu.Lock()
	if s, ok := c.registry.GetByID(sessionID); ok {
		if s.Peer != "" {
			if p, ok := c.registry.GetByName(s.Peer); ok && p.Peer == s.Name {
				peer = p
				p.Peer = ""
				p.PendingOffer = ""
			}
		}
		s.Peer = ""
		s.PendingOffer = ""
	}
	cm := c.calls[sessionID]
	c.mu.Unlock()

	if cm != nil {
		c.removeCall(cm)
	}
	if peer != nil {
		c.log.Info("call stopped", "session_id", sessionID, "peer", peer.Name)
		c.send(peer.Channel, protocol.StopCommunication(causeHangup))
		c.queue.Clear(peer.ID)
	}
	c.queue.Clear(sessionID)
}

// OnIceCandidate forwards a remote candidate to the session's call endpoint,
// or queues it until that endpoint exists.
func (c *Coordinator) OnIceCandidate(sessionID string, cand media.Candidate) error {
	var ep media.Endpoint
	c.mu.Lock()
	if cm := c.calls[sessionID]; cm != nil {
		ep = cm.endpoints[sessionID]
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

// Disconnect hangs up and frees the session's name.
func (c *Coordinator) Disconnect(sessionID string) {
	c.Stop(sessionID)
	c.registry.Unregister(sessionID)
}

// Close tears down every call's media.
func (c *Coordinator) Close() {
	c.mu.Lock()
	seen := make(map[*callMedia]struct{})
	var all []*callMedia
	for _, cm := range c.calls {
		if _, ok := seen[cm]; ok {
			continue
		}
		seen[cm] = struct{}{}
		all = append(all, cm)
	}
	c.mu.Unlock()

	for _, cm := range all {
		c.removeCall(cm)
	}
}

// Wait blocks until every setup task started so far has finished.
func (c *Coordinator) Wait() {
	c.tasks.Wait()
}

// InCall reports whether the session has an established call media path.
func (c *Coordinator) InCall(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cm := c.calls[sessionID]
	return cm != nil && cm.ready
}

// Peer returns the name of the session's current call partner.
func (c *Coordinator) Peer(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.registry.GetByID(sessionID)
	if !ok || s.Peer == "" {
		return "", false
	}
	return s.Peer, true
}

func (c *Coordinator) commit(cm *callMedia, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[cm.callerID] != cm || c.calls[cm.calleeID] != cm {
		return false
	}
	fn()
	return true
}

// removeCall detaches cm if it is still current, unlinks both parties and
// releases its media.
func (c *Coordinator) removeCall(cm *callMedia) bool {
	c.mu.Lock()
	if c.calls[cm.callerID] != cm {
		c.mu.Unlock()
		return false
	}
	delete(c.calls, cm.callerID)
	delete(c.calls, cm.calleeID)
	caller, okCaller := c.registry.GetByID(cm.callerID)
	callee, okCallee := c.registry.GetByID(cm.calleeID)
	if okCaller && okCallee && caller.Peer == callee.Name && callee.Peer == caller.Name {
		c.unlinkLocked(caller, callee)
	}
	c.mu.Unlock()

	cm.task.Cancel()
	c.queue.Clear(cm.callerID)
	c.queue.Clear(cm.calleeID)
	if cm.pipeline != nil {
		if err := cm.pipeline.Release(); err != nil {
			c.log.Warn("pipeline release failed", "err", err)
		}
	}
	if cm.engineHeld {
		c.client.Release()
	}
	return true
}

func (c *Coordinator) unlinkLocked(a, b *registry.Session) {
	a.Peer, a.PendingOffer = "", ""
	b.Peer, b.PendingOffer = "", ""
}

func (c *Coordinator) rejectCall(ch protocol.Channel, cause string) {
	c.metrics.Inc(metrics.CallRejected)
	c.send(ch, protocol.Rejected(protocol.KindCallResponse, cause))
}

func (c *Coordinator) send(ch protocol.Channel, msg protocol.Message) {
	if ch == nil {
		return
	}
	if err := ch.Send(msg); err != nil {
		c.log.Debug("send failed", "kind", msg.Kind, "err", err)
	}
}
