// Package mediatest provides an in-memory media.Engine for coordinator tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/media"
)

// Steps passed to Engine.Hook.
const (
	StepCreatePipeline = "create_pipeline"
	StepCreateEndpoint = "create_endpoint"
	StepProcessOffer   = "process_offer"
	StepConnect        = "connect"
	StepGather         = "gather"
)

// Answer is the SDP answer the fake returns for offer.
func Answer(offer string) string { return "answer(" + offer + ")" }

// Engine is a fake media engine. Hook, when set, runs before every blocking
// step; returning an error fails the step, and blocking on ctx parks it.
type Engine struct {
	Hook func(ctx context.Context, step string) error

	mu        sync.Mutex
	dials     int
	closes    int
	closed    bool
	nextID    int
	pipelines []*Pipeline
	endpoints []*Endpoint
}

func New() *Engine { return &Engine{} }

// Dialer returns a DialFunc that hands out this engine, reopening it if it
// was closed.
func (e *Engine) Dialer() media.DialFunc {
	return func(ctx context.Context) (media.Engine, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.dials++
		e.closed = false
		return e, nil
	}
}

func (e *Engine) hook(ctx context.Context, step string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Hook == nil {
		return nil
	}
	return e.Hook(ctx, step)
}

func (e *Engine) id(prefix string) string {
	e.nextID++
	return fmt.Sprintf("%s-%d", prefix, e.nextID)
}

func (e *Engine) CreatePipeline(ctx context.Context) (media.Pipeline, error) {
	if err := e.hook(ctx, StepCreatePipeline); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, media.ErrEngineClosed
	}
	p := &Pipeline{engine: e, id: e.id("pipeline")}
	e.pipelines = append(e.pipelines, p)
	return p, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.closes++
	e.mu.Unlock()
	return nil
}

func (e *Engine) Dials() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dials
}

func (e *Engine) Closes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

func (e *Engine) Pipelines() []*Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Pipeline(nil), e.pipelines...)
}

// Endpoints returns every endpoint in creation order.
func (e *Engine) Endpoints() []*Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Endpoint(nil), e.endpoints...)
}

// LiveEndpoints counts endpoints that have not been released.
func (e *Engine) LiveEndpoints() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ep := range e.endpoints {
		if !ep.released {
			n++
		}
	}
	return n
}

type Pipeline struct {
	engine   *Engine
	id       string
	released bool
	eps      []*Endpoint
}

func (p *Pipeline) ID() string { return p.id }

func (p *Pipeline) CreateEndpoint(ctx context.Context) (media.Endpoint, error) {
	if err := p.engine.hook(ctx, StepCreateEndpoint); err != nil {
		return nil, err
	}
	e := p.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.released {
		return nil, media.ErrReleased
	}
	ep := &Endpoint{engine: e, pipeline: p, id: e.id("endpoint")}
	p.eps = append(p.eps, ep)
	e.endpoints = append(e.endpoints, ep)
	return ep, nil
}

func (p *Pipeline) Release() error {
	e := p.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	p.released = true
	for _, ep := range p.eps {
		ep.released = true
	}
	return nil
}

func (p *Pipeline) Released() bool {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	return p.released
}

type Endpoint struct {
	engine   *Engine
	pipeline *Pipeline
	id       string

	released   bool
	offer      string
	candidates []string
	sinks      []string
	gathering  bool
	pending    []media.Candidate
	onCand     func(media.Candidate)
}

func (ep *Endpoint) ID() string { return ep.id }

func (ep *Endpoint) ProcessOffer(ctx context.Context, sdpOffer string) (string, error) {
	if err := ep.engine.hook(ctx, StepProcessOffer); err != nil {
		return "", err
	}
	ep.engine.mu.Lock()
	defer ep.engine.mu.Unlock()
	if ep.released {
		return "", media.ErrReleased
	}
	ep.offer = sdpOffer
	return Answer(sdpOffer), nil
}

func (ep *Endpoint) AddCandidate(c media.Candidate) error {
	ep.engine.mu.Lock()
	defer ep.engine.mu.Unlock()
	if ep.released {
		return media.ErrReleased
	}
	ep.candidates = append(ep.candidates, c.Candidate)
	return nil
}

func (ep *Endpoint) GatherCandidates(ctx context.Context) error {
	if err := ep.engine.hook(ctx, StepGather); err != nil {
		return err
	}
	ep.engine.mu.Lock()
	if ep.released {
		ep.engine.mu.Unlock()
		return media.ErrReleased
	}
	ep.gathering = true
	pending, fn := ep.pending, ep.onCand
	ep.pending = nil
	ep.engine.mu.Unlock()

	if fn != nil {
		for _, c := range pending {
			fn(c)
		}
	}
	return nil
}

func (ep *Endpoint) Connect(ctx context.Context, sink media.Endpoint) error {
	if err := ep.engine.hook(ctx, StepConnect); err != nil {
		return err
	}
	dst, ok := sink.(*Endpoint)
	if !ok || dst.pipeline != ep.pipeline {
		return media.ErrForeignEndpoint
	}
	ep.engine.mu.Lock()
	defer ep.engine.mu.Unlock()
	if ep.released || dst.released {
		return media.ErrReleased
	}
	ep.sinks = append(ep.sinks, dst.id)
	return nil
}

func (ep *Endpoint) OnCandidate(fn func(media.Candidate)) {
	ep.engine.mu.Lock()
	ep.onCand = fn
	ep.engine.mu.Unlock()
}

func (ep *Endpoint) Release() error {
	ep.engine.mu.Lock()
	ep.released = true
	ep.engine.mu.Unlock()
	return nil
}

// Discover simulates the engine finding a local candidate. It is delivered
// once gathering has started.
func (ep *Endpoint) Discover(c media.Candidate) {
	ep.engine.mu.Lock()
	if !ep.gathering || ep.onCand == nil {
		ep.pending = append(ep.pending, c)
		ep.engine.mu.Unlock()
		return
	}
	fn := ep.onCand
	ep.engine.mu.Unlock()
	fn(c)
}

func (ep *Endpoint) Offer() string {
	ep.engine.mu.Lock()
	defer ep.engine.mu.Unlock()
	return ep.offer
}

// Candidates returns the remote candidates applied so far, in order.
func (ep *Endpoint) Candidates() []string {
	ep.engine.mu.Lock()
	defer ep.engine.mu.Unlock()
	return append([]string(nil), ep.candidates...)
}

// Sinks returns the ids of endpoints this endpoint forwards to.
func (ep *Endpoint) Sinks() []string {
	ep.engine.mu.Lock()
	defer ep.engine.mu.Unlock()
	return append([]string(nil), ep.sinks...)
}

func (ep *Endpoint) Released() bool {
	ep.engine.mu.Lock()
	defer ep.engine.mu.Unlock()
	return ep.released
}

func (ep *Endpoint) Pipeline() *Pipeline { return ep.pipeline }
