// Package media defines the gateway the signaling coordinators use to drive a
// media engine: pipelines own endpoints, endpoints negotiate SDP, trickle ICE
// candidates and forward media to other endpoints.
//
// The coordinators only see the interfaces in this file. The pion-backed
// engine in this package is the production implementation.
package media

import (
	"context"
	"errors"
)

var (
	// ErrReleased is returned by operations on a pipeline or endpoint that has
	// already been released (directly or through its pipeline).
	ErrReleased = errors.New("media: released")

	// ErrEngineClosed is returned when creating objects on a closed engine.
	ErrEngineClosed = errors.New("media: engine closed")

	ErrInvalidOffer    = errors.New("media: invalid sdp offer")
	ErrForeignEndpoint = errors.New("media: endpoint belongs to another pipeline")
)

// Candidate is a trickled ICE candidate in the browser's RTCIceCandidateInit
// shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Engine is a connection to a media engine.
type Engine interface {
	CreatePipeline(ctx context.Context) (Pipeline, error)
	Close() error
}

// Pipeline is the ownership root for endpoints. Releasing it releases every
// endpoint created on it.
type Pipeline interface {
	ID() string
	CreateEndpoint(ctx context.Context) (Endpoint, error)
	Release() error
}

// Endpoint is one side of a media connection.
type Endpoint interface {
	ID() string

	// ProcessOffer applies the remote SDP offer and returns the SDP answer.
	ProcessOffer(ctx context.Context, sdpOffer string) (string, error)

	// AddCandidate applies a remote ICE candidate. Candidates added before the
	// offer has been processed are held and applied afterwards.
	AddCandidate(c Candidate) error

	// GatherCandidates starts delivering locally discovered candidates to the
	// OnCandidate handler. Candidates found before this call are held back.
	GatherCandidates(ctx context.Context) error

	// Connect forwards media received by this endpoint to sink.
	Connect(ctx context.Context, sink Endpoint) error

	// OnCandidate sets the handler for locally discovered candidates.
	OnCandidate(fn func(Candidate))

	Release() error
}
