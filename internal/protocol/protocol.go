// Package protocol defines the JSON messages exchanged with browser clients on
// the one2many and one2one WebSocket routes.
//
// Every message is a flat object discriminated by its "id" field.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/media"
)

type Kind string

const (
	KindAuth  Kind = "auth"
	KindError Kind = "error"

	// one2many
	KindPresenter         Kind = "presenter"
	KindPresenterResponse Kind = "presenterResponse"
	KindViewer            Kind = "viewer"
	KindViewerResponse    Kind = "viewerResponse"

	// one2one
	KindRegister             Kind = "register"
	KindRegisterResponse     Kind = "registerResponse"
	KindCall                 Kind = "call"
	KindCallResponse         Kind = "callResponse"
	KindIncomingCall         Kind = "incomingCall"
	KindIncomingCallResponse Kind = "incomingCallResponse"
	KindStartCommunication   Kind = "startCommunication"

	// shared
	KindStop              Kind = "stop"
	KindOnIceCandidate    Kind = "onIceCandidate"
	KindIceCandidate      Kind = "iceCandidate"
	KindStopCommunication Kind = "stopCommunication"
)

const (
	ResponseAccepted = "accepted"
	ResponseRejected = "rejected"

	// CallAccept is the callResponse value a callee sends to take a call.
	CallAccept = "accept"
	CallReject = "reject"
)

var (
	ErrUnknownKind    = errors.New("protocol: unknown message id")
	ErrInvalidMessage = errors.New("protocol: invalid message")
)

// Message is the union of every field used by any kind.
type Message struct {
	Kind Kind `json:"id"`

	Room string `json:"room,omitempty"`
	Name string `json:"name,omitempty"`
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`

	SDPOffer  string           `json:"sdpOffer,omitempty"`
	SDPAnswer string           `json:"sdpAnswer,omitempty"`
	Candidate *media.Candidate `json:"candidate,omitempty"`

	Response     string `json:"response,omitempty"`
	CallResponse string `json:"callResponse,omitempty"`
	Message      string `json:"message,omitempty"`

	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

// Channel is the outbound half of a client connection.
type Channel interface {
	Send(msg Message) error
}

// Parse decodes a single client message and checks the fields its kind
// requires. Unknown kinds are reported with ErrUnknownKind; the decoded message
// is still returned so callers can log it.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("%w: unexpected trailing data", ErrInvalidMessage)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// Validate checks that the fields required by m.Kind are present.
func (m Message) Validate() error {
	switch m.Kind {
	case KindAuth:
		if m.APIKey == "" && m.Token == "" {
			return fmt.Errorf("%w: auth message missing apiKey/token", ErrInvalidMessage)
		}
		if m.APIKey != "" && m.Token != "" && m.APIKey != m.Token {
			return fmt.Errorf("%w: auth message must not include both apiKey and token unless they match", ErrInvalidMessage)
		}
	case KindPresenter, KindViewer:
		if strings.TrimSpace(m.SDPOffer) == "" {
			return fmt.Errorf("%w: %s message missing sdpOffer", ErrInvalidMessage, m.Kind)
		}
	case KindRegister:
		// An empty name is a rejected registration, not a malformed message.
	case KindCall:
		if m.To == "" {
			return fmt.Errorf("%w: call message missing to", ErrInvalidMessage)
		}
		if strings.TrimSpace(m.SDPOffer) == "" {
			return fmt.Errorf("%w: call message missing sdpOffer", ErrInvalidMessage)
		}
	case KindIncomingCallResponse:
		if m.From == "" {
			return fmt.Errorf("%w: incomingCallResponse message missing from", ErrInvalidMessage)
		}
		if m.CallResponse == "" {
			return fmt.Errorf("%w: incomingCallResponse message missing callResponse", ErrInvalidMessage)
		}
		if m.CallResponse == CallAccept && strings.TrimSpace(m.SDPOffer) == "" {
			return fmt.Errorf("%w: accepted incomingCallResponse missing sdpOffer", ErrInvalidMessage)
		}
	case KindOnIceCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: onIceCandidate message missing candidate", ErrInvalidMessage)
		}
	case KindStop:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	return nil
}

// Accepted builds a successful response of the given kind.
func Accepted(kind Kind, sdpAnswer string) Message {
	return Message{Kind: kind, Response: ResponseAccepted, SDPAnswer: sdpAnswer}
}

// Rejected builds a failed response of the given kind carrying a
// human-readable cause.
func Rejected(kind Kind, cause string) Message {
	return Message{Kind: kind, Response: ResponseRejected, Message: cause}
}

func IceCandidate(c media.Candidate) Message {
	return Message{Kind: KindIceCandidate, Candidate: &c}
}

func StopCommunication(cause string) Message {
	return Message{Kind: KindStopCommunication, Message: cause}
}

// Error builds the generic reply to a message that could not be handled.
func Error(raw []byte) Message {
	return Message{Kind: KindError, Message: "Invalid message " + string(raw)}
}
