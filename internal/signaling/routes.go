package signaling

import (
	"errors"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/broadcast"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/protocol"
)

// DefaultRoom is used when a one2many message carries no room.
const DefaultRoom = "default"

func roomName(room string) string {
	if room = strings.TrimSpace(room); room != "" {
		return room
	}
	return DefaultRoom
}

// one2many routes presenter/viewer traffic to the broadcast coordinator. The
// coordinator answers every request itself.
type one2many struct {
	c *broadcast.Coordinator
}

func (one2many) name() string { return "one2many" }

func (one2many) serves(kind protocol.Kind) bool {
	switch kind {
	case protocol.KindPresenter, protocol.KindViewer, protocol.KindStop, protocol.KindOnIceCandidate:
		return true
	}
	return false
}

func (r one2many) dispatch(wss *wsSession, msg protocol.Message) {
	room := roomName(msg.Room)
	switch msg.Kind {
	case protocol.KindPresenter:
		if _, err := r.c.StartPresenter(room, wss.id, wss, msg.SDPOffer); err != nil {
			wss.log.Info("presenter refused", "room", room, "err", err)
		}
	case protocol.KindViewer:
		if _, err := r.c.StartViewer(room, wss.id, wss, msg.SDPOffer); err != nil {
			wss.log.Info("viewer refused", "room", room, "err", err)
		}
	case protocol.KindStop:
		// A stop without a room ends every role the session holds.
		if strings.TrimSpace(msg.Room) == "" {
			r.c.Disconnect(wss.id)
			return
		}
		r.c.Stop(room, wss.id)
	case protocol.KindOnIceCandidate:
		if err := r.c.OnIceCandidate(room, wss.id, *msg.Candidate); err != nil {
			wss.log.Warn("remote candidate rejected", "room", room, "err", err)
		}
	}
}

func (r one2many) disconnect(sessionID string) { r.c.Disconnect(sessionID) }

// one2one routes register/call traffic to the call coordinator.
type one2one struct {
	c *call.Coordinator
}

func (one2one) name() string { return "one2one" }

func (one2one) serves(kind protocol.Kind) bool {
	switch kind {
	case protocol.KindRegister, protocol.KindCall, protocol.KindIncomingCallResponse,
		protocol.KindStop, protocol.KindOnIceCandidate:
		return true
	}
	return false
}

func (r one2one) dispatch(wss *wsSession, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindRegister:
		if err := r.c.Register(wss.id, msg.Name, wss); err != nil {
			wss.log.Info("register refused", "name", msg.Name, "err", err)
		}
	case protocol.KindCall:
		if err := r.c.Call(wss.id, msg.To, wss, msg.SDPOffer); err != nil {
			wss.log.Info("call refused", "to", msg.To, "err", err)
		}
	case protocol.KindIncomingCallResponse:
		_, err := r.c.IncomingCallResponse(wss.id, msg.From, msg.CallResponse, msg.SDPOffer)
		switch {
		case errors.Is(err, call.ErrNotRegistered):
			_ = wss.Send(protocol.Message{Kind: protocol.KindError, Message: "You must register before answering a call"})
		case err != nil:
			wss.log.Info("call response refused", "from", msg.From, "err", err)
		}
	case protocol.KindStop:
		r.c.Stop(wss.id)
	case protocol.KindOnIceCandidate:
		if err := r.c.OnIceCandidate(wss.id, *msg.Candidate); err != nil {
			wss.log.Warn("remote candidate rejected", "err", err)
		}
	}
}

func (r one2one) disconnect(sessionID string) { r.c.Disconnect(sessionID) }
