package mediatest

import (
	"errors"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/protocol"
)

var ErrChannelClosed = errors.New("mediatest: channel closed")

// Channel records every message sent to a session.
type Channel struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	closed bool
}

func (c *Channel) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

// Close makes further sends fail.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Channel) Messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.msgs...)
}

// OfKind returns the recorded messages of one kind.
func (c *Channel) OfKind(kind protocol.Kind) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Message
	for _, m := range c.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the most recent message, if any.
func (c *Channel) Last() (protocol.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return protocol.Message{}, false
	}
	return c.msgs[len(c.msgs)-1], true
}
