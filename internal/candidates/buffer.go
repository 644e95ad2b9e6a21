// Package candidates buffers remote ICE candidates that arrive before the
// endpoint they target exists.
package candidates

import (
	"errors"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/media"
)

// DefaultMaxPerSession bounds a session's queue.
const DefaultMaxPerSession = 128

var ErrQueueFull = errors.New("candidates: queue full")

// Buffer is a per-session FIFO of pending candidates. The zero value is ready
// to use and holds at most DefaultMaxPerSession candidates per session.
type Buffer struct {
	// MaxPerSession overrides DefaultMaxPerSession when positive.
	MaxPerSession int

	mu     sync.Mutex
	queues map[string][]media.Candidate
}

func New() *Buffer {
	return &Buffer{queues: make(map[string][]media.Candidate)}
}

// Push appends c to the session's queue. A full queue is left unchanged and
// ErrQueueFull is returned.
func (b *Buffer) Push(sessionID string, c media.Candidate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queues == nil {
		b.queues = make(map[string][]media.Candidate)
	}
	limit := b.MaxPerSession
	if limit <= 0 {
		limit = DefaultMaxPerSession
	}
	if len(b.queues[sessionID]) >= limit {
		return ErrQueueFull
	}
	b.queues[sessionID] = append(b.queues[sessionID], c)
	return nil
}

// Drain removes the session's queue and returns it in arrival order.
func (b *Buffer) Drain(sessionID string) []media.Candidate {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[sessionID]
	delete(b.queues, sessionID)
	return q
}

// Clear drops the session's queue.
func (b *Buffer) Clear(sessionID string) {
	b.mu.Lock()
	delete(b.queues, sessionID)
	b.mu.Unlock()
}

func (b *Buffer) Len(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[sessionID])
}

// Sessions reports how many sessions currently have a queue.
func (b *Buffer) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}
