// Package registry is the name directory of one2one participants.
package registry

import (
	"errors"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/protocol"
)

var (
	ErrInvalidName       = errors.New("registry: empty name")
	ErrDuplicateName     = errors.New("registry: name already registered")
	ErrAlreadyRegistered = errors.New("registry: session already registered")
)

// Session is a registered participant.
//
// Peer and PendingOffer are call state. The registry never reads or writes
// them; the call coordinator guards them with its own lock.
type Session struct {
	ID      string
	Name    string
	Channel protocol.Channel

	// Peer is the name of the other party of the current call, or empty.
	Peer string
	// PendingOffer is the caller's SDP offer while the callee is ringing.
	PendingOffer string
}

// Registry maps session ids to names and back. Both directions always hold
// the same set of sessions.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	byName map[string]*Session
}

func New() *Registry {
	return &Registry{
		byID:   make(map[string]*Session),
		byName: make(map[string]*Session),
	}
}

// Register binds name to id. A name already bound to a live session is
// rejected and the existing binding is left untouched.
func (r *Registry) Register(id, name string, ch protocol.Channel) (*Session, error) {
	if name == "" {
		return nil, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return nil, ErrDuplicateName
	}
	if _, ok := r.byID[id]; ok {
		return nil, ErrAlreadyRegistered
	}
	s := &Session{ID: id, Name: name, Channel: ch}
	r.byID[id] = s
	r.byName[name] = s
	return s, nil
}

// Unregister removes id and its name. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byName, s.Name)
}

func (r *Registry) GetByID(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

func (r *Registry) GetByName(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
