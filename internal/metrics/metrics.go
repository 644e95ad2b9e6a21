package metrics

import "sync"

// Event names.
const (
	PresenterAccepted = "presenter_accepted"
	PresenterRejected = "presenter_rejected"
	ViewerAccepted    = "viewer_accepted"
	ViewerRejected    = "viewer_rejected"
	CallAccepted      = "call_accepted"
	CallRejected      = "call_rejected"

	CandidatesQueued    = "candidates_queued"
	CandidatesForwarded = "candidates_forwarded"
	CandidatesDropped   = "candidates_dropped"

	EngineAcquireFailed = "engine_acquire_failed"

	AuthFailure    = "auth_failure"
	RateLimited    = "rate_limited"
	UnknownMessage = "unknown_message"

	SessionsOpened = "sessions_opened"
	SessionsClosed = "sessions_closed"
)

// Metrics is a minimal, concurrency-safe counter registry. A nil *Metrics
// discards everything, so components can take one optionally.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
