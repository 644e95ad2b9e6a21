package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/protocol"
)

type nopChannel struct{}

func (nopChannel) Send(protocol.Message) error { return nil }

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New()
	s, err := r.Register("s1", "alice", nopChannel{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	byID, ok := r.GetByID("s1")
	if !ok || byID != s {
		t.Fatalf("GetByID=%v,%v, want registered session", byID, ok)
	}
	byName, ok := r.GetByName("alice")
	if !ok || byName != s {
		t.Fatalf("GetByName=%v,%v, want registered session", byName, ok)
	}
	if _, ok := r.GetByName("bob"); ok {
		t.Fatalf("GetByName(bob) found a session")
	}
}

func TestRegistry_EmptyName(t *testing.T) {
	r := New()
	if _, err := r.Register("s1", "", nopChannel{}); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidName)
	}
	if r.Len() != 0 {
		t.Fatalf("len=%d, want 0", r.Len())
	}
}

func TestRegistry_DuplicateNameKeepsOriginal(t *testing.T) {
	r := New()
	orig, err := r.Register("s1", "alice", nopChannel{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register("s2", "alice", nopChannel{}); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("err=%v, want %v", err, ErrDuplicateName)
	}
	got, ok := r.GetByName("alice")
	if !ok || got != orig || got.ID != "s1" {
		t.Fatalf("alice=%+v, want original registration", got)
	}
	if _, ok := r.GetByID("s2"); ok {
		t.Fatalf("rejected session was registered")
	}
}

func TestRegistry_SecondNameForSameSession(t *testing.T) {
	r := New()
	if _, err := r.Register("s1", "alice", nopChannel{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register("s1", "carol", nopChannel{}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("err=%v, want %v", err, ErrAlreadyRegistered)
	}
	if _, ok := r.GetByName("carol"); ok {
		t.Fatalf("second name was bound")
	}
}

func TestRegistry_UnregisterRemovesBothMappings(t *testing.T) {
	r := New()
	if _, err := r.Register("s1", "alice", nopChannel{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Unregister("s1")
	if _, ok := r.GetByID("s1"); ok {
		t.Fatalf("id still registered")
	}
	if _, ok := r.GetByName("alice"); ok {
		t.Fatalf("name still registered")
	}
	r.Unregister("s1")

	if _, err := r.Register("s2", "alice", nopChannel{}); err != nil {
		t.Fatalf("name not reusable after unregister: %v", err)
	}
}

func TestRegistry_ConcurrentRegisterSameName(t *testing.T) {
	r := New()
	const n = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := r.Register(fmt.Sprintf("s%d", i), "alice", nopChannel{}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || r.Len() != 1 {
		t.Fatalf("wins=%d len=%d, want 1 and 1", wins, r.Len())
	}
}
