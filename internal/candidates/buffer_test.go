package candidates

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/media"
)

func cand(i int) media.Candidate {
	return media.Candidate{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.1 %d typ host", i, 5000+i)}
}

func TestBuffer_DrainPreservesOrderAndDeletes(t *testing.T) {
	b := New()
	for i := 0; i < 5; i++ {
		b.Push("s1", cand(i))
	}
	b.Push("s2", cand(100))

	got := b.Drain("s1")
	if len(got) != 5 {
		t.Fatalf("len=%d, want 5", len(got))
	}
	for i, c := range got {
		if c != cand(i) {
			t.Fatalf("got[%d]=%q, want %q", i, c.Candidate, cand(i).Candidate)
		}
	}
	if n := b.Len("s1"); n != 0 {
		t.Fatalf("Len after drain=%d, want 0", n)
	}
	if again := b.Drain("s1"); len(again) != 0 {
		t.Fatalf("second drain returned %d candidates", len(again))
	}
	if n := b.Len("s2"); n != 1 {
		t.Fatalf("Len(s2)=%d, want 1", n)
	}
}

func TestBuffer_Clear(t *testing.T) {
	var b Buffer
	b.Push("s1", cand(1))
	b.Clear("s1")
	if b.Sessions() != 0 {
		t.Fatalf("Sessions=%d, want 0", b.Sessions())
	}
	b.Clear("missing")
}

func TestBuffer_ConcurrentPush(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Push(fmt.Sprintf("s%d", w), cand(i))
			}
		}(w)
	}
	wg.Wait()
	for w := 0; w < 8; w++ {
		got := b.Drain(fmt.Sprintf("s%d", w))
		if len(got) != 100 {
			t.Fatalf("worker %d: len=%d, want 100", w, len(got))
		}
		for i, c := range got {
			if c != cand(i) {
				t.Fatalf("worker %d: got[%d] out of order", w, i)
			}
		}
	}
}

func TestBuffer_PushStopsAtLimit(t *testing.T) {
	b := &Buffer{MaxPerSession: 3}
	for i := 0; i < 3; i++ {
		if err := b.Push("s1", cand(i)); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	if err := b.Push("s1", cand(3)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v, want %v", err, ErrQueueFull)
	}
	if err := b.Push("s2", cand(0)); err != nil {
		t.Fatalf("other session: %v", err)
	}

	got := b.Drain("s1")
	if len(got) != 3 || got[2] != cand(2) {
		t.Fatalf("drained=%v, want the first 3", got)
	}
	if err := b.Push("s1", cand(4)); err != nil {
		t.Fatalf("Push after drain: %v", err)
	}
}

func TestBuffer_ZeroValueUsesDefaultLimit(t *testing.T) {
	var b Buffer
	for i := 0; i < DefaultMaxPerSession; i++ {
		if err := b.Push("s1", cand(i)); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	if err := b.Push("s1", cand(DefaultMaxPerSession)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v, want %v", err, ErrQueueFull)
	}
	if b.Len("s1") != DefaultMaxPerSession {
		t.Fatalf("Len=%d, want %d", b.Len("s1"), DefaultMaxPerSession)
	}
}
