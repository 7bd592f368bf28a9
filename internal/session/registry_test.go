package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrCreateIsAtomic(t *testing.T) {
	r := NewRegistry(Settings{}, Collaborators{})
	t.Cleanup(r.CloseAll)

	const workers = 32
	var (
		wg      sync.WaitGroup
		created atomic.Int32
		first   atomic.Pointer[Session]
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, isNew := r.GetOrCreate("shared")
			if isNew {
				created.Add(1)
			}
			if !first.CompareAndSwap(nil, s) && first.Load() != s {
				t.Errorf("observed a second instance for the same id")
			}
		}()
	}
	wg.Wait()

	if got := created.Load(); got != 1 {
		t.Fatalf("created %d sessions, want 1", got)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestSweepEvictsIdleDetached(t *testing.T) {
	r := NewRegistry(Settings{IdleTimeout: 10 * time.Millisecond}, Collaborators{})
	t.Cleanup(r.CloseAll)

	s, _ := r.GetOrCreate("idle")
	if evicted := r.Sweep(time.Now()); evicted != 0 {
		t.Fatalf("evicted %d before the timeout", evicted)
	}

	if evicted := r.Sweep(time.Now().Add(time.Second)); evicted != 1 {
		t.Fatalf("evicted %d, want 1", evicted)
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("evicted session was not closed")
	}

	// A reconnect after eviction gets a fresh session.
	s2, isNew := r.GetOrCreate("idle")
	if !isNew || s2 == s {
		t.Fatalf("expected a fresh session after eviction")
	}
}

func TestSweepKeepsAttachedSessions(t *testing.T) {
	r := NewRegistry(Settings{IdleTimeout: 10 * time.Millisecond}, Collaborators{})
	t.Cleanup(r.CloseAll)

	s, _ := r.GetOrCreate("bound")
	out := make(chan any, 8)
	s.Attach(out)

	if evicted := r.Sweep(time.Now().Add(time.Hour)); evicted != 0 {
		t.Fatalf("evicted an attached session")
	}
	if _, ok := r.Get("bound"); !ok {
		t.Fatalf("attached session disappeared")
	}
}

func TestEndRemovesAndCloses(t *testing.T) {
	r := NewRegistry(Settings{}, Collaborators{})
	t.Cleanup(r.CloseAll)

	s, _ := r.GetOrCreate("ending")
	if !r.End("ending") {
		t.Fatalf("End() = false for a live session")
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("ended session was not closed")
	}
	if r.End("ending") {
		t.Fatalf("End() = true for a removed session")
	}
	if _, ok := r.Get("ending"); ok {
		t.Fatalf("ended session still resolvable")
	}
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry(Settings{}, Collaborators{})
	a, _ := r.GetOrCreate("a")
	b, _ := r.GetOrCreate("b")

	r.CloseAll()
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after CloseAll", r.Len())
	}
	for _, s := range []*Session{a, b} {
		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatalf("session %s still open", s.ID)
		}
	}
}
