package session

import (
	"context"
	"log"
	"sync"
	"time"
)

// Registry owns the live sessions. Lookup-or-create is atomic, so two
// concurrent connections to the same session id always share one
// instance.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	settings Settings
	collab   Collaborators
}

func NewRegistry(settings Settings, collab Collaborators) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		settings: settings.withDefaults(),
		collab:   collab,
	}
}

// GetOrCreate returns the session for id, creating and starting it
// when absent. The second return reports whether it was created.
func (r *Registry) GetOrCreate(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := New(id, r.settings, r.collab)
	s.Start()
	r.sessions[id] = s
	r.countLocked("created")
	r.setGaugeLocked()
	return s, true
}

// Get returns the session for id without creating one.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// End closes and removes a session. It reports whether the session
// existed.
func (r *Registry) End(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.countLocked("ended")
		r.setGaugeLocked()
	}
	r.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StartJanitor sweeps idle detached sessions until ctx ends.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.Sweep(now)
			}
		}
	}()
}

// Sweep evicts sessions that have no transport and have been idle past
// the timeout. Attached sessions are never evicted, no matter how
// quiet.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var evicted []*Session
	for id, s := range r.sessions {
		if s.Attached() {
			continue
		}
		if s.IdleFor(now) > r.settings.IdleTimeout {
			delete(r.sessions, id)
			evicted = append(evicted, s)
		}
	}
	for range evicted {
		r.countLocked("expired")
	}
	r.setGaugeLocked()
	r.mu.Unlock()

	for _, s := range evicted {
		s.Close()
		log.Printf("session %s: expired after idle timeout", s.ID)
	}
	return len(evicted)
}

// CloseAll stops every session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.setGaugeLocked()
	r.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

func (r *Registry) countLocked(event string) {
	if r.collab.Metrics != nil {
		r.collab.Metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (r *Registry) setGaugeLocked() {
	if r.collab.Metrics != nil {
		r.collab.Metrics.ActiveSessions.Set(float64(len(r.sessions)))
	}
}
