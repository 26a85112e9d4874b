package session

import (
	"context"
	"errors"
	"sync"
)

// Registry tracks open sessions so periodic tasks can reach them.
type Registry struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[*Session]struct{})}
}

// Add registers s.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
}

// Remove unregisters s.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RefreshDegraded refreshes every session whose live updates are down and
// returns how many it refreshed. Errors of individual sessions are joined.
func (r *Registry) RefreshDegraded(ctx context.Context) (int, error) {
	r.mu.RLock()
	var degraded []*Session
	for s := range r.sessions {
		if s.Degraded() {
			degraded = append(degraded, s)
		}
	}
	r.mu.RUnlock()

	var errs []error
	for _, s := range degraded {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return len(degraded), errors.Join(errs...)
}
