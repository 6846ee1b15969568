package http

import (
	"sync"

	"github.com/dkeye/Spaces/internal/app/orch"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/rs/zerolog/log"
)

// SessionFactory builds an idle session for a user.
type SessionFactory func(user domain.UserID) *orch.Session

// Registry maps browser client tokens to their sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*orch.Session
	factory  SessionFactory
}

func NewRegistry(f SessionFactory) *Registry {
	return &Registry{sessions: make(map[string]*orch.Session), factory: f}
}

// Session returns the client's session, creating it on first use. A token
// presented with a different user gets a fresh session.
func (r *Registry) Session(token string, user domain.UserID) *orch.Session {
	r.mu.Lock()
	cur, ok := r.sessions[token]
	if ok && cur.Self() == user {
		r.mu.Unlock()
		return cur
	}
	s := r.factory(user)
	r.sessions[token] = s
	r.mu.Unlock()

	if ok {
		log.Info().Str("module", "adapters.http").Str("user", string(cur.Self())).Msg("client switched user, closing old session")
		cur.Close()
	}
	return s
}

func (r *Registry) Lookup(token string) (*orch.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	return s, ok
}

// Drop closes and forgets the client's session.
func (r *Registry) Drop(token string) {
	r.mu.Lock()
	s, ok := r.sessions[token]
	delete(r.sessions, token)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes every session; used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*orch.Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	log.Info().Str("module", "adapters.http").Int("sessions", len(all)).Msg("sessions closed")
}
