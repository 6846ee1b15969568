// Package store holds the persistence adapters: an in-memory backend for tests and
// demo mode, and PostgreSQL.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
)

var (
	_ core.Backend         = (*Memory)(nil)
	_ core.RequestAcceptor = (*Memory)(nil)
)

type Memory struct {
	mu           sync.RWMutex
	spaces       map[domain.SpaceID]domain.Space
	participants map[domain.SpaceID]map[domain.UserID]domain.Participant
	requests     map[domain.RequestID]domain.SpeakerRequest
}

func NewMemory() *Memory {
	return &Memory{
		spaces:       make(map[domain.SpaceID]domain.Space),
		participants: make(map[domain.SpaceID]map[domain.UserID]domain.Participant),
		requests:     make(map[domain.RequestID]domain.SpeakerRequest),
	}
}

func (m *Memory) CreateSpace(_ context.Context, s *domain.Space) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spaces[s.ID]; ok {
		return domain.ErrConflict
	}
	m.spaces[s.ID] = *s
	return nil
}

func (m *Memory) GetSpace(_ context.Context, id domain.SpaceID) (*domain.Space, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.spaces[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (m *Memory) UpdateSpace(_ context.Context, s *domain.Space) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spaces[s.ID]; !ok {
		return domain.ErrNotFound
	}
	m.spaces[s.ID] = *s
	return nil
}

func (m *Memory) GetParticipant(_ context.Context, space domain.SpaceID, user domain.UserID) (*domain.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[space][user]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (m *Memory) ListParticipants(_ context.Context, space domain.SpaceID) ([]domain.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Participant, 0, len(m.participants[space]))
	for _, p := range m.participants[space] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *Memory) UpsertParticipant(_ context.Context, p *domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spaces[p.SpaceID]; !ok {
		return domain.ErrNotFound
	}
	rows, ok := m.participants[p.SpaceID]
	if !ok {
		rows = make(map[domain.UserID]domain.Participant)
		m.participants[p.SpaceID] = rows
	}
	if _, exists := rows[p.UserID]; exists {
		return nil
	}
	rows[p.UserID] = *p
	return nil
}

func (m *Memory) UpdateRole(_ context.Context, space domain.SpaceID, user domain.UserID, role domain.Role) error {
	return m.updateParticipant(space, user, func(p *domain.Participant) { p.Role = role })
}

func (m *Memory) UpdateMuted(_ context.Context, space domain.SpaceID, user domain.UserID, muted bool) error {
	return m.updateParticipant(space, user, func(p *domain.Participant) { p.Muted = muted })
}

func (m *Memory) updateParticipant(space domain.SpaceID, user domain.UserID, fn func(*domain.Participant)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[space][user]
	if !ok {
		return domain.ErrNotFound
	}
	fn(&p)
	m.participants[space][user] = p
	return nil
}

func (m *Memory) RemoveParticipant(_ context.Context, space domain.SpaceID, user domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.participants[space][user]; !ok {
		return domain.ErrNotFound
	}
	delete(m.participants[space], user)
	return nil
}

// InsertRequest enforces at most one pending request per user and space.
func (m *Memory) InsertRequest(_ context.Context, r *domain.SpeakerRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.requests {
		if other.SpaceID == r.SpaceID && other.UserID == r.UserID && other.Pending() {
			return domain.ErrConflict
		}
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *Memory) GetRequest(_ context.Context, id domain.RequestID) (*domain.SpeakerRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (m *Memory) PendingRequest(_ context.Context, space domain.SpaceID, user domain.UserID) (*domain.SpeakerRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.requests {
		if r.SpaceID == space && r.UserID == user && r.Pending() {
			return &r, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *Memory) ListPending(_ context.Context, space domain.SpaceID) ([]domain.SpeakerRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.SpeakerRequest, 0)
	for _, r := range m.requests {
		if r.SpaceID == space && r.Pending() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateRequest(_ context.Context, r *domain.SpeakerRequest, expect domain.RequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRequestLocked(r, expect)
}

func (m *Memory) updateRequestLocked(r *domain.SpeakerRequest, expect domain.RequestStatus) error {
	cur, ok := m.requests[r.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != expect {
		return domain.ErrConflict
	}
	m.requests[r.ID] = *r
	return nil
}

// AcceptAndPromote stores the accepted request and promotes its author under one lock.
func (m *Memory) AcceptAndPromote(_ context.Context, r *domain.SpeakerRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[r.SpaceID][r.UserID]
	if !ok {
		return domain.ErrNotFound
	}
	if err := m.updateRequestLocked(r, domain.RequestPending); err != nil {
		return err
	}
	if !p.Role.CanSpeak() {
		p.Role = domain.RoleSpeaker
		m.participants[r.SpaceID][r.UserID] = p
	}
	return nil
}
