package app

import (
	"sort"
	"sync"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/rs/zerolog/log"
)

// Change describes how one participant's observable state moved.
type Change struct {
	User    domain.UserID
	Old     domain.Role
	New     domain.Role
	Removed bool
}

func (c Change) RoleChanged() bool { return c.Old != c.New }

// Roster mirrors the participant rows of one space. Every event replaces
// the whole row for its user, so applying the same snapshot twice is a no-op.
type Roster struct {
	space domain.SpaceID

	mu    sync.RWMutex
	users map[domain.UserID]domain.Participant
}

func NewRoster(space domain.SpaceID) *Roster {
	return &Roster{
		space: space,
		users: make(map[domain.UserID]domain.Participant),
	}
}

// Reset replaces the mirror with a fresh listing.
func (r *Roster) Reset(list []domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = make(map[domain.UserID]domain.Participant, len(list))
	for _, p := range list {
		if p.SpaceID == r.space {
			r.users[p.UserID] = p
		}
	}
	log.Debug().Str("module", "app.roster").Str("space", string(r.space)).Int("count", len(r.users)).Msg("roster reset")
}

// Apply folds a participant row event into the mirror. It reports false when
// nothing observable changed.
func (r *Roster) Apply(ev core.RowEvent) (Change, bool) {
	if ev.Table != core.TableParticipants || ev.Participant == nil || ev.Participant.SpaceID != r.space {
		return Change{}, false
	}
	p := *ev.Participant

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.users[p.UserID]
	ch := Change{User: p.UserID, Old: domain.RoleListener}
	if existed {
		ch.Old = prev.Role
	}

	if ev.Op == core.OpDelete {
		if !existed {
			return Change{}, false
		}
		delete(r.users, p.UserID)
		ch.New = domain.RoleListener
		ch.Removed = true
		return ch, true
	}

	p.Role = p.Role.OrListener()
	if existed && prev.SameState(p) {
		return Change{}, false
	}
	r.users[p.UserID] = p
	ch.New = p.Role
	return ch, true
}

// Role returns the mirrored role, listener when the user is unknown.
func (r *Roster) Role(user domain.UserID) domain.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.users[user]; ok {
		return p.Role
	}
	return domain.RoleListener
}

func (r *Roster) Has(user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[user]
	return ok
}

// Speakers lists every user whose role publishes audio, sorted by id.
func (r *Roster) Speakers() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.users))
	for id, p := range r.users {
		if p.Role.CanSpeak() {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (r *Roster) Snapshot() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.users))
	for _, p := range r.users {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.Less(out[j].UserID) })
	return out
}
