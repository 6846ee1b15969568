package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoleStore is the authoritative view of who holds which role in a space.
type RoleStore struct {
	participants core.ParticipantStore
	realtime     core.Realtime
	policy       Policy
}

func NewRoleStore(participants core.ParticipantStore, rt core.Realtime, policy Policy) *RoleStore {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &RoleStore{participants: participants, realtime: rt, policy: policy}
}

// GetRole returns the stored role, listener when the user has no row.
func (s *RoleStore) GetRole(ctx context.Context, space domain.SpaceID, user domain.UserID) (domain.Role, error) {
	p, err := s.participants.GetParticipant(ctx, space, user)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.RoleListener, nil
	}
	if err != nil {
		return "", fmt.Errorf("get role: %w", err)
	}
	return p.Role.OrListener(), nil
}

// Enter records the user as present in the space. An existing row keeps its
// role; created reports whether this call inserted the row.
func (s *RoleStore) Enter(ctx context.Context, space domain.SpaceID, user domain.UserID, role domain.Role) (p *domain.Participant, created bool, err error) {
	_, err = s.participants.GetParticipant(ctx, space, user)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		created = true
	case err != nil:
		return nil, false, fmt.Errorf("enter space: %w", err)
	}
	if err := s.participants.UpsertParticipant(ctx, domain.NewParticipant(space, user, role)); err != nil {
		return nil, false, fmt.Errorf("enter space: %w", err)
	}
	p, err = s.participants.GetParticipant(ctx, space, user)
	if err != nil {
		return nil, false, err
	}
	return p, created, nil
}

// Exit drops the user's own row.
func (s *RoleStore) Exit(ctx context.Context, space domain.SpaceID, user domain.UserID) error {
	err := s.participants.RemoveParticipant(ctx, space, user)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// List returns every participant row of the space.
func (s *RoleStore) List(ctx context.Context, space domain.SpaceID) ([]domain.Participant, error) {
	list, err := s.participants.ListParticipants(ctx, space)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return list, nil
}

// SetMuted publishes the user's own mute flag.
func (s *RoleStore) SetMuted(ctx context.Context, space domain.SpaceID, user domain.UserID, muted bool) error {
	if err := s.participants.UpdateMuted(ctx, space, user, muted); err != nil {
		return fmt.Errorf("set muted: %w", err)
	}
	return nil
}

// Promote changes user's role on behalf of caller. Nobody becomes host and the
// host's role never changes; only the host grants or revokes co_host.
func (s *RoleStore) Promote(ctx context.Context, space domain.SpaceID, caller, user domain.UserID, role domain.Role) error {
	if !role.Valid() {
		return domain.ErrInvalidRole
	}
	callerRole, err := s.GetRole(ctx, space, caller)
	if err != nil {
		return err
	}
	if !s.policy.Allowed(callerRole, ActPromote) || role == domain.RoleHost {
		return domain.ErrPermissionDenied
	}
	target, err := s.participants.GetParticipant(ctx, space, user)
	if err != nil {
		return fmt.Errorf("promote %s: %w", user, err)
	}
	if target.Role == domain.RoleHost {
		return domain.ErrPermissionDenied
	}
	if target.Role == role {
		return nil
	}
	if (role == domain.RoleCoHost || target.Role == domain.RoleCoHost) && !s.policy.Allowed(callerRole, ActGrantCoHost) {
		return domain.ErrPermissionDenied
	}
	if err := s.participants.UpdateRole(ctx, space, user, role); err != nil {
		return fmt.Errorf("promote %s: %w", user, err)
	}
	log.Info().
		Str("module", "app.roles").
		Str("space", string(space)).
		Str("user", string(user)).
		Str("by", string(caller)).
		Str("from", string(target.Role)).
		Str("to", string(role)).
		Msg("role changed")
	return nil
}

// Remove is moderation removal. The host cannot be removed and only the host removes a co_host.
func (s *RoleStore) Remove(ctx context.Context, space domain.SpaceID, caller, user domain.UserID) error {
	callerRole, err := s.GetRole(ctx, space, caller)
	if err != nil {
		return err
	}
	if !s.policy.Allowed(callerRole, ActRemove) {
		return domain.ErrPermissionDenied
	}
	target, err := s.participants.GetParticipant(ctx, space, user)
	if err != nil {
		return fmt.Errorf("remove %s: %w", user, err)
	}
	if target.Role == domain.RoleHost {
		return domain.ErrPermissionDenied
	}
	if target.Role == domain.RoleCoHost && !s.policy.Allowed(callerRole, ActGrantCoHost) {
		return domain.ErrPermissionDenied
	}
	if err := s.participants.RemoveParticipant(ctx, space, user); err != nil {
		return fmt.Errorf("remove %s: %w", user, err)
	}
	log.Info().Str("module", "app.roles").Str("space", string(space)).Str("user", string(user)).Str("by", string(caller)).Msg("participant removed")
	return nil
}

// Subscribe streams participant and space rows for the space until ctx ends.
func (s *RoleStore) Subscribe(ctx context.Context, space domain.SpaceID) (<-chan core.RowEvent, error) {
	in, err := s.realtime.Subscribe(ctx, space)
	if err != nil {
		return nil, fmt.Errorf("subscribe roles: %w", err)
	}
	return filterEvents(ctx, in, core.TableParticipants, core.TableSpaces), nil
}
