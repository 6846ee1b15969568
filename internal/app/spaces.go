package app

import (
	"context"
	"fmt"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/rs/zerolog/log"
)

// SpaceService owns the space lifecycle: scheduled -> live -> ended.
type SpaceService struct {
	spaces core.SpaceStore
	roles  *RoleStore
	policy Policy
}

func NewSpaceService(spaces core.SpaceStore, roles *RoleStore, policy Policy) *SpaceService {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &SpaceService{spaces: spaces, roles: roles, policy: policy}
}

// Create stores a scheduled space and seats its creator as host.
func (s *SpaceService) Create(ctx context.Context, host domain.UserID, title string) (*domain.Space, error) {
	sp, err := domain.NewSpace(host, title)
	if err != nil {
		return nil, err
	}
	if err := s.spaces.CreateSpace(ctx, sp); err != nil {
		return nil, fmt.Errorf("create space: %w", err)
	}
	if _, _, err := s.roles.Enter(ctx, sp.ID, host, domain.RoleHost); err != nil {
		return nil, err
	}
	log.Info().Str("module", "app.spaces").Str("space", string(sp.ID)).Str("host", string(host)).Msg("space created")
	return sp, nil
}

func (s *SpaceService) Get(ctx context.Context, id domain.SpaceID) (*domain.Space, error) {
	return s.spaces.GetSpace(ctx, id)
}

func (s *SpaceService) Start(ctx context.Context, id domain.SpaceID, caller domain.UserID) (*domain.Space, error) {
	return s.transition(ctx, id, caller, ActStartSpace, domain.SpaceLive)
}

// End is terminal. Ending an ended space is a conflict.
func (s *SpaceService) End(ctx context.Context, id domain.SpaceID, caller domain.UserID) (*domain.Space, error) {
	return s.transition(ctx, id, caller, ActEndSpace, domain.SpaceEnded)
}

func (s *SpaceService) transition(ctx context.Context, id domain.SpaceID, caller domain.UserID, act Action, to domain.SpaceStatus) (*domain.Space, error) {
	sp, err := s.authorize(ctx, id, caller, act)
	if err != nil {
		return nil, err
	}
	if !sp.Status.CanTransition(to) {
		if sp.Ended() && to != domain.SpaceEnded {
			return nil, domain.ErrSpaceEnded
		}
		return nil, fmt.Errorf("space %s is %s: %w", id, sp.Status, domain.ErrConflict)
	}
	sp.Status = to
	if to == domain.SpaceEnded {
		sp.Recording = false
	}
	if err := s.spaces.UpdateSpace(ctx, sp); err != nil {
		return nil, fmt.Errorf("update space: %w", err)
	}
	log.Info().Str("module", "app.spaces").Str("space", string(id)).Str("status", string(to)).Str("by", string(caller)).Msg("space status changed")
	return sp, nil
}

// SetRecording toggles recording on a space that has not ended.
func (s *SpaceService) SetRecording(ctx context.Context, id domain.SpaceID, caller domain.UserID, on bool, url string) (*domain.Space, error) {
	sp, err := s.authorize(ctx, id, caller, ActRecord)
	if err != nil {
		return nil, err
	}
	if sp.Ended() {
		return nil, domain.ErrSpaceEnded
	}
	sp.Recording = on
	if on {
		sp.RecordingURL = url
	}
	if err := s.spaces.UpdateSpace(ctx, sp); err != nil {
		return nil, fmt.Errorf("update space: %w", err)
	}
	log.Info().Str("module", "app.spaces").Str("space", string(id)).Bool("recording", on).Msg("recording toggled")
	return sp, nil
}

func (s *SpaceService) authorize(ctx context.Context, id domain.SpaceID, caller domain.UserID, act Action) (*domain.Space, error) {
	sp, err := s.spaces.GetSpace(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("space %s: %w", id, err)
	}
	role, err := s.roles.GetRole(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if !s.policy.Allowed(role, act) {
		return nil, domain.ErrPermissionDenied
	}
	return sp, nil
}
