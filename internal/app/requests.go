package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/rs/zerolog/log"
)

// RequestQueue is the speaker request workflow of a space.
type RequestQueue struct {
	requests     core.RequestStore
	participants core.ParticipantStore
	roles        *RoleStore
	realtime     core.Realtime
	policy       Policy
	now          func() time.Time
}

func NewRequestQueue(requests core.RequestStore, participants core.ParticipantStore, roles *RoleStore, rt core.Realtime, policy Policy) *RequestQueue {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &RequestQueue{
		requests:     requests,
		participants: participants,
		roles:        roles,
		realtime:     rt,
		policy:       policy,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Request files a pending request for user. A second pending request is a conflict,
// whether caught by the pre-check or by the store's uniqueness constraint.
func (q *RequestQueue) Request(ctx context.Context, space domain.SpaceID, user domain.UserID) (*domain.SpeakerRequest, error) {
	role, err := q.roles.GetRole(ctx, space, user)
	if err != nil {
		return nil, err
	}
	if role.CanSpeak() {
		return nil, fmt.Errorf("request to speak as %s: %w", role, domain.ErrInvalidState)
	}
	_, err = q.requests.PendingRequest(ctx, space, user)
	switch {
	case err == nil:
		return nil, domain.ErrConflict
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("check pending: %w", err)
	}

	req := domain.NewSpeakerRequest(space, user)
	if err := q.requests.InsertRequest(ctx, req); err != nil {
		return nil, err
	}
	log.Info().Str("module", "app.requests").Str("space", string(space)).Str("user", string(user)).Str("request", string(req.ID)).Msg("speaker request filed")
	return req, nil
}

// Resolve accepts or rejects a pending request. Accepting promotes the requester to speaker.
func (q *RequestQueue) Resolve(ctx context.Context, id domain.RequestID, accept bool, resolver domain.UserID) (*domain.SpeakerRequest, error) {
	req, err := q.requests.GetRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", id, err)
	}
	role, err := q.roles.GetRole(ctx, req.SpaceID, resolver)
	if err != nil {
		return nil, err
	}
	if !q.policy.Allowed(role, ActResolveRequest) {
		return nil, domain.ErrPermissionDenied
	}
	if err := req.Resolve(accept, resolver, q.now()); err != nil {
		return nil, err
	}

	logger := log.With().
		Str("module", "app.requests").
		Str("space", string(req.SpaceID)).
		Str("request", string(id)).
		Str("user", string(req.UserID)).
		Logger()

	if acceptor, ok := q.requests.(core.RequestAcceptor); ok && accept {
		if err := acceptor.AcceptAndPromote(ctx, req); err != nil {
			return nil, fmt.Errorf("accept %s: %w", id, err)
		}
		logger.Info().Msg("request accepted")
		return req, nil
	}

	if err := q.requests.UpdateRequest(ctx, req, domain.RequestPending); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", id, err)
	}
	if !accept {
		logger.Info().Msg("request rejected")
		return req, nil
	}

	if err := q.promoteRequester(ctx, req); err != nil {
		req.Reopen()
		if cerr := q.requests.UpdateRequest(ctx, req, domain.RequestAccepted); cerr != nil {
			logger.Error().Err(cerr).Msg("failed to reopen request after promotion error")
		}
		logger.Warn().Err(err).Msg("promotion failed, request reopened")
		return nil, fmt.Errorf("promote requester: %w", err)
	}
	logger.Info().Msg("request accepted")
	return req, nil
}

func (q *RequestQueue) promoteRequester(ctx context.Context, req *domain.SpeakerRequest) error {
	p, err := q.participants.GetParticipant(ctx, req.SpaceID, req.UserID)
	if err != nil {
		return err
	}
	if p.Role.CanSpeak() {
		return nil
	}
	return q.participants.UpdateRole(ctx, req.SpaceID, req.UserID, domain.RoleSpeaker)
}

// ListPending shows pending requests to moderators and an empty list to everyone else.
func (q *RequestQueue) ListPending(ctx context.Context, space domain.SpaceID, viewer domain.UserID) ([]domain.SpeakerRequest, error) {
	role, err := q.roles.GetRole(ctx, space, viewer)
	if err != nil {
		return nil, err
	}
	if !q.policy.Allowed(role, ActListRequests) {
		return []domain.SpeakerRequest{}, nil
	}
	return q.requests.ListPending(ctx, space)
}

// Mine returns the user's own pending request, nil when there is none.
func (q *RequestQueue) Mine(ctx context.Context, space domain.SpaceID, user domain.UserID) (*domain.SpeakerRequest, error) {
	req, err := q.requests.PendingRequest(ctx, space, user)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return req, err
}

// Cancel withdraws the user's own pending request.
func (q *RequestQueue) Cancel(ctx context.Context, space domain.SpaceID, user domain.UserID) error {
	req, err := q.requests.PendingRequest(ctx, space, user)
	if err != nil {
		return fmt.Errorf("cancel request: %w", err)
	}
	if err := req.Resolve(false, user, q.now()); err != nil {
		return err
	}
	return q.requests.UpdateRequest(ctx, req, domain.RequestPending)
}

// Subscribe streams request rows of the space until ctx ends.
func (q *RequestQueue) Subscribe(ctx context.Context, space domain.SpaceID) (<-chan core.RowEvent, error) {
	in, err := q.realtime.Subscribe(ctx, space)
	if err != nil {
		return nil, fmt.Errorf("subscribe requests: %w", err)
	}
	return filterEvents(ctx, in, core.TableRequests), nil
}
