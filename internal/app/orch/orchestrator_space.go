package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Spaces/internal/app"
	"github.com/dkeye/Spaces/internal/app/mesh"
	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
)

// joinResult is everything fetched and opened off the loop during a join.
type joinResult struct {
	space   *domain.Space
	self    *domain.Participant
	list    []domain.Participant
	pending []domain.SpeakerRequest
	mine    *domain.SpeakerRequest
	created bool
	roles   <-chan core.RowEvent
	reqs    <-chan core.RowEvent
	channel core.SignalChannel
}

// release undoes a join that will not be installed: signaling is closed and a
// participant row this join inserted is removed again.
func (s *Session) release(r *joinResult) {
	if r == nil {
		return
	}
	if r.channel != nil {
		r.channel.Close()
	}
	if r.created {
		s.exitRow(r.space.ID)
	}
}

func (s *Session) exitRow(id domain.SpaceID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.StoreTimeout)
	defer cancel()
	if err := s.deps.Roles.Exit(ctx, id, s.self); err != nil {
		s.logger.Warn().Err(err).Str("space", string(id)).Msg("exit space after failed join")
	}
}

// Join enters the space: it subscribes to role and request rows, takes a
// baseline listing and opens signaling. The host rejoins as host.
func (s *Session) Join(ctx context.Context, id domain.SpaceID) error {
	reply := make(chan error, 1)
	err := s.call(ctx, func() error {
		if s.state != StateIdle {
			return fmt.Errorf("join from %s: %w", s.state, domain.ErrInvalidState)
		}
		s.epoch++
		epoch := s.epoch
		s.jctx, s.cancel = context.WithCancel(s.root)
		jctx := s.jctx
		s.state = StateJoining
		s.reason = ""
		s.lastErr = nil
		s.publish()

		go func() {
			res, err := s.dial(jctx, id, epoch)
			if !s.post(func() { reply <- s.joined(epoch, res, err) }) {
				s.release(res)
				reply <- ErrClosed
			}
		}()
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) dial(ctx context.Context, id domain.SpaceID, epoch uint64) (_ *joinResult, err error) {
	sp, err := s.deps.Spaces.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", id, err)
	}
	if sp.Ended() {
		return nil, fmt.Errorf("join %s: %w", id, domain.ErrSpaceEnded)
	}
	role := domain.RoleListener
	if sp.HostID == s.self {
		role = domain.RoleHost
	}
	res := &joinResult{space: sp}
	if res.self, res.created, err = s.deps.Roles.Enter(ctx, id, s.self, role); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.release(res)
		}
	}()
	// subscribe before the baseline so nothing between the two is lost
	if res.roles, err = s.deps.Roles.Subscribe(ctx, id); err != nil {
		return nil, err
	}
	if res.reqs, err = s.deps.Requests.Subscribe(ctx, id); err != nil {
		return nil, err
	}
	if res.list, err = s.deps.Roles.List(ctx, id); err != nil {
		return nil, err
	}
	if res.pending, err = s.deps.Requests.ListPending(ctx, id, s.self); err != nil {
		return nil, err
	}
	if res.mine, err = s.deps.Requests.Mine(ctx, id, s.self); err != nil {
		return nil, err
	}
	res.channel, err = s.deps.Signal.Connect(ctx, id, s.self, core.SignalHandlers{
		OnMessage: func(env core.Envelope) { s.post(func() { s.onEnvelope(epoch, env) }) },
		OnStatus:  func(st core.ChannelStatus) { s.post(func() { s.onStatus(epoch, st) }) },
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Session) joined(epoch uint64, res *joinResult, err error) error {
	if epoch != s.epoch {
		s.release(res)
		return fmt.Errorf("join abandoned: %w", domain.ErrInvalidState)
	}
	if err != nil {
		s.cancel()
		s.cancel = nil
		s.state = StateIdle
		s.publish()
		s.logger.Warn().Err(err).Msg("join failed")
		return err
	}

	s.space = res.space
	s.roster = app.NewRoster(res.space.ID)
	s.roster.Reset(res.list)
	s.role = s.roster.Role(s.self)
	s.muted = res.self.Muted
	s.channel = res.channel
	s.status = res.channel.Status()
	s.pending = make(map[domain.RequestID]domain.SpeakerRequest, len(res.pending))
	for _, r := range res.pending {
		s.pending[r.ID] = r
	}
	s.mine = res.mine
	s.mesh = mesh.New(mesh.Config{
		Space:              res.space.ID,
		Self:               s.self,
		Factory:            s.deps.Media,
		Signal:             res.channel,
		NegotiationTimeout: s.deps.NegotiationTimeout,
		Dispatch:           func(f func()) { s.post(f) },
		OnPeer:             func(mesh.PeerInfo) { s.post(func() { s.onPeer(epoch) }) },
		OnError:            func(ae *domain.AudioError) { s.post(func() { s.onMeshError(epoch, ae) }) },
		Sink:               s.deps.Sink,
	})
	s.live.Store(s.mesh)
	s.state = StateListener

	go s.pump(s.jctx, epoch, res.roles)
	go s.pump(s.jctx, epoch, res.reqs)

	s.logger.Info().Str("space", string(res.space.ID)).Str("role", string(s.role)).Msg("joined space")
	s.reconcile()
	s.publish()
	return nil
}

func (s *Session) pump(ctx context.Context, epoch uint64, in <-chan core.RowEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if !s.post(func() { s.onRow(epoch, ev) }) {
				return
			}
		}
	}
}

func (s *Session) inSpace() bool {
	return s.state == StateListener || s.state == StateSpeaking
}

func (s *Session) onRow(epoch uint64, ev core.RowEvent) {
	if epoch != s.epoch || !s.inSpace() {
		return
	}
	switch ev.Table {
	case core.TableParticipants:
		s.onParticipant(ev)
	case core.TableSpaces:
		if ev.Space == nil {
			return
		}
		sp := *ev.Space
		s.space = &sp
		if sp.Ended() {
			s.logger.Info().Str("space", string(sp.ID)).Msg("space ended")
			s.teardown(ReasonEnded)
			return
		}
		s.publish()
	case core.TableRequests:
		if ev.Request == nil {
			return
		}
		r := *ev.Request
		if r.Pending() && ev.Op != core.OpDelete {
			s.pending[r.ID] = r
		} else {
			delete(s.pending, r.ID)
		}
		if r.UserID == s.self {
			if r.Pending() {
				s.mine = &r
			} else {
				s.mine = nil
			}
		}
		s.publish()
	}
}

func (s *Session) onParticipant(ev core.RowEvent) {
	ch, ok := s.roster.Apply(ev)
	if !ok {
		return
	}
	if ch.User == s.self {
		if ch.Removed {
			s.logger.Info().Msg("removed from space")
			s.teardown(ReasonRemoved)
			return
		}
		s.role = ch.New
		s.reconcile()
		s.publish()
		return
	}
	if s.state == StateSpeaking && (ch.Removed || !ch.New.CanSpeak()) && s.mesh.Close(ch.User) {
		s.logger.Debug().Str("peer", string(ch.User)).Msg("peer no longer speaking")
	}
	s.publish()
}

// Leave tears down media and signaling and drops the participant row.
func (s *Session) Leave(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.state == StateIdle {
			return nil
		}
		var id domain.SpaceID
		if s.space != nil {
			id = s.space.ID
		}
		joined := s.inSpace()
		s.state = StateLeaving
		s.publish()
		s.teardown(ReasonLeft)
		if !joined {
			return nil
		}
		wctx, cancel := context.WithTimeout(ctx, s.deps.StoreTimeout)
		defer cancel()
		if err := s.deps.Roles.Exit(wctx, id, s.self); err != nil {
			s.logger.Warn().Err(err).Msg("exit space")
		}
		return nil
	})
}

// EndSpace ends the space for everyone. Only the host may do it.
func (s *Session) EndSpace(ctx context.Context) error {
	return s.call(ctx, func() error {
		if !s.inSpace() {
			return fmt.Errorf("end from %s: %w", s.state, domain.ErrInvalidState)
		}
		if _, err := s.deps.Spaces.End(ctx, s.space.ID, s.self); err != nil {
			return err
		}
		s.teardown(ReasonEnded)
		return nil
	})
}

// teardown releases everything the join acquired and returns to idle.
func (s *Session) teardown(reason Reason) {
	if s.mesh != nil {
		if s.stream != nil {
			s.broadcast(core.EnvLeave, nil)
		}
		s.mesh.Shutdown()
		s.live.Store(nil)
		s.mesh = nil
	}
	s.stopStream()
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.epoch++
	s.capGen++
	s.acquiring = false
	s.denied = false
	s.roster = nil
	s.role = ""
	s.pending = nil
	s.mine = nil
	s.resume = nil
	s.held = nil
	s.status = core.ChannelDisconnected
	s.state = StateIdle
	s.reason = reason
	s.logger.Info().Str("reason", string(reason)).Msg("session idle")
	s.publish()
}

// joinedSpace reads the joined space id through the loop.
func (s *Session) joinedSpace(ctx context.Context) (domain.SpaceID, error) {
	var id domain.SpaceID
	err := s.call(ctx, func() error {
		if !s.inSpace() {
			return fmt.Errorf("not in a space: %w", domain.ErrInvalidState)
		}
		id = s.space.ID
		return nil
	})
	return id, err
}

// CreateSpace schedules a new space hosted by the session's user.
func (s *Session) CreateSpace(ctx context.Context, title string) (*domain.Space, error) {
	return s.deps.Spaces.Create(ctx, s.self, title)
}

func (s *Session) StartSpace(ctx context.Context, id domain.SpaceID) (*domain.Space, error) {
	return s.deps.Spaces.Start(ctx, id, s.self)
}

// RequestToSpeak files a speaker request. A request already pending is not an error.
func (s *Session) RequestToSpeak(ctx context.Context) error {
	id, err := s.joinedSpace(ctx)
	if err != nil {
		return err
	}
	req, err := s.deps.Requests.Request(ctx, id, s.self)
	if errors.Is(err, domain.ErrConflict) {
		s.logger.Info().Msg("speaker request already pending")
		return nil
	}
	if err != nil {
		return err
	}
	s.post(func() {
		if s.inSpace() && s.space.ID == id && s.mine == nil {
			s.mine = req
			s.publish()
		}
	})
	return nil
}

func (s *Session) CancelRequest(ctx context.Context) error {
	id, err := s.joinedSpace(ctx)
	if err != nil {
		return err
	}
	return s.deps.Requests.Cancel(ctx, id, s.self)
}

func (s *Session) ResolveRequest(ctx context.Context, rid domain.RequestID, accept bool) (*domain.SpeakerRequest, error) {
	if _, err := s.joinedSpace(ctx); err != nil {
		return nil, err
	}
	return s.deps.Requests.Resolve(ctx, rid, accept, s.self)
}

func (s *Session) PendingRequests(ctx context.Context) ([]domain.SpeakerRequest, error) {
	id, err := s.joinedSpace(ctx)
	if err != nil {
		return nil, err
	}
	return s.deps.Requests.ListPending(ctx, id, s.self)
}

func (s *Session) Promote(ctx context.Context, user domain.UserID, role domain.Role) error {
	id, err := s.joinedSpace(ctx)
	if err != nil {
		return err
	}
	return s.deps.Roles.Promote(ctx, id, s.self, user, role)
}

func (s *Session) RemoveParticipant(ctx context.Context, user domain.UserID) error {
	id, err := s.joinedSpace(ctx)
	if err != nil {
		return err
	}
	return s.deps.Roles.Remove(ctx, id, s.self, user)
}

func (s *Session) SetRecording(ctx context.Context, on bool, url string) (*domain.Space, error) {
	id, err := s.joinedSpace(ctx)
	if err != nil {
		return nil, err
	}
	return s.deps.Spaces.SetRecording(ctx, id, s.self, on, url)
}
