package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"golang.org/x/sync/errgroup"
)

const maxHeld = 64

// reconcile moves capture and the mesh toward the latest observed role.
// Roles can flap under bursty delivery, so only the current value matters.
// A denied capture is not retried until the role changes again.
func (s *Session) reconcile() {
	if !s.role.CanSpeak() {
		s.denied = false
		s.held = nil
		if s.state == StateSpeaking || s.acquiring {
			s.demote()
		}
		return
	}
	if s.state == StateListener && !s.acquiring && !s.denied {
		s.acquire()
	}
}

func (s *Session) acquire() {
	s.acquiring = true
	s.capGen++
	epoch, gen, ctx := s.epoch, s.capGen, s.jctx
	s.logger.Info().Str("role", string(s.role)).Msg("acquiring microphone")
	go func() {
		stream, err := s.deps.Capture.Acquire(ctx)
		if !s.post(func() { s.captured(epoch, gen, stream, err) }) && stream != nil {
			stream.Stop()
		}
	}()
}

func (s *Session) captured(epoch, gen uint64, stream core.LocalStream, err error) {
	if epoch != s.epoch || gen != s.capGen {
		if stream != nil {
			stream.Stop()
		}
		return
	}
	s.acquiring = false
	if err != nil {
		if !errors.Is(err, domain.ErrCaptureDenied) {
			err = fmt.Errorf("%w: %v", domain.ErrCaptureDenied, err)
		}
		s.denied = true
		s.held = nil
		s.emit(domain.NewAudioError(domain.AudioCaptureDenied, "", err))
		return
	}

	s.stream = stream
	stream.SetMuted(s.muted)
	s.state = StateSpeaking
	s.mesh.AttachLocalStream(stream)

	// answer whoever reached us first; they are not offered to again
	held := s.held
	s.held = nil
	for _, env := range held {
		if s.roster.Role(env.From).CanSpeak() {
			s.dispatch(env)
		}
	}

	targets := s.unlinkedSpeakers()
	s.broadcast(core.EnvSpeakerJoined, core.SpeakerJoinedPayload{Offers: targets})
	s.offerAll(targets)
	s.logger.Info().Int("peers", len(targets)).Msg("speaking")
	s.publish()
}

// demote closes every link, announces the departure and releases the microphone.
func (s *Session) demote() {
	s.capGen++
	s.acquiring = false
	if s.state == StateSpeaking {
		s.resume = nil
		s.mesh.CloseAll()
		s.broadcast(core.EnvLeave, nil)
		s.mesh.DetachLocalStream()
	}
	s.stopStream()
	s.held = nil
	s.state = StateListener
	s.logger.Info().Str("role", string(s.role)).Msg("stopped speaking")
	s.publish()
}

func (s *Session) stopStream() {
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
}

func (s *Session) speakersExceptSelf() []domain.UserID {
	all := s.roster.Speakers()
	out := all[:0]
	for _, id := range all {
		if id != s.self {
			out = append(out, id)
		}
	}
	return out
}

func (s *Session) unlinkedSpeakers() []domain.UserID {
	all := s.speakersExceptSelf()
	out := all[:0]
	for _, id := range all {
		if !s.mesh.HasLink(id) {
			out = append(out, id)
		}
	}
	return out
}

// offerAll offers to every target concurrently. A link that already exists is fine.
func (s *Session) offerAll(targets []domain.UserID) {
	var g errgroup.Group
	for _, id := range targets {
		g.Go(func() error {
			if err := s.mesh.CreateOffer(id); err != nil && !errors.Is(err, domain.ErrConflict) {
				return fmt.Errorf("offer to %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn().Err(err).Msg("proactive offers")
	}
}

func (s *Session) broadcast(t core.EnvelopeType, payload any) {
	if s.channel == nil {
		return
	}
	env, err := core.NewEnvelope(t, s.space.ID, s.self, "", payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("build envelope")
		return
	}
	if err := s.channel.Send(env); err != nil {
		s.logger.Warn().Err(err).Str("type", string(t)).Msg("broadcast")
	}
}

// ToggleMute flips the local track. Listeners have nothing to mute.
func (s *Session) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	var id domain.SpaceID
	err := s.call(ctx, func() error {
		if !s.inSpace() {
			return fmt.Errorf("mute from %s: %w", s.state, domain.ErrInvalidState)
		}
		if !s.role.CanSpeak() {
			return domain.ErrPermissionDenied
		}
		if s.stream == nil {
			return fmt.Errorf("microphone not ready: %w", domain.ErrInvalidState)
		}
		s.muted = !s.muted
		s.stream.SetMuted(s.muted)
		muted, id = s.muted, s.space.ID
		s.publish()
		return nil
	})
	if err != nil {
		return false, err
	}

	go func() {
		wctx, cancel := context.WithTimeout(s.root, s.deps.StoreTimeout)
		defer cancel()
		if err := s.deps.Roles.SetMuted(wctx, id, s.self, muted); err != nil {
			s.logger.Warn().Err(err).Msg("record mute")
		}
	}()
	return muted, nil
}

func (s *Session) onEnvelope(epoch uint64, env core.Envelope) {
	if epoch != s.epoch || s.mesh == nil {
		return
	}
	if s.state != StateSpeaking {
		if s.state == StateListener && (env.Type == core.EnvOffer || env.Type == core.EnvCandidate) {
			s.hold(env)
			return
		}
		s.logger.Debug().Str("type", string(env.Type)).Str("from", string(env.From)).Msg("envelope dropped while not speaking")
		return
	}
	s.dispatch(env)
}

// hold keeps offers and candidates that arrive before our own promotion or
// capture finished. They are replayed once speaking.
func (s *Session) hold(env core.Envelope) {
	if len(s.held) >= maxHeld {
		s.held = s.held[1:]
	}
	s.held = append(s.held, env)
}

func (s *Session) dispatch(env core.Envelope) {
	switch env.Type {
	case core.EnvOffer:
		s.mesh.HandleOffer(env)
	case core.EnvAnswer:
		s.mesh.HandleAnswer(env)
	case core.EnvCandidate:
		s.mesh.HandleIceCandidate(env)
	case core.EnvLeave:
		s.mesh.Close(env.From)
	case core.EnvSpeakerJoined:
		var p core.SpeakerJoinedPayload
		if err := env.Decode(&p); err != nil {
			s.logger.Warn().Err(err).Str("from", string(env.From)).Msg("bad speaker-joined")
			return
		}
		for _, id := range p.Offers {
			if id == s.self {
				return
			}
		}
		s.offerAll([]domain.UserID{env.From})
	default:
		s.logger.Debug().Str("type", string(env.Type)).Msg("unknown envelope")
	}
}

// onStatus closes links while signaling is down and re-offers them once it is back.
func (s *Session) onStatus(epoch uint64, st core.ChannelStatus) {
	if epoch != s.epoch {
		return
	}
	prev := s.status
	s.status = st
	if !s.inSpace() {
		s.publish()
		return
	}
	switch st {
	case core.ChannelReconnecting:
		s.logger.Warn().Msg("signaling lost, reconnecting")
		if s.state == StateSpeaking {
			s.resume = merge(s.resume, s.mesh.CloseAll())
		}
	case core.ChannelConnected:
		if prev != core.ChannelReconnecting {
			break
		}
		s.logger.Info().Int("peers", len(s.resume)).Msg("signaling restored")
		if s.state == StateSpeaking {
			targets := s.resume
			s.resume = nil
			s.broadcast(core.EnvSpeakerJoined, core.SpeakerJoinedPayload{Offers: targets})
			s.offerAll(targets)
		}
	case core.ChannelDisconnected:
		s.teardown(ReasonTransport)
		ae := domain.NewAudioError(domain.AudioTransportDisconnected, "", domain.ErrTransportDisconnected)
		ae.Persistent = true
		s.emit(ae)
		return
	}
	s.publish()
}

func (s *Session) onPeer(epoch uint64) {
	if epoch == s.epoch {
		s.publish()
	}
}

func (s *Session) onMeshError(epoch uint64, ae *domain.AudioError) {
	if epoch == s.epoch {
		s.emit(ae)
	}
}

func merge(a, b []domain.UserID) []domain.UserID {
	seen := make(map[domain.UserID]bool, len(a)+len(b))
	out := make([]domain.UserID, 0, len(a)+len(b))
	for _, list := range [][]domain.UserID{a, b} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
