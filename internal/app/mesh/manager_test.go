package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Spaces/internal/app/mesh/meshtest"
	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	space domain.SpaceID = "sp1"
	alice domain.UserID  = "alice"
	bob   domain.UserID  = "bob"
)

const wait = 2 * time.Second

type peer struct {
	m       *Manager
	factory *meshtest.Factory
	errs    chan *domain.AudioError
}

func newPeer(t *testing.T, sb *meshtest.Switchboard, self domain.UserID, manual bool) *peer {
	t.Helper()
	p := &peer{factory: meshtest.NewFactory(), errs: make(chan *domain.AudioError, 8)}
	p.factory.Manual = manual
	p.m = New(Config{
		Space:   space,
		Self:    self,
		Factory: p.factory,
		Signal:  sb.Sender(),
		OnError: func(e *domain.AudioError) { p.errs <- e },
	})
	sb.Attach(self, p.m)
	t.Cleanup(p.m.Shutdown)
	return p
}

func stateOf(m *Manager, remote domain.UserID) string {
	for _, pi := range m.Peers() {
		if pi.Remote == remote {
			return pi.State
		}
	}
	return ""
}

func connected(a, b *peer, an, bn domain.UserID) func() bool {
	return func() bool {
		return stateOf(a.m, bn) == "connected" && stateOf(b.m, an) == "connected"
	}
}

// recorder captures outbound envelopes without delivering them.
type recorder struct {
	mu   sync.Mutex
	envs []core.Envelope
}

func (r *recorder) Send(env core.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) last(t core.EnvelopeType) (core.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.envs) - 1; i >= 0; i-- {
		if r.envs[i].Type == t {
			return r.envs[i], true
		}
	}
	return core.Envelope{}, false
}

func (r *recorder) count(t core.EnvelopeType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.envs {
		if e.Type == t {
			n++
		}
	}
	return n
}

func solo(t *testing.T, timeout time.Duration) (*Manager, *meshtest.Factory, *recorder, chan *domain.AudioError) {
	t.Helper()
	f := meshtest.NewFactory()
	f.Manual = true
	rec := &recorder{}
	errs := make(chan *domain.AudioError, 8)
	m := New(Config{
		Space:              space,
		Self:               bob,
		Factory:            f,
		Signal:             rec,
		NegotiationTimeout: timeout,
		OnError:            func(e *domain.AudioError) { errs <- e },
	})
	t.Cleanup(m.Shutdown)
	return m, f, rec, errs
}

func envelope(t *testing.T, typ core.EnvelopeType, from, to domain.UserID, payload any) core.Envelope {
	t.Helper()
	env, err := core.NewEnvelope(typ, space, from, to, payload)
	require.NoError(t, err)
	return env
}

func negotiationOf(t *testing.T, env core.Envelope) core.SessionPayload {
	t.Helper()
	var p core.SessionPayload
	require.NoError(t, env.Decode(&p))
	return p
}

func TestOfferAnswerConnects(t *testing.T) {
	sb := meshtest.NewSwitchboard()
	a := newPeer(t, sb, alice, false)
	b := newPeer(t, sb, bob, false)

	require.NoError(t, a.m.CreateOffer(bob))
	require.Eventually(t, connected(a, b, alice, bob), wait, 10*time.Millisecond)

	ap := a.m.Peers()
	require.Len(t, ap, 1)
	assert.True(t, ap[0].Initiator)
	bp := b.m.Peers()
	require.Len(t, bp, 1)
	assert.False(t, bp[0].Initiator)

	assert.Eventually(t, func() bool { return len(b.factory.Latest(alice).Candidates()) > 0 }, wait, 10*time.Millisecond)
}

func TestCreateOfferGuards(t *testing.T) {
	m, _, _, _ := solo(t, 0)

	assert.ErrorIs(t, m.CreateOffer(bob), domain.ErrInvalidState)
	require.NoError(t, m.CreateOffer(alice))
	assert.ErrorIs(t, m.CreateOffer(alice), domain.ErrConflict)
	assert.True(t, m.HasLink(alice))
}

func TestGlareLeavesOneLinkPerPair(t *testing.T) {
	sb := meshtest.NewSwitchboard()
	a := newPeer(t, sb, alice, false)
	b := newPeer(t, sb, bob, false)

	sb.Pause()
	require.NoError(t, a.m.CreateOffer(bob))
	require.NoError(t, b.m.CreateOffer(alice))
	sb.Resume()

	require.Eventually(t, connected(a, b, alice, bob), wait, 10*time.Millisecond)

	// the smaller id gave up its own offer and answered
	assert.Equal(t, 2, a.factory.Count(bob))
	assert.Equal(t, 1, b.factory.Count(alice))
	assert.False(t, a.m.Peers()[0].Initiator)
	assert.True(t, b.m.Peers()[0].Initiator)
	assert.Len(t, a.m.Peers(), 1)
	assert.Len(t, b.m.Peers(), 1)
}

func TestStaleTimeoutIgnored(t *testing.T) {
	m, f, _, errs := solo(t, time.Hour)
	require.NoError(t, m.CreateOffer(alice))

	m.mu.Lock()
	gen := m.links[alice].gen
	m.mu.Unlock()

	m.onTimeout(alice, gen-1)
	assert.Equal(t, "offering", stateOf(m, alice))
	assert.Equal(t, 1, f.Count(alice))

	m.onTimeout(alice, gen)
	assert.Equal(t, 2, f.Count(alice), "first timeout re-offers on a new connection")
	assert.True(t, f.Latest(alice) != nil && !f.Latest(alice).Closed())

	m.onTimeout(alice, gen)
	assert.True(t, m.HasLink(alice), "timeout of the replaced connection is stale")
	assert.Empty(t, errs)
}

func TestNegotiationTimeoutSurfacesAfterRetry(t *testing.T) {
	m, f, rec, errs := solo(t, 30*time.Millisecond)
	require.NoError(t, m.CreateOffer(alice))

	var ae *domain.AudioError
	select {
	case ae = <-errs:
	case <-time.After(wait):
		t.Fatal("no audio error")
	}
	assert.Equal(t, alice, ae.Peer)
	assert.Equal(t, domain.AudioNegotiationFailed, ae.Kind)
	assert.True(t, ae.Persistent)
	assert.ErrorIs(t, ae, domain.ErrNegotiationFailed)

	assert.Equal(t, 2, f.Count(alice))
	assert.Equal(t, 2, rec.count(core.EnvOffer))
	assert.False(t, m.HasLink(alice))
	assert.Equal(t, "failed", stateOf(m, alice))
}

func TestICEFailureRetriesOnce(t *testing.T) {
	m, f, rec, errs := solo(t, 0)
	require.NoError(t, m.CreateOffer(alice))

	f.Latest(alice).Fail()
	require.Eventually(t, func() bool { return f.Count(alice) == 2 }, wait, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rec.count(core.EnvOffer) == 2 }, wait, 5*time.Millisecond)

	offer, _ := rec.last(core.EnvOffer)
	assert.True(t, negotiationOf(t, offer).Fresh)

	f.Latest(alice).Fail()
	select {
	case ae := <-errs:
		assert.Equal(t, alice, ae.Peer)
	case <-time.After(wait):
		t.Fatal("no audio error")
	}
	assert.Equal(t, 2, f.Count(alice))
}

func TestCandidatesBufferedUntilAnswer(t *testing.T) {
	m, f, rec, _ := solo(t, 0)
	require.NoError(t, m.CreateOffer(alice))
	offer, ok := rec.last(core.EnvOffer)
	require.True(t, ok)
	n := negotiationOf(t, offer).Negotiation

	cand := webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 10.0.0.2 6000 typ host"}
	m.HandleIceCandidate(envelope(t, core.EnvCandidate, alice, bob, core.CandidatePayload{Negotiation: n, Candidate: cand}))
	m.HandleIceCandidate(envelope(t, core.EnvCandidate, alice, bob, core.CandidatePayload{Negotiation: "old", Candidate: cand}))
	assert.Empty(t, f.Latest(alice).Candidates())

	m.HandleAnswer(envelope(t, core.EnvAnswer, alice, bob, core.SessionPayload{
		Negotiation: n,
		SDP:         webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
	}))
	assert.Len(t, f.Latest(alice).Candidates(), 1)

	m.HandleIceCandidate(envelope(t, core.EnvCandidate, alice, bob, core.CandidatePayload{Negotiation: n, Candidate: cand}))
	assert.Len(t, f.Latest(alice).Candidates(), 2)
}

func TestStaleAnswerDropped(t *testing.T) {
	m, f, _, _ := solo(t, 0)
	require.NoError(t, m.CreateOffer(alice))

	m.HandleAnswer(envelope(t, core.EnvAnswer, alice, bob, core.SessionPayload{
		Negotiation: "not-ours",
		SDP:         webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
	}))
	m.mu.Lock()
	awaiting := m.links[alice].awaiting
	m.mu.Unlock()
	assert.True(t, awaiting)
	assert.Equal(t, 1, f.Count(alice))
}

func TestEnvelopesForUnknownLinkDropped(t *testing.T) {
	m, f, _, _ := solo(t, 0)

	m.HandleAnswer(envelope(t, core.EnvAnswer, alice, bob, core.SessionPayload{Negotiation: "x"}))
	m.HandleIceCandidate(envelope(t, core.EnvCandidate, alice, bob, core.CandidatePayload{Negotiation: "x"}))
	m.HandleOffer(core.Envelope{Type: core.EnvOffer, Space: space, From: alice, To: bob})

	assert.Empty(t, m.Peers())
	assert.Equal(t, 0, f.Count(alice))
	assert.False(t, m.Close(alice))
}

func TestAttachAndDetachRenegotiate(t *testing.T) {
	sb := meshtest.NewSwitchboard()
	a := newPeer(t, sb, alice, false)
	b := newPeer(t, sb, bob, false)
	require.NoError(t, a.m.CreateOffer(bob))
	require.Eventually(t, connected(a, b, alice, bob), wait, 10*time.Millisecond)

	capt := &meshtest.Capturer{}
	stream, err := capt.Acquire(context.Background())
	require.NoError(t, err)

	a.m.AttachLocalStream(stream)
	conn := a.factory.Latest(bob)
	assert.Equal(t, 1, conn.Tracks())
	assert.Equal(t, 2, conn.Offers())
	require.Eventually(t, connected(a, b, alice, bob), wait, 10*time.Millisecond)
	assert.Equal(t, 1, b.factory.Count(alice), "renegotiation keeps the connection")

	a.m.DetachLocalStream()
	assert.Equal(t, 0, conn.Tracks())
	assert.Equal(t, 3, conn.Offers())
	require.Eventually(t, connected(a, b, alice, bob), wait, 10*time.Millisecond)

	// new links pick up an attached stream
	a.m.AttachLocalStream(stream)
	require.NoError(t, a.m.CreateOffer("carol"))
	assert.Equal(t, 1, a.factory.Latest("carol").Tracks())
}

func TestFreshOfferReplacesLink(t *testing.T) {
	sb := meshtest.NewSwitchboard()
	a := newPeer(t, sb, alice, false)
	b := newPeer(t, sb, bob, false)
	require.NoError(t, a.m.CreateOffer(bob))
	require.Eventually(t, connected(a, b, alice, bob), wait, 10*time.Millisecond)
	old := b.factory.Latest(alice)

	// alice restarts without telling bob
	require.True(t, a.m.Close(bob))
	require.NoError(t, a.m.CreateOffer(bob))

	require.Eventually(t, func() bool { return b.factory.Count(alice) == 2 }, wait, 10*time.Millisecond)
	assert.True(t, old.Closed())
	require.Eventually(t, connected(a, b, alice, bob), wait, 10*time.Millisecond)
}

func TestCloseAllReportsConnected(t *testing.T) {
	sb := meshtest.NewSwitchboard()
	a := newPeer(t, sb, alice, false)
	b := newPeer(t, sb, bob, false)
	require.NoError(t, b.m.CreateOffer(alice))
	require.NoError(t, b.m.CreateOffer("carol"))
	require.Eventually(t, connected(b, a, bob, alice), wait, 10*time.Millisecond)

	got := b.m.CloseAll()
	assert.Equal(t, []domain.UserID{alice}, got)
	assert.Empty(t, b.m.Peers())
	assert.False(t, b.m.HasLink("carol"))
}

type sinkRecorder struct {
	mu   sync.Mutex
	pkts map[domain.UserID]int
	err  error
}

func (s *sinkRecorder) WriteRTP(peer domain.UserID, _ *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.pkts[peer]++
	return nil
}

func (s *sinkRecorder) count(peer domain.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pkts[peer]
}

func TestRemoteAudioMarksSpeaking(t *testing.T) {
	f := meshtest.NewFactory()
	sink := &sinkRecorder{pkts: map[domain.UserID]int{}}
	m := New(Config{Space: space, Self: bob, Factory: f, Signal: &recorder{}, Sink: sink, SpeakingWindow: time.Minute})
	t.Cleanup(m.Shutdown)

	require.NoError(t, m.CreateOffer(alice))
	track := meshtest.NewTrack("audio-alice")
	defer track.End()
	f.Latest(alice).PushTrack(track)

	track.Push(1)
	track.Push(2)
	require.Eventually(t, func() bool { return sink.count(alice) == 2 }, wait, 5*time.Millisecond)

	info := m.Peers()[0]
	assert.Equal(t, uint64(2), info.Packets)
	assert.True(t, info.Speaking)
	assert.False(t, info.LastAudio.IsZero())
}

func TestSinkFailureKeepsCountingActivity(t *testing.T) {
	f := meshtest.NewFactory()
	sink := &sinkRecorder{pkts: map[domain.UserID]int{}, err: errors.New("mixer gone")}
	m := New(Config{Space: space, Self: bob, Factory: f, Signal: &recorder{}, Sink: sink})
	t.Cleanup(m.Shutdown)

	require.NoError(t, m.CreateOffer(alice))
	track := meshtest.NewTrack("audio-alice")
	defer track.End()
	f.Latest(alice).PushTrack(track)

	for i := uint16(0); i < 3; i++ {
		track.Push(i)
	}
	require.Eventually(t, func() bool { return m.Peers()[0].Packets == 3 }, wait, 5*time.Millisecond)
	assert.Equal(t, 0, sink.count(alice))
}
