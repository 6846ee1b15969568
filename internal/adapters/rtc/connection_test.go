package rtc

import (
	"context"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	f, err := NewFactory(Config{UDPPortMin: 40000, UDPPortMax: 40100})
	require.NoError(t, err)
	a, err := f.NewConnection("bob")
	require.NoError(t, err)
	b, err := f.NewConnection("alice")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a.(*Connection), b.(*Connection)
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	a, b := newPair(t)

	stream, err := (&Capturer{}).Acquire(context.Background())
	require.NoError(t, err)
	defer stream.Stop()
	require.NoError(t, a.AddLocalTrack(stream.Track()))

	offer, err := a.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, strings.ToLower(offer.SDP), "opus")

	answer, err := b.ApplyOffer(offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.NoError(t, a.ApplyAnswer(answer))

	require.NoError(t, a.RemoveLocalTracks())
	_, err = a.CreateOffer()
	require.NoError(t, err)
}

func TestOfferWithoutTrackStillHasAudio(t *testing.T) {
	a, _ := newPair(t)
	offer, err := a.CreateOffer()
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=audio")
}

func TestCandidateNeedsRemoteDescription(t *testing.T) {
	_, b := newPair(t)
	err := b.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"})
	assert.Error(t, err)
}
