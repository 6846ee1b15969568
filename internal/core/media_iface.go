package core

import (
	"context"

	"github.com/dkeye/Spaces/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type MediaConnection interface {
	// CreateOffer generates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer sets the remote offer and returns the local answer.
	ApplyOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches the local capture track before negotiation.
	AddLocalTrack(webrtc.TrackLocal) error
	// RemoveLocalTracks stops sending every local track; a new offer round must follow.
	RemoveLocalTracks() error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnStateChange reports peer connection state changes.
	OnStateChange(func(webrtc.PeerConnectionState))
	// OnTrack sets a callback that will be invoked when a remote track arrives.
	OnTrack(func(RemoteTrack))
	// Close should stop all underlying media resources.
	Close() error
}

// RemoteTrack is the receive side of a remote participant's audio.
type RemoteTrack interface {
	ID() string
	ReadRTP() (*rtp.Packet, error)
}

type MediaFactory interface {
	NewConnection(remote domain.UserID) (MediaConnection, error)
}

// LocalStream is the microphone capture. Only the orchestrator starts or stops it;
// links only read Track().
type LocalStream interface {
	Track() webrtc.TrackLocal
	SetMuted(bool)
	Muted() bool
	Stop()
}

// Capturer acquires the microphone. It returns domain.ErrCaptureDenied when the
// user or the OS refuses access.
type Capturer interface {
	Acquire(ctx context.Context) (LocalStream, error)
}
