package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Spaces/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Frame is a raw encoded envelope as it travels on the wire.
type Frame []byte

type EnvelopeType string

const (
	EnvOffer         EnvelopeType = "offer"
	EnvAnswer        EnvelopeType = "answer"
	EnvCandidate     EnvelopeType = "ice-candidate"
	EnvSpeakerJoined EnvelopeType = "speaker-joined"
	EnvLeave         EnvelopeType = "leave"
)

// Envelope is a signaling message scoped to one space. To is empty for broadcasts.
// Envelopes are relayed only, never persisted.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	Space   domain.SpaceID  `json:"space"`
	From    domain.UserID   `json:"from"`
	To      domain.UserID   `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(t EnvelopeType, space domain.SpaceID, from, to domain.UserID, payload any) (Envelope, error) {
	env := Envelope{Type: t, Space: space, From: from, To: to}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = b
	}
	return env, nil
}

func (e Envelope) Directed() bool { return e.To != "" }

// For reports whether the local user should see the envelope at all.
func (e Envelope) For(self domain.UserID) bool {
	if e.From == self {
		return false
	}
	return e.To == "" || e.To == self
}

func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// SessionPayload carries an offer or an answer. Negotiation is chosen by the
// offerer and echoed by the answerer so stale rounds can be told apart.
// Fresh marks the first offer of a new connection, as opposed to a
// renegotiation of an established one.
type SessionPayload struct {
	Negotiation string                    `json:"negotiation"`
	Fresh       bool                      `json:"fresh,omitempty"`
	SDP         webrtc.SessionDescription `json:"sdp"`
}

type CandidatePayload struct {
	Negotiation string                  `json:"negotiation"`
	Candidate   webrtc.ICECandidateInit `json:"candidate"`
}

// SpeakerJoinedPayload announces a new speaker. Offers lists the speakers it
// is already offering to; everyone else offers to it.
type SpeakerJoinedPayload struct {
	Offers []domain.UserID `json:"offers"`
}

type ChannelStatus string

const (
	ChannelDisconnected ChannelStatus = "disconnected"
	ChannelConnecting   ChannelStatus = "connecting"
	ChannelConnected    ChannelStatus = "connected"
	ChannelReconnecting ChannelStatus = "reconnecting"
)

// SignalChannel abstracts the space-scoped relay connection.
// Owned by whoever called Connect; they must Close() it.
type SignalChannel interface {
	// Send is fire-and-forget; an error only means the envelope was not queued.
	Send(Envelope) error
	Status() ChannelStatus
	Close()
}

// SignalHandlers are invoked from the channel's read goroutine.
// OnMessage never sees envelopes authored locally or addressed to someone else.
type SignalHandlers struct {
	OnMessage func(Envelope)
	OnStatus  func(ChannelStatus)
}

type SignalConnector interface {
	Connect(ctx context.Context, space domain.SpaceID, self domain.UserID, h SignalHandlers) (SignalChannel, error)
}
