package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPermissionDenied      = errors.New("permission denied")
	ErrConflict              = errors.New("conflict")
	ErrNegotiationFailed     = errors.New("negotiation failed")
	ErrTransportDisconnected = errors.New("transport disconnected")
	ErrCaptureDenied         = errors.New("capture denied")

	ErrNotFound     = errors.New("not found")
	ErrSpaceEnded   = errors.New("space ended")
	ErrInvalidState = errors.New("invalid state")
	ErrInvalidTitle = errors.New("invalid title")
	ErrInvalidRole  = errors.New("invalid role")
)

type AudioErrorKind string

const (
	AudioNegotiationFailed     AudioErrorKind = "negotiation_failed"
	AudioTransportDisconnected AudioErrorKind = "transport_disconnected"
	AudioCaptureDenied         AudioErrorKind = "capture_denied"
)

// AudioError is what the session surfaces to the presentation layer.
// Peer is set when the failure is isolated to one remote participant.
type AudioError struct {
	Kind       AudioErrorKind `json:"kind"`
	Peer       UserID         `json:"peer,omitempty"`
	Persistent bool           `json:"persistent"`
	Err        error          `json:"-"`
	At         time.Time      `json:"at"`
}

func NewAudioError(kind AudioErrorKind, peer UserID, err error) *AudioError {
	return &AudioError{Kind: kind, Peer: peer, Err: err, At: time.Now().UTC()}
}

func (e *AudioError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s (peer %s): %v", e.Kind, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *AudioError) Unwrap() error { return e.Err }

// Notice is how a failure is presented: never as something that freezes the session.
type Notice int

const (
	NoticeSilent Notice = iota
	NoticeTransient
	NoticePersistent
)

func (n Notice) String() string {
	switch n {
	case NoticeSilent:
		return "silent"
	case NoticeTransient:
		return "transient"
	default:
		return "persistent"
	}
}

// Classify maps any error to exactly one presentation class.
func Classify(err error) Notice {
	var ae *AudioError
	switch {
	case err == nil:
		return NoticeSilent
	case errors.As(err, &ae):
		if ae.Persistent {
			return NoticePersistent
		}
		return NoticeTransient
	case errors.Is(err, ErrConflict):
		return NoticeSilent
	case errors.Is(err, ErrTransportDisconnected):
		return NoticePersistent
	default:
		return NoticeTransient
	}
}
