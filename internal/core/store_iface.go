package core

import (
	"context"
	"time"

	"github.com/dkeye/Spaces/internal/domain"
)

type SpaceStore interface {
	CreateSpace(ctx context.Context, s *domain.Space) error
	GetSpace(ctx context.Context, id domain.SpaceID) (*domain.Space, error)
	UpdateSpace(ctx context.Context, s *domain.Space) error
}

type ParticipantStore interface {
	GetParticipant(ctx context.Context, space domain.SpaceID, user domain.UserID) (*domain.Participant, error)
	ListParticipants(ctx context.Context, space domain.SpaceID) ([]domain.Participant, error)
	// UpsertParticipant inserts the row or keeps the stored role of an existing one.
	UpsertParticipant(ctx context.Context, p *domain.Participant) error
	UpdateRole(ctx context.Context, space domain.SpaceID, user domain.UserID, role domain.Role) error
	UpdateMuted(ctx context.Context, space domain.SpaceID, user domain.UserID, muted bool) error
	RemoveParticipant(ctx context.Context, space domain.SpaceID, user domain.UserID) error
}

type RequestStore interface {
	// InsertRequest returns domain.ErrConflict if a pending request already exists for the user.
	InsertRequest(ctx context.Context, r *domain.SpeakerRequest) error
	GetRequest(ctx context.Context, id domain.RequestID) (*domain.SpeakerRequest, error)
	PendingRequest(ctx context.Context, space domain.SpaceID, user domain.UserID) (*domain.SpeakerRequest, error)
	ListPending(ctx context.Context, space domain.SpaceID) ([]domain.SpeakerRequest, error)
	// UpdateRequest writes r only if the stored status still equals expect, else domain.ErrConflict.
	UpdateRequest(ctx context.Context, r *domain.SpeakerRequest, expect domain.RequestStatus) error
}

// RequestAcceptor is implemented by stores that can resolve a request and
// promote its author in one transaction.
type RequestAcceptor interface {
	AcceptAndPromote(ctx context.Context, r *domain.SpeakerRequest) error
}

type Backend interface {
	SpaceStore
	ParticipantStore
	RequestStore
}

type Table string

const (
	TableSpaces       Table = "spaces"
	TableParticipants Table = "space_participants"
	TableRequests     Table = "space_speaker_requests"
)

type RowOp string

const (
	OpInsert RowOp = "insert"
	OpUpdate RowOp = "update"
	OpDelete RowOp = "delete"
)

// RowEvent is a full snapshot of one row after a change. For deletes it holds
// the last known row so the key is available.
type RowEvent struct {
	Table       Table                  `json:"table"`
	Op          RowOp                  `json:"op"`
	SpaceID     domain.SpaceID         `json:"space_id"`
	Space       *domain.Space          `json:"space,omitempty"`
	Participant *domain.Participant    `json:"participant,omitempty"`
	Request     *domain.SpeakerRequest `json:"request,omitempty"`
	At          time.Time              `json:"at"`
}

// Realtime delivers row events for one space, at-least-once, ordered per table.
// The returned channel is closed when ctx ends; it cannot be restarted.
type Realtime interface {
	Subscribe(ctx context.Context, space domain.SpaceID) (<-chan RowEvent, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev RowEvent) error
}
