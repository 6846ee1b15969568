package domain

import (
	"time"

	"github.com/google/uuid"
)

type RequestID string

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// SpeakerRequest is a listener's "wants to speak" ask. It is resolved once
// and immutable afterwards.
type SpeakerRequest struct {
	ID         RequestID     `json:"id"`
	SpaceID    SpaceID       `json:"space_id"`
	UserID     UserID        `json:"user_id"`
	Status     RequestStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedBy UserID        `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

func NewSpeakerRequest(space SpaceID, user UserID) *SpeakerRequest {
	return &SpeakerRequest{
		ID:        RequestID(uuid.NewString()),
		SpaceID:   space,
		UserID:    user,
		Status:    RequestPending,
		CreatedAt: time.Now().UTC(),
	}
}

func (r *SpeakerRequest) Pending() bool { return r.Status == RequestPending }

// Resolve stamps the outcome. A request that is no longer pending cannot be resolved again.
func (r *SpeakerRequest) Resolve(accept bool, by UserID, at time.Time) error {
	if !r.Pending() {
		return ErrConflict
	}
	r.Status = RequestRejected
	if accept {
		r.Status = RequestAccepted
	}
	r.ResolvedBy = by
	r.ResolvedAt = &at
	return nil
}

// Reopen undoes an accept whose promotion failed, so the request can be retried.
func (r *SpeakerRequest) Reopen() {
	r.Status = RequestPending
	r.ResolvedBy = ""
	r.ResolvedAt = nil
}
