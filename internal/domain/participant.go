package domain

import "time"

// Participant is one user's membership in a space.
// No transport or lifecycle logic here.
type Participant struct {
	SpaceID  SpaceID   `json:"space_id"`
	UserID   UserID    `json:"user_id"`
	Role     Role      `json:"role"`
	Muted    bool      `json:"muted"`
	JoinedAt time.Time `json:"joined_at"`
}

func NewParticipant(space SpaceID, user UserID, role Role) *Participant {
	return &Participant{
		SpaceID:  space,
		UserID:   user,
		Role:     role.OrListener(),
		Muted:    true,
		JoinedAt: time.Now().UTC(),
	}
}

// SameState reports whether two snapshots of the same participant are observably equal.
func (p Participant) SameState(other Participant) bool {
	return p.Role == other.Role && p.Muted == other.Muted
}
