package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type SpaceID string

type SpaceStatus string

const (
	SpaceScheduled SpaceStatus = "scheduled"
	SpaceLive      SpaceStatus = "live"
	SpaceEnded     SpaceStatus = "ended"
)

// Space is a live audio room. Ended is terminal.
type Space struct {
	ID           SpaceID     `json:"id"`
	Title        string      `json:"title"`
	Status       SpaceStatus `json:"status"`
	HostID       UserID      `json:"host_id"`
	Recording    bool        `json:"recording"`
	RecordingURL string      `json:"recording_url,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// NewSpace avoids raw literals in adapters and keeps construction obvious.
func NewSpace(host UserID, title string) (*Space, error) {
	if host == "" {
		return nil, ErrUserIDEmpty
	}
	title = strings.TrimSpace(title)
	if title == "" || len(title) > MaxTitleLen {
		return nil, ErrInvalidTitle
	}
	return &Space{
		ID:        SpaceID(uuid.NewString()),
		Title:     title,
		Status:    SpaceScheduled,
		HostID:    host,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (s *Space) Ended() bool { return s.Status == SpaceEnded }

// CanTransition enforces scheduled -> live -> ended, with scheduled -> ended
// allowed for spaces cancelled before going live.
func (s SpaceStatus) CanTransition(to SpaceStatus) bool {
	switch s {
	case SpaceScheduled:
		return to == SpaceLive || to == SpaceEnded
	case SpaceLive:
		return to == SpaceEnded
	}
	return false
}
