// Package domain contains entities without transport or lifecycle logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen  = 64
	MaxTitleLen   = 120
	MaxSpaceIDLen = 64
)

var (
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUserIDEmpty   = errors.New("user id empty")
)

type UserID string

// ParseUserID trims and validates an identity coming from a token or a request.
func ParseUserID(raw string) (UserID, error) {
	id := strings.TrimSpace(raw)
	if len(id) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(id), nil
}

// Less is the tie-break order used when both sides of a pair act at once.
func (u UserID) Less(other UserID) bool { return u < other }
