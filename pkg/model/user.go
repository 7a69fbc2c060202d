package model

import (
	"errors"
	"fmt"
	"time"
)

const MaxUsernameLength = 32

// MinPasswordLength is the shortest password the registration and
// password-change endpoints accept.
const MinPasswordLength = 6

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")
var ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)

// User represents a registered account as the REST API reports it.
// ChatID is the opaque identifier the realtime channel uses to address
// this user; it is assigned once at registration.
type User struct {
	ID            int64     `json:"id,omitempty"`
	Username      string    `json:"username"`
	PasswordHash  string    `json:"-"` // bcrypt hash, server-side only
	Role          Role      `json:"role"`
	ChatID        string    `json:"chat_id"`
	IsMasterAdmin bool      `json:"is_master_admin"`
	IsBanned      bool      `json:"is_banned,omitempty"`
	IsMuted       bool      `json:"is_muted,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric,
// underscore, or hyphen characters. Returns nil on success or a
// descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// ValidatePassword enforces the minimum password length.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}
