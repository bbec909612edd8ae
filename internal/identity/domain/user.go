package domain

import (
	"errors"
	"time"
)

var (
	// ErrUserNotFound is returned when no user matches the given key or
	// pseudonym id.
	ErrUserNotFound = errors.New("user not found")

	// ErrConflict is returned when a concurrent first contact raced the
	// pseudonym assignment. The caller must retry with a fresh lookup.
	ErrConflict = errors.New("identity registry conflict")
)

// User is a participant known to the relay. UserKey is the opaque stable
// identifier assigned by the transport; PseudonymID is the only identifier
// ever shown to the operator in its place.
type User struct {
	UserKey      string    `json:"user_key"`
	PseudonymID  int64     `json:"pseudonym_id"`
	Username     *string   `json:"username,omitempty"`
	FirstName    *string   `json:"first_name,omitempty"`
	LastName     *string   `json:"last_name,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	IsBlocked    bool      `json:"is_blocked"`
	BlockReason  *string   `json:"block_reason,omitempty"`
	Notes        *string   `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DisplayAttrs are the mutable display fields refreshed on every contact.
type DisplayAttrs struct {
	Username  *string
	FirstName *string
	LastName  *string
}

// DisplayName renders the name fields the way the operator sees them.
func (u *User) DisplayName() string {
	name := ""
	if u.FirstName != nil {
		name = *u.FirstName
	}
	if u.LastName != nil && *u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += *u.LastName
	}
	if name == "" {
		name = "Unknown"
	}
	return name
}
