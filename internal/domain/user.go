package domain

import "time"

// Role is a user's authorization level.
type Role string

// Available roles.
const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// IsValid checks if role is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAdmin:
		return true
	}
	return false
}

// HasPermission reports whether r satisfies the required role.
// Admin satisfies every role.
func (r Role) HasPermission(required Role) bool {
	if !r.IsValid() {
		return false
	}
	if r == RoleAdmin {
		return true
	}
	return r == required
}

// UserStatus is the lifecycle state of a user record.
type UserStatus string

// Available user statuses.
const (
	UserStatusActive  UserStatus = "active"
	UserStatusDeleted UserStatus = "deleted"
)

// IsValid checks if status is one of the known statuses.
func (s UserStatus) IsValid() bool {
	switch s {
	case UserStatusActive, UserStatusDeleted:
		return true
	}
	return false
}

// DeleteMode selects how a user is removed.
type DeleteMode string

// Available delete modes.
const (
	DeleteModeSoft DeleteMode = "soft"
	DeleteModeHard DeleteMode = "hard"
)

// IsValid checks if mode is soft or hard.
func (m DeleteMode) IsValid() bool {
	return m == DeleteModeSoft || m == DeleteModeHard
}

// User is an account of the dashboard.
type User struct {
	ID           string     `json:"id"`
	FirstName    string     `json:"firstName"`
	LastName     string     `json:"lastName"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

// IsActive reports whether the user has not been soft-deleted.
func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}
