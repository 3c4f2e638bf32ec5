package identity

import (
	"context"

	"github.com/bissquit/sheetdash/internal/domain"
)

// Repository defines the interface for user directory operations.
//
// Implementations must enforce email uniqueness among active users
// atomically and return ErrEmailExists on conflict, ErrUserNotFound for
// missing records and wrap ErrDirectoryUnavailable for backing store
// failures.
type Repository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	// GetUserByID returns the user regardless of status.
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	// GetUserByEmail returns only active users.
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]domain.User, int, error)

	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateProfile(ctx context.Context, user *domain.User) error

	// DeleteUser deletes a user. Soft mode marks an active user deleted.
	// Hard mode purges the record whether or not it was soft-deleted.
	DeleteUser(ctx context.Context, id string, mode domain.DeleteMode) error
	// RestoreUser reactivates a soft-deleted user.
	RestoreUser(ctx context.Context, id string) (*domain.User, error)
}

// Pagination constants.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// UserFilter represents filter criteria for listing users.
type UserFilter struct {
	Search         string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// normalize clamps pagination to the supported range.
func (f UserFilter) normalize() UserFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
