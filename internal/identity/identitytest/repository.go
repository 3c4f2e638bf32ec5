// Package identitytest provides an in-memory identity.Repository for tests.
package identitytest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/sheetdash/internal/domain"
	"github.com/bissquit/sheetdash/internal/identity"
	"github.com/google/uuid"
)

// Repository is a concurrency-safe in-memory user directory.
type Repository struct {
	mu    sync.Mutex
	users map[string]*domain.User
	now   func() time.Time

	// Err, when set, is returned by every operation.
	Err error
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{
		users: make(map[string]*domain.User),
		now:   time.Now,
	}
}

// CreateUser implements identity.Repository.
func (r *Repository) CreateUser(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	if r.activeEmailTaken(user.Email, "") {
		return identity.ErrEmailExists
	}

	now := r.now().UTC()
	user.ID = uuid.NewString()
	user.CreatedAt = now
	user.UpdatedAt = now
	stored := *user
	r.users[user.ID] = &stored
	return nil
}

// GetUserByID implements identity.Repository.
func (r *Repository) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}
	u, ok := r.users[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByEmail implements identity.Repository.
func (r *Repository) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}
	for _, u := range r.users {
		if u.Email == email && u.IsActive() {
			cp := *u
			return &cp, nil
		}
	}
	return nil, identity.ErrUserNotFound
}

// ListUsers implements identity.Repository.
func (r *Repository) ListUsers(_ context.Context, filter identity.UserFilter) ([]domain.User, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return nil, 0, r.Err
	}

	search := strings.ToLower(filter.Search)
	matched := make([]domain.User, 0, len(r.users))
	for _, u := range r.users {
		if !filter.IncludeDeleted && !u.IsActive() {
			continue
		}
		if search != "" && !matchesSearch(u, search) {
			continue
		}
		matched = append(matched, *u)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset >= total {
		return []domain.User{}, total, nil
	}
	end := total
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	return matched[filter.Offset:end], total, nil
}

// UpdatePassword implements identity.Repository.
func (r *Repository) UpdatePassword(_ context.Context, id, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	u, ok := r.users[id]
	if !ok || !u.IsActive() {
		return identity.ErrUserNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = r.now().UTC()
	return nil
}

// UpdateProfile implements identity.Repository.
func (r *Repository) UpdateProfile(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	u, ok := r.users[user.ID]
	if !ok || !u.IsActive() {
		return identity.ErrUserNotFound
	}
	u.FirstName = user.FirstName
	u.LastName = user.LastName
	u.UpdatedAt = r.now().UTC()
	user.UpdatedAt = u.UpdatedAt
	return nil
}

// DeleteUser implements identity.Repository.
func (r *Repository) DeleteUser(_ context.Context, id string, mode domain.DeleteMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	u, ok := r.users[id]
	if !ok {
		return identity.ErrUserNotFound
	}

	if mode == domain.DeleteModeHard {
		delete(r.users, id)
		return nil
	}
	if !u.IsActive() {
		return identity.ErrUserNotFound
	}
	now := r.now().UTC()
	u.Status = domain.UserStatusDeleted
	u.DeletedAt = &now
	u.UpdatedAt = now
	return nil
}

// RestoreUser implements identity.Repository.
func (r *Repository) RestoreUser(_ context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}
	u, ok := r.users[id]
	if !ok || u.IsActive() {
		return nil, identity.ErrUserNotFound
	}
	if r.activeEmailTaken(u.Email, id) {
		return nil, identity.ErrEmailExists
	}
	u.Status = domain.UserStatusActive
	u.DeletedAt = nil
	u.UpdatedAt = r.now().UTC()
	cp := *u
	return &cp, nil
}

// Len returns the number of stored records, deleted ones included.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *Repository) activeEmailTaken(email, exceptID string) bool {
	for id, u := range r.users {
		if id != exceptID && u.Email == email && u.IsActive() {
			return true
		}
	}
	return false
}

func matchesSearch(u *domain.User, search string) bool {
	return strings.Contains(strings.ToLower(u.FirstName), search) ||
		strings.Contains(strings.ToLower(u.LastName), search) ||
		strings.Contains(u.Email, search)
}
