// Package identity implements registration, login, password change and
// role-based authorization for dashboard users.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/sheetdash/internal/domain"
	"github.com/bissquit/sheetdash/internal/pkg/ctxlog"
	"github.com/bissquit/sheetdash/internal/pkg/metrics"
	"github.com/google/uuid"
)

// TokenClaims is the verified content of an authentication token.
type TokenClaims struct {
	UserID    string
	Role      domain.Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenIssuer signs and verifies authentication tokens.
type TokenIssuer interface {
	Issue(userID string, role domain.Role) (token string, expiresAt time.Time, err error)
	Verify(token string) (*TokenClaims, error)
}

// LoginLimiter tracks failed logins per account key.
type LoginLimiter interface {
	IsLocked(ctx context.Context, key string) (locked bool, retryAfter time.Duration, err error)
	RecordFailure(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

// Config holds service behavior settings.
type Config struct {
	DeleteMode domain.DeleteMode
}

// Service implements identity business logic.
type Service struct {
	repo      Repository
	hasher    PasswordHasher
	validator *RegistrationValidator
	tokens    TokenIssuer
	limiter   LoginLimiter
	config    Config

	dummyHash string
}

// NewService creates a new identity service. limiter may be nil to
// disable login lockout.
func NewService(repo Repository, hasher PasswordHasher, validator *RegistrationValidator, tokens TokenIssuer, limiter LoginLimiter, config Config) *Service {
	if !config.DeleteMode.IsValid() {
		config.DeleteMode = domain.DeleteModeSoft
	}
	// A failed hash leaves dummyHash empty and burnVerify becomes a no-op.
	dummyHash, _ := hasher.Hash("sheetdash-timing-equalizer")

	return &Service{
		repo:      repo,
		hasher:    hasher,
		validator: validator,
		tokens:    tokens,
		limiter:   limiter,
		config:    config,
		dummyHash: dummyHash,
	}
}

// Register validates input and creates a new user. No token is issued.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*domain.User, error) {
	input, err := s.validator.Validate(input)
	if err != nil {
		metrics.RecordRegistration("rejected")
		return nil, err
	}

	existing, err := s.repo.GetUserByEmail(ctx, input.Email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		metrics.RecordRegistration("error")
		return nil, fmt.Errorf("check email: %w", err)
	}
	if existing != nil {
		metrics.RecordRegistration("duplicate")
		return nil, ErrEmailExists
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		metrics.RecordRegistration("error")
		return nil, err
	}

	user := &domain.User{
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		Email:        input.Email,
		PasswordHash: hash,
		Role:         input.Role,
		Status:       domain.UserStatusActive,
	}

	// The store enforces uniqueness, so a concurrent registration that
	// passed the check above still ends here with ErrEmailExists.
	if err := s.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrEmailExists) {
			metrics.RecordRegistration("duplicate")
			return nil, ErrEmailExists
		}
		metrics.RecordRegistration("error")
		return nil, fmt.Errorf("create user: %w", err)
	}

	metrics.RecordRegistration("created")
	ctxlog.FromContext(ctx).Info("user registered",
		"user_id", user.ID,
		"role", user.Role,
	)

	return user, nil
}

// LoginInput holds login credentials.
type LoginInput struct {
	Email    string
	Password string
}

// LoginResult is returned on successful login.
type LoginResult struct {
	User      *domain.User
	Token     string
	ExpiresAt time.Time
}

// Login authenticates by email and password and issues a token.
// Unknown email and wrong password both yield ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	logger := ctxlog.FromContext(ctx)
	email := NormalizeEmail(input.Email)

	if s.isLocked(ctx, email) {
		metrics.RecordLogin("locked")
		return nil, ErrTooManyAttempts
	}

	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.burnVerify(input.Password)
			s.recordFailure(ctx, email)
			metrics.RecordLogin("invalid_credentials")
			return nil, ErrInvalidCredentials
		}
		metrics.RecordLogin("error")
		return nil, fmt.Errorf("get user by email: %w", err)
	}

	ok, err := s.hasher.Verify(input.Password, user.PasswordHash)
	if err != nil {
		logger.Error("stored credential cannot be verified", "user_id", user.ID, "error", err)
		metrics.RecordLogin("invalid_credentials")
		return nil, ErrInvalidCredentials
	}
	if !ok {
		s.recordFailure(ctx, email)
		metrics.RecordLogin("invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, email); err != nil {
			logger.Warn("failed to reset login attempts", "error", err)
		}
	}

	token, expiresAt, err := s.tokens.Issue(user.ID, user.Role)
	if err != nil {
		metrics.RecordLogin("error")
		return nil, fmt.Errorf("issue token: %w", err)
	}

	metrics.RecordLogin("success")
	logger.Info("user logged in", "user_id", user.ID)

	return &LoginResult{User: user, Token: token, ExpiresAt: expiresAt}, nil
}

// ChangePasswordInput holds data for changing a password.
type ChangePasswordInput struct {
	UserID          string
	CurrentPassword string
	NewPassword     string
	ConfirmPassword string
}

// ChangePassword verifies the current password and stores a hash of the
// new one. The stored hash is left untouched on any failure.
func (s *Service) ChangePassword(ctx context.Context, input ChangePasswordInput) error {
	user, err := s.GetUserByID(ctx, input.UserID)
	if err != nil {
		return err
	}

	ok, err := s.hasher.Verify(input.CurrentPassword, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify current password: %w", err)
	}
	if !ok {
		return ErrWrongCurrentPassword
	}

	if input.NewPassword != input.ConfirmPassword {
		return ErrPasswordMismatch
	}

	if err := s.validator.CheckPassword("newPassword", input.NewPassword); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(input.NewPassword)
	if err != nil {
		return err
	}

	if err := s.repo.UpdatePassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	ctxlog.FromContext(ctx).Info("password changed", "user_id", user.ID)
	return nil
}

// ValidateToken verifies a token and returns its subject and role.
func (s *Service) ValidateToken(_ context.Context, token string) (string, domain.Role, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return "", "", err
	}
	return claims.UserID, claims.Role, nil
}

// Authorize returns ErrForbidden unless role satisfies required.
func (s *Service) Authorize(role, required domain.Role) error {
	if !role.HasPermission(required) {
		return ErrForbidden
	}
	return nil
}

// AuthorizeSelfOrAdmin allows admins and the owner of targetID.
func (s *Service) AuthorizeSelfOrAdmin(actorID string, actorRole domain.Role, targetID string) error {
	if actorRole == domain.RoleAdmin {
		return nil
	}
	if actorID != "" && actorID == targetID && actorRole.HasPermission(domain.RoleUser) {
		return nil
	}
	return ErrForbidden
}

// GetUserByID returns an active user.
func (s *Service) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	if !isUserID(id) {
		return nil, ErrUserNotFound
	}
	user, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !user.IsActive() {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// ListUsers returns a page of users and the total count matching filter.
func (s *Service) ListUsers(ctx context.Context, filter UserFilter) ([]domain.User, int, error) {
	filter = filter.normalize()
	filter.Search = strings.TrimSpace(filter.Search)
	return s.repo.ListUsers(ctx, filter)
}

// UpdateProfile changes the name of an active user.
func (s *Service) UpdateProfile(ctx context.Context, id string, input ProfileInput) (*domain.User, error) {
	input, err := s.validator.ValidateProfile(input)
	if err != nil {
		return nil, err
	}

	user, err := s.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}

	user.FirstName = input.FirstName
	user.LastName = input.LastName
	if err := s.repo.UpdateProfile(ctx, user); err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return user, nil
}

// DeleteUser removes an active user. An empty mode uses the configured default.
func (s *Service) DeleteUser(ctx context.Context, id string, mode domain.DeleteMode) error {
	if mode == "" {
		mode = s.config.DeleteMode
	}
	if !mode.IsValid() {
		return newFieldError("mode", "oneof", "mode must be one of soft, hard")
	}
	if !isUserID(id) {
		return ErrUserNotFound
	}

	if err := s.repo.DeleteUser(ctx, id, mode); err != nil {
		return err
	}

	ctxlog.FromContext(ctx).Info("user deleted", "user_id", id, "mode", mode)
	return nil
}

// RestoreUser reactivates a soft-deleted user. It fails with
// ErrEmailExists if the address was taken by another active user.
func (s *Service) RestoreUser(ctx context.Context, id string) (*domain.User, error) {
	if !isUserID(id) {
		return nil, ErrUserNotFound
	}
	user, err := s.repo.RestoreUser(ctx, id)
	if err != nil {
		return nil, err
	}

	ctxlog.FromContext(ctx).Info("user restored", "user_id", id)
	return user, nil
}

func (s *Service) isLocked(ctx context.Context, key string) bool {
	if s.limiter == nil {
		return false
	}
	locked, _, err := s.limiter.IsLocked(ctx, key)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("login lockout check failed", "error", err)
		return false
	}
	return locked
}

func (s *Service) recordFailure(ctx context.Context, key string) {
	if s.limiter == nil {
		return
	}
	if err := s.limiter.RecordFailure(ctx, key); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to record login failure", "error", err)
	}
}

// burnVerify spends the same CPU time as a real verification so response
// latency does not reveal whether an email is registered.
func (s *Service) burnVerify(password string) {
	if s.dummyHash != "" {
		_, _ = s.hasher.Verify(password, s.dummyHash)
	}
}

func isUserID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
