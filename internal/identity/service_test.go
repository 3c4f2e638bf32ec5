package identity_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/sheetdash/internal/domain"
	"github.com/bissquit/sheetdash/internal/identity"
	"github.com/bissquit/sheetdash/internal/identity/identitytest"
	"github.com/bissquit/sheetdash/internal/identity/jwt"
	"github.com/bissquit/sheetdash/internal/identity/lockout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminSecret  = "Admin-Secret-1"
	userPassword = "Secret#123"
)

type fixture struct {
	service *identity.Service
	repo    *identitytest.Repository
	issuer  *jwt.Issuer
	hasher  *identity.BcryptHasher
}

func newFixture(t *testing.T, limiter identity.LoginLimiter) *fixture {
	t.Helper()

	hasher, err := identity.NewBcryptHasher(bcrypt.MinCost)
	require.NoError(t, err)
	issuer, err := jwt.NewIssuer(jwt.Config{SecretKey: "test-signing-key"})
	require.NoError(t, err)

	repo := identitytest.NewRepository()
	validator := identity.NewRegistrationValidator(identity.DefaultPasswordPolicy(), adminSecret)

	return &fixture{
		service: identity.NewService(repo, hasher, validator, issuer, limiter, identity.Config{DeleteMode: domain.DeleteModeSoft}),
		repo:    repo,
		issuer:  issuer,
		hasher:  hasher,
	}
}

func (f *fixture) register(t *testing.T, email string, role domain.Role) *domain.User {
	t.Helper()
	input := identity.RegisterInput{
		FirstName: "Test",
		LastName:  "User",
		Email:     email,
		Password:  userPassword,
		Role:      role,
	}
	if role == domain.RoleAdmin {
		input.SecretKey = adminSecret
	}
	user, err := f.service.Register(context.Background(), input)
	require.NoError(t, err)
	return user
}

func TestService_Register(t *testing.T) {
	f := newFixture(t, nil)

	user, err := f.service.Register(context.Background(), identity.RegisterInput{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "Ada@Example.com",
		Password:  userPassword,
	})

	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, domain.RoleUser, user.Role)
	assert.Equal(t, domain.UserStatusActive, user.Status)
	assert.NotEqual(t, userPassword, user.PasswordHash)

	ok, err := f.hasher.Verify(userPassword, user.PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_RegisterAdmin(t *testing.T) {
	f := newFixture(t, nil)

	user := f.register(t, "root@example.com", domain.RoleAdmin)

	assert.Equal(t, domain.RoleAdmin, user.Role)
}

func TestService_RegisterInvalidAdminSecret(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.service.Register(context.Background(), identity.RegisterInput{
		FirstName: "Eve",
		LastName:  "Hacker",
		Email:     "eve@example.com",
		Password:  userPassword,
		Role:      domain.RoleAdmin,
		SecretKey: "guess",
	})

	require.ErrorIs(t, err, identity.ErrInvalidAdminSecret)
	assert.Zero(t, f.repo.Len())
}

func TestService_RegisterValidationLeavesDirectoryUntouched(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.service.Register(context.Background(), identity.RegisterInput{
		FirstName: "Ada",
		Email:     "ada@example.com",
		Password:  "weak",
	})

	require.ErrorIs(t, err, identity.ErrValidation)
	assert.Zero(t, f.repo.Len())
}

func TestService_RegisterDuplicateEmail(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "dup@example.com", domain.RoleUser)

	_, err := f.service.Register(context.Background(), identity.RegisterInput{
		FirstName: "Other",
		LastName:  "Person",
		Email:     "DUP@example.com",
		Password:  userPassword,
	})

	require.ErrorIs(t, err, identity.ErrEmailExists)
	assert.Equal(t, 1, f.repo.Len())
}

func TestService_RegisterConcurrentSameEmail(t *testing.T) {
	f := newFixture(t, nil)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Register(context.Background(), identity.RegisterInput{
				FirstName: "Race",
				LastName:  "Condition",
				Email:     "race@example.com",
				Password:  userPassword,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, identity.ErrEmailExists):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, conflicts)
	assert.Equal(t, 1, f.repo.Len())
}

func TestService_RegisterDirectoryUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.Err = identity.ErrDirectoryUnavailable

	_, err := f.service.Register(context.Background(), identity.RegisterInput{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
		Password:  userPassword,
	})

	require.ErrorIs(t, err, identity.ErrDirectoryUnavailable)
}

func TestService_Login(t *testing.T) {
	f := newFixture(t, nil)
	user := f.register(t, "login@example.com", domain.RoleUser)

	result, err := f.service.Login(context.Background(), identity.LoginInput{
		Email:    " LOGIN@example.com ",
		Password: userPassword,
	})

	require.NoError(t, err)
	assert.Equal(t, user.ID, result.User.ID)
	assert.NotEmpty(t, result.Token)
	assert.WithinDuration(t, time.Now().Add(jwt.DefaultTokenTTL), result.ExpiresAt, time.Minute)

	claims, err := f.issuer.Verify(result.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, domain.RoleUser, claims.Role)
}

func TestService_LoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "known@example.com", domain.RoleUser)

	tests := []struct {
		name  string
		input identity.LoginInput
	}{
		{name: "unknown email", input: identity.LoginInput{Email: "nobody@example.com", Password: userPassword}},
		{name: "wrong password", input: identity.LoginInput{Email: "known@example.com", Password: "Wrong#1234"}},
		{name: "overlong password", input: identity.LoginInput{Email: "known@example.com", Password: userPassword + string(make([]byte, 80))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.service.Login(context.Background(), tt.input)

			assert.Nil(t, result)
			assert.Equal(t, identity.ErrInvalidCredentials, err)
		})
	}
}

func TestService_LoginDeletedUser(t *testing.T) {
	f := newFixture(t, nil)
	user := f.register(t, "gone@example.com", domain.RoleUser)
	require.NoError(t, f.service.DeleteUser(context.Background(), user.ID, domain.DeleteModeSoft))

	_, err := f.service.Login(context.Background(), identity.LoginInput{Email: "gone@example.com", Password: userPassword})

	require.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestService_LoginCorruptStoredHash(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.repo.CreateUser(context.Background(), &domain.User{
		FirstName:    "Broken",
		LastName:     "Hash",
		Email:        "broken@example.com",
		PasswordHash: "not-a-bcrypt-digest",
		Role:         domain.RoleUser,
		Status:       domain.UserStatusActive,
	}))

	_, err := f.service.Login(context.Background(), identity.LoginInput{Email: "broken@example.com", Password: userPassword})

	require.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestService_LoginLockout(t *testing.T) {
	f := newFixture(t, lockout.NewMemoryStore(lockout.Config{MaxAttempts: 3, Window: time.Minute, Cooldown: time.Minute}))
	f.register(t, "locked@example.com", domain.RoleUser)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.service.Login(ctx, identity.LoginInput{Email: "locked@example.com", Password: "Wrong#1234"})
		require.ErrorIs(t, err, identity.ErrInvalidCredentials)
	}

	_, err := f.service.Login(ctx, identity.LoginInput{Email: "locked@example.com", Password: userPassword})
	require.ErrorIs(t, err, identity.ErrTooManyAttempts)

	// Other accounts are unaffected.
	f.register(t, "free@example.com", domain.RoleUser)
	_, err = f.service.Login(ctx, identity.LoginInput{Email: "free@example.com", Password: userPassword})
	require.NoError(t, err)
}

func TestService_LoginSuccessResetsFailures(t *testing.T) {
	f := newFixture(t, lockout.NewMemoryStore(lockout.Config{MaxAttempts: 3, Window: time.Minute, Cooldown: time.Minute}))
	f.register(t, "reset@example.com", domain.RoleUser)
	ctx := context.Background()

	wrong := identity.LoginInput{Email: "reset@example.com", Password: "Wrong#1234"}
	right := identity.LoginInput{Email: "reset@example.com", Password: userPassword}

	for i := 0; i < 2; i++ {
		_, _ = f.service.Login(ctx, wrong)
	}
	_, err := f.service.Login(ctx, right)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _ = f.service.Login(ctx, wrong)
	}
	_, err = f.service.Login(ctx, right)
	require.NoError(t, err)
}

type failingLimiter struct{}

func (failingLimiter) IsLocked(context.Context, string) (bool, time.Duration, error) {
	return false, 0, errors.New("store down")
}

func (failingLimiter) RecordFailure(context.Context, string) error { return errors.New("store down") }

func (failingLimiter) Reset(context.Context, string) error { return errors.New("store down") }

func TestService_LoginLimiterErrorsDoNotBlock(t *testing.T) {
	f := newFixture(t, failingLimiter{})
	f.register(t, "open@example.com", domain.RoleUser)

	_, err := f.service.Login(context.Background(), identity.LoginInput{Email: "open@example.com", Password: userPassword})

	require.NoError(t, err)
}

func TestService_ChangePassword(t *testing.T) {
	f := newFixture(t, nil)
	user := f.register(t, "change@example.com", domain.RoleUser)
	ctx := context.Background()

	err := f.service.ChangePassword(ctx, identity.ChangePasswordInput{
		UserID:          user.ID,
		CurrentPassword: userPassword,
		NewPassword:     "Fresh#4567",
		ConfirmPassword: "Fresh#4567",
	})
	require.NoError(t, err)

	_, err = f.service.Login(ctx, identity.LoginInput{Email: "change@example.com", Password: userPassword})
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)

	_, err = f.service.Login(ctx, identity.LoginInput{Email: "change@example.com", Password: "Fresh#4567"})
	require.NoError(t, err)
}

func TestService_ChangePasswordFailures(t *testing.T) {
	tests := []struct {
		name    string
		input   func(id string) identity.ChangePasswordInput
		wantErr error
	}{
		{
			name: "unknown user",
			input: func(string) identity.ChangePasswordInput {
				return identity.ChangePasswordInput{
					UserID:          "8c1c1d5e-8a4b-4f5e-9d1a-3a6e4f0b2c11",
					CurrentPassword: userPassword,
					NewPassword:     "Fresh#4567",
					ConfirmPassword: "Fresh#4567",
				}
			},
			wantErr: identity.ErrUserNotFound,
		},
		{
			name: "malformed id",
			input: func(string) identity.ChangePasswordInput {
				return identity.ChangePasswordInput{UserID: "42", CurrentPassword: userPassword}
			},
			wantErr: identity.ErrUserNotFound,
		},
		{
			name: "wrong current password checked before confirmation",
			input: func(id string) identity.ChangePasswordInput {
				return identity.ChangePasswordInput{
					UserID:          id,
					CurrentPassword: "Wrong#1234",
					NewPassword:     "Fresh#4567",
					ConfirmPassword: "Other#4567",
				}
			},
			wantErr: identity.ErrWrongCurrentPassword,
		},
		{
			name: "confirmation mismatch checked before policy",
			input: func(id string) identity.ChangePasswordInput {
				return identity.ChangePasswordInput{
					UserID:          id,
					CurrentPassword: userPassword,
					NewPassword:     "weak",
					ConfirmPassword: "weaker",
				}
			},
			wantErr: identity.ErrPasswordMismatch,
		},
		{
			name: "weak new password",
			input: func(id string) identity.ChangePasswordInput {
				return identity.ChangePasswordInput{
					UserID:          id,
					CurrentPassword: userPassword,
					NewPassword:     "weak",
					ConfirmPassword: "weak",
				}
			},
			wantErr: identity.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			user := f.register(t, "change@example.com", domain.RoleUser)
			ctx := context.Background()

			err := f.service.ChangePassword(ctx, tt.input(user.ID))
			require.ErrorIs(t, err, tt.wantErr)

			stored, err := f.repo.GetUserByID(ctx, user.ID)
			require.NoError(t, err)
			assert.Equal(t, user.PasswordHash, stored.PasswordHash)
		})
	}
}

func TestService_ChangePasswordDeletedUser(t *testing.T) {
	f := newFixture(t, nil)
	user := f.register(t, "deleted@example.com", domain.RoleUser)
	ctx := context.Background()
	require.NoError(t, f.service.DeleteUser(ctx, user.ID, domain.DeleteModeSoft))

	err := f.service.ChangePassword(ctx, identity.ChangePasswordInput{
		UserID:          user.ID,
		CurrentPassword: userPassword,
		NewPassword:     "Fresh#4567",
		ConfirmPassword: "Fresh#4567",
	})

	require.ErrorIs(t, err, identity.ErrUserNotFound)
}

func TestService_ValidateToken(t *testing.T) {
	f := newFixture(t, nil)
	user := f.register(t, "token@example.com", domain.RoleAdmin)

	token, _, err := f.issuer.Issue(user.ID, user.Role)
	require.NoError(t, err)

	id, role, err := f.service.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, id)
	assert.Equal(t, domain.RoleAdmin, role)

	_, _, err = f.service.ValidateToken(context.Background(), "garbage")
	require.ErrorIs(t, err, identity.ErrToken)
}

func TestService_Authorize(t *testing.T) {
	f := newFixture(t, nil)

	assert.NoError(t, f.service.Authorize(domain.RoleAdmin, domain.RoleAdmin))
	assert.NoError(t, f.service.Authorize(domain.RoleAdmin, domain.RoleUser))
	assert.NoError(t, f.service.Authorize(domain.RoleUser, domain.RoleUser))
	assert.ErrorIs(t, f.service.Authorize(domain.RoleUser, domain.RoleAdmin), identity.ErrForbidden)
	assert.ErrorIs(t, f.service.Authorize("", domain.RoleUser), identity.ErrForbidden)
}

func TestService_AuthorizeSelfOrAdmin(t *testing.T) {
	f := newFixture(t, nil)

	assert.NoError(t, f.service.AuthorizeSelfOrAdmin("a", domain.RoleUser, "a"))
	assert.NoError(t, f.service.AuthorizeSelfOrAdmin("a", domain.RoleAdmin, "b"))
	assert.ErrorIs(t, f.service.AuthorizeSelfOrAdmin("a", domain.RoleUser, "b"), identity.ErrForbidden)
	assert.ErrorIs(t, f.service.AuthorizeSelfOrAdmin("", domain.RoleUser, ""), identity.ErrForbidden)
}

func TestService_SoftDeleteAndRestore(t *testing.T) {
	f := newFixture(t, nil)
	user := f.register(t, "soft@example.com", domain.RoleUser)
	ctx := context.Background()

	require.NoError(t, f.service.DeleteUser(ctx, user.ID, ""))

	_, err := f.service.GetUserByID(ctx, user.ID)
	require.ErrorIs(t, err, identity.ErrUserNotFound)
	require.ErrorIs(t, f.service.DeleteUser(ctx, user.ID, domain.DeleteModeSoft), identity.ErrUserNotFound)

	stored, err := f.repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UserStatusDeleted, stored.Status)
	assert.NotNil(t, stored.DeletedAt)

	restored, err := f.service.RestoreUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UserStatusActive, restored.Status)
	assert.Nil(t, restored.DeletedAt)

	_, err = f.service.Login(ctx, identity.LoginInput{Email: "soft@example.com", Password: userPassword})
	require.NoError(t, err)
}

func TestService_SoftDeleteReleasesEmail(t *testing.T) {
	f := newFixture(t, nil)
	first := f.register(t, "reuse@example.com", domain.RoleUser)
	ctx := context.Background()

	require.NoError(t, f.service.DeleteUser(ctx, first.ID, domain.DeleteModeSoft))
	second := f.register(t, "reuse@example.com", domain.RoleUser)
	assert.NotEqual(t, first.ID, second.ID)

	_, err := f.service.RestoreUser(ctx, first.ID)
	require.ErrorIs(t, err, identity.ErrEmailExists)
}

func TestService_HardDelete(t *testing.T) {
	f := newFixture(t, nil)
	user := f.register(t, "hard@example.com", domain.RoleUser)
	ctx := context.Background()

	require.NoError(t, f.service.DeleteUser(ctx, user.ID, domain.DeleteModeHard))

	assert.Zero(t, f.repo.Len())
	_, err := f.service.RestoreUser(ctx, user.ID)
	require.ErrorIs(t, err, identity.ErrUserNotFound)
}

func TestService_HardDeletePurgesSoftDeletedUser(t *testing.T) {
	f := newFixture(t, nil)
	user := f.register(t, "purge@example.com", domain.RoleUser)
	ctx := context.Background()

	require.NoError(t, f.service.DeleteUser(ctx, user.ID, domain.DeleteModeSoft))
	require.ErrorIs(t, f.service.DeleteUser(ctx, user.ID, domain.DeleteModeSoft), identity.ErrUserNotFound)

	require.NoError(t, f.service.DeleteUser(ctx, user.ID, domain.DeleteModeHard))
	assert.Zero(t, f.repo.Len())
}

func TestService_DeleteUserInvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	user := f.register(t, "keep@example.com", domain.RoleUser)
	ctx := context.Background()

	err := f.service.DeleteUser(ctx, user.ID, "purge")
	require.ErrorIs(t, err, identity.ErrValidation)

	err = f.service.DeleteUser(ctx, "not-a-uuid", domain.DeleteModeHard)
	require.ErrorIs(t, err, identity.ErrUserNotFound)

	assert.Equal(t, 1, f.repo.Len())
}

func TestService_UpdateProfile(t *testing.T) {
	f := newFixture(t, nil)
	user := f.register(t, "profile@example.com", domain.RoleUser)
	ctx := context.Background()

	updated, err := f.service.UpdateProfile(ctx, user.ID, identity.ProfileInput{FirstName: " Grace ", LastName: "Hopper"})
	require.NoError(t, err)
	assert.Equal(t, "Grace", updated.FirstName)
	assert.Equal(t, "Hopper", updated.LastName)
	assert.Equal(t, "profile@example.com", updated.Email)

	_, err = f.service.UpdateProfile(ctx, user.ID, identity.ProfileInput{FirstName: "<i>x</i>", LastName: "Y"})
	require.ErrorIs(t, err, identity.ErrValidation)
}

func TestService_ListUsers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	alice := f.register(t, "alice@example.com", domain.RoleUser)
	f.register(t, "bob@example.com", domain.RoleUser)
	f.register(t, "carol@example.com", domain.RoleAdmin)
	require.NoError(t, f.service.DeleteUser(ctx, alice.ID, domain.DeleteModeSoft))

	users, total, err := f.service.ListUsers(ctx, identity.UserFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, users, 2)

	users, total, err = f.service.ListUsers(ctx, identity.UserFilter{IncludeDeleted: true, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, users, 1)

	users, total, err = f.service.ListUsers(ctx, identity.UserFilter{Search: "  BOB "})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, users, 1)
	assert.Equal(t, "bob@example.com", users[0].Email)
}

type countingHasher struct {
	identity.PasswordHasher

	mu       sync.Mutex
	hashes   int
	verifies int
}

func (h *countingHasher) Hash(plain string) (string, error) {
	h.mu.Lock()
	h.hashes++
	h.mu.Unlock()
	return h.PasswordHasher.Hash(plain)
}

func (h *countingHasher) Verify(plain, digest string) (bool, error) {
	h.mu.Lock()
	h.verifies++
	h.mu.Unlock()
	return h.PasswordHasher.Verify(plain, digest)
}

func TestService_LoginUnknownEmailCostsOneVerify(t *testing.T) {
	bcryptHasher, err := identity.NewBcryptHasher(bcrypt.MinCost)
	require.NoError(t, err)
	issuer, err := jwt.NewIssuer(jwt.Config{SecretKey: "test-signing-key"})
	require.NoError(t, err)
	hasher := &countingHasher{PasswordHasher: bcryptHasher}

	service := identity.NewService(identitytest.NewRepository(), hasher,
		identity.NewRegistrationValidator(identity.DefaultPasswordPolicy(), adminSecret),
		issuer, nil, identity.Config{})
	require.Equal(t, 1, hasher.hashes)

	for i := 0; i < 2; i++ {
		_, err := service.Login(context.Background(), identity.LoginInput{Email: "ghost@example.com", Password: userPassword})
		require.ErrorIs(t, err, identity.ErrInvalidCredentials)
	}

	assert.Equal(t, 1, hasher.hashes)
	assert.Equal(t, 2, hasher.verifies)
}
