package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/sheetdash/internal/pkg/metrics"
	"golang.org/x/crypto/bcrypt"
)

// DefaultHashCost is the bcrypt work factor used when none is configured.
const DefaultHashCost = 10

// PasswordHasher computes and checks salted one-way password digests.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	// Verify returns false with a nil error on mismatch and
	// ErrCorruptCredential when digest is not a valid hash.
	Verify(plain, digest string) (bool, error)
}

// BcryptHasher implements PasswordHasher with bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a hasher with the given work factor.
func NewBcryptHasher(cost int) (*BcryptHasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &BcryptHasher{cost: cost}, nil
}

// Hash returns a bcrypt digest with a fresh random salt.
func (h *BcryptHasher) Hash(plain string) (string, error) {
	start := time.Now()
	digest, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	metrics.ObservePasswordHash("hash", time.Since(start))
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(digest), nil
}

// Verify compares plain against a stored bcrypt digest in constant time.
func (h *BcryptHasher) Verify(plain, digest string) (bool, error) {
	// Digests are never produced for longer input.
	if len(plain) > maxPasswordBytes {
		return false, nil
	}

	start := time.Now()
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(plain))
	metrics.ObservePasswordHash("verify", time.Since(start))

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrCorruptCredential, err)
	}
}
