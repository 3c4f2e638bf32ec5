package identity

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrValidation         = errors.New("validation error")
	ErrInvalidAdminSecret = fmt.Errorf("%w: invalid admin secret key", ErrValidation)
	ErrPasswordMismatch   = fmt.Errorf("%w: passwords do not match", ErrValidation)
)

// Directory errors.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrEmailExists          = errors.New("user with given email already exists")
	ErrDirectoryUnavailable = errors.New("user directory unavailable")
)

// Credential errors.
var (
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrWrongCurrentPassword = errors.New("current password is incorrect")
	ErrCorruptCredential    = errors.New("stored credential is corrupt")
	ErrTooManyAttempts      = errors.New("too many failed login attempts")
	ErrForbidden            = errors.New("insufficient permissions")
)

// Token errors. All of them wrap ErrToken.
var (
	ErrToken          = errors.New("token error")
	ErrInvalidToken   = fmt.Errorf("%w: invalid token", ErrToken)
	ErrExpiredToken   = fmt.Errorf("%w: token expired", ErrToken)
	ErrMalformedToken = fmt.Errorf("%w: malformed token", ErrToken)
)

// FieldError describes a single violated field rule.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError lists every field rule a payload violated.
type ValidationError struct {
	Fields []FieldError
	cause  error
}

// Error returns the first violation, which is what the API shows as the
// human-readable message.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	return e.Fields[0].Message
}

// Unwrap lets errors.Is match ErrValidation and, for admin secret
// failures, ErrInvalidAdminSecret.
func (e *ValidationError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return ErrValidation
}

func newFieldError(field, rule, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Rule: rule, Message: message}}}
}

// Details exposes the per-field violations for API error bodies.
func (e *ValidationError) Details() any {
	return e.Fields
}
