package identity

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// bcrypt ignores everything past 72 bytes, so longer passwords are refused
// regardless of the configured maximum.
const maxPasswordBytes = 72

// PasswordPolicy defines password complexity requirements.
// A zero bound disables the corresponding rule.
type PasswordPolicy struct {
	MinLength  int `koanf:"min_length"`
	MaxLength  int `koanf:"max_length"`
	MinLower   int `koanf:"min_lower"`
	MinUpper   int `koanf:"min_upper"`
	MinDigits  int `koanf:"min_digits"`
	MinSymbols int `koanf:"min_symbols"`
}

// DefaultPasswordPolicy returns 8..26 characters with at least one lower-case,
// upper-case, digit and symbol character.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:  8,
		MaxLength:  26,
		MinLower:   1,
		MinUpper:   1,
		MinDigits:  1,
		MinSymbols: 1,
	}
}

// Validate checks that the policy bounds are consistent.
func (p PasswordPolicy) Validate() error {
	if p.MinLength < 0 || p.MaxLength < 0 || p.MinLower < 0 || p.MinUpper < 0 || p.MinDigits < 0 || p.MinSymbols < 0 {
		return fmt.Errorf("password policy bounds must not be negative")
	}
	if p.MaxLength > 0 && p.MaxLength < p.MinLength {
		return fmt.Errorf("password policy max_length %d is less than min_length %d", p.MaxLength, p.MinLength)
	}
	required := p.MinLower + p.MinUpper + p.MinDigits + p.MinSymbols
	if p.MaxLength > 0 && required > p.MaxLength {
		return fmt.Errorf("password policy requires %d characters but max_length is %d", required, p.MaxLength)
	}
	return nil
}

// Check returns one message per violated rule, or nil if password complies.
func (p PasswordPolicy) Check(password string) []string {
	var lower, upper, digits, symbols int
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower++
		case unicode.IsUpper(r):
			upper++
		case unicode.IsDigit(r):
			digits++
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbols++
		}
	}

	var violations []string
	length := utf8.RuneCountInString(password)
	if p.MinLength > 0 && length < p.MinLength {
		violations = append(violations, fmt.Sprintf("password should be at least %d characters long", p.MinLength))
	}
	if p.MaxLength > 0 && length > p.MaxLength {
		violations = append(violations, fmt.Sprintf("password should not be longer than %d characters", p.MaxLength))
	}
	if len(password) > maxPasswordBytes {
		violations = append(violations, fmt.Sprintf("password should not exceed %d bytes", maxPasswordBytes))
	}
	if lower < p.MinLower {
		violations = append(violations, fmt.Sprintf("password should contain at least %d lower-cased letter(s)", p.MinLower))
	}
	if upper < p.MinUpper {
		violations = append(violations, fmt.Sprintf("password should contain at least %d upper-cased letter(s)", p.MinUpper))
	}
	if digits < p.MinDigits {
		violations = append(violations, fmt.Sprintf("password should contain at least %d number(s)", p.MinDigits))
	}
	if symbols < p.MinSymbols {
		violations = append(violations, fmt.Sprintf("password should contain at least %d symbol(s)", p.MinSymbols))
	}
	return violations
}
