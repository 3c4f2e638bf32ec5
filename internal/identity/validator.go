package identity

import (
	"crypto/subtle"
	"errors"
	"html"
	"reflect"
	"strings"

	"github.com/bissquit/sheetdash/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// RegisterInput holds data for registering a user.
type RegisterInput struct {
	FirstName string      `json:"firstName" validate:"required,max=100,nomarkup"`
	LastName  string      `json:"lastName" validate:"required,max=100,nomarkup"`
	Email     string      `json:"email" validate:"required,max=255,email"`
	Password  string      `json:"password" validate:"required,password"`
	Role      domain.Role `json:"role" validate:"omitempty,oneof=user admin"`
	SecretKey string      `json:"secretKey"`
}

// RegistrationValidator checks registration payloads against field rules,
// the password policy and the configured admin secret. It never touches
// persistent state.
type RegistrationValidator struct {
	validate    *validator.Validate
	policy      PasswordPolicy
	adminSecret []byte
	sanitizer   *bluemonday.Policy
}

// NewRegistrationValidator creates a validator. An empty adminSecret
// disables admin self-registration.
func NewRegistrationValidator(policy PasswordPolicy, adminSecret string) *RegistrationValidator {
	v := &RegistrationValidator{
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		policy:      policy,
		adminSecret: []byte(adminSecret),
		sanitizer:   bluemonday.StrictPolicy(),
	}

	v.validate.RegisterTagNameFunc(jsonTagName)
	// Registration cannot fail for well-formed tag names.
	_ = v.validate.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return len(v.policy.Check(fl.Field().String())) == 0
	})
	_ = v.validate.RegisterValidation("nomarkup", func(fl validator.FieldLevel) bool {
		return !v.containsMarkup(fl.Field().String())
	})
	v.validate.RegisterStructValidation(v.validateRoleSecret, RegisterInput{})

	return v
}

// Validate normalizes input and checks every rule. On success it returns
// the normalized input with Role defaulted to user and SecretKey cleared.
// On failure it returns a *ValidationError listing all violations.
func (v *RegistrationValidator) Validate(input RegisterInput) (RegisterInput, error) {
	input.FirstName = strings.TrimSpace(input.FirstName)
	input.LastName = strings.TrimSpace(input.LastName)
	input.Email = NormalizeEmail(input.Email)
	input.Role = domain.Role(strings.TrimSpace(string(input.Role)))

	if err := v.validate.Struct(input); err != nil {
		return RegisterInput{}, v.toValidationError(err, input.Password)
	}

	if input.Role == "" {
		input.Role = domain.RoleUser
	}
	input.SecretKey = ""
	return input, nil
}

// ProfileInput holds the editable name fields of a user.
type ProfileInput struct {
	FirstName string `json:"firstName" validate:"required,max=100,nomarkup"`
	LastName  string `json:"lastName" validate:"required,max=100,nomarkup"`
}

// ValidateProfile trims and checks a profile update.
func (v *RegistrationValidator) ValidateProfile(input ProfileInput) (ProfileInput, error) {
	input.FirstName = strings.TrimSpace(input.FirstName)
	input.LastName = strings.TrimSpace(input.LastName)

	if err := v.validate.Struct(input); err != nil {
		return ProfileInput{}, v.toValidationError(err, "")
	}
	return input, nil
}

// CheckPassword applies the password policy to a single field.
func (v *RegistrationValidator) CheckPassword(field, password string) error {
	violations := v.policy.Check(password)
	if len(violations) == 0 {
		return nil
	}
	verr := &ValidationError{}
	for _, msg := range violations {
		verr.Fields = append(verr.Fields, FieldError{Field: field, Rule: "password", Message: msg})
	}
	return verr
}

// validateRoleSecret couples role and secretKey: the key is forbidden for
// regular users and must match the configured secret for admins.
func (v *RegistrationValidator) validateRoleSecret(sl validator.StructLevel) {
	input := sl.Current().Interface().(RegisterInput)

	switch input.Role {
	case domain.RoleAdmin:
		if input.SecretKey == "" {
			sl.ReportError(input.SecretKey, "secretKey", "SecretKey", "required_if", "role admin")
			return
		}
		if !v.secretMatches(input.SecretKey) {
			sl.ReportError(input.SecretKey, "secretKey", "SecretKey", "admin_secret", "")
		}
	default:
		if input.SecretKey != "" {
			sl.ReportError(input.SecretKey, "secretKey", "SecretKey", "excluded_unless", "role admin")
		}
	}
}

func (v *RegistrationValidator) secretMatches(candidate string) bool {
	if len(v.adminSecret) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), v.adminSecret) == 1
}

func (v *RegistrationValidator) containsMarkup(s string) bool {
	return html.UnescapeString(v.sanitizer.Sanitize(s)) != s
}

func (v *RegistrationValidator) toValidationError(err error, password string) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	verr := &ValidationError{}
	for _, fe := range fieldErrs {
		if fe.Tag() == "password" {
			for _, msg := range v.policy.Check(password) {
				verr.Fields = append(verr.Fields, FieldError{Field: fe.Field(), Rule: "password", Message: msg})
			}
			continue
		}
		if fe.Tag() == "admin_secret" {
			verr.cause = ErrInvalidAdminSecret
		}
		verr.Fields = append(verr.Fields, FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	return verr
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "max":
		return field + " must be at most " + fe.Param() + " characters long"
	case "oneof":
		return field + " must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "nomarkup":
		return field + " must not contain markup"
	case "required_if":
		return "admin secret key is required for the admin role"
	case "admin_secret":
		return "invalid admin secret key"
	case "excluded_unless":
		return "admin secret key is only accepted for the admin role"
	default:
		return field + " failed " + fe.Tag() + " validation"
	}
}

// jsonTagName reports fields by their JSON name.
func jsonTagName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return f.Name
	}
	return name
}

// NormalizeEmail trims and lower-cases an address so lookups and the
// uniqueness constraint are case-insensitive.
func NormalizeEmail(email string) string {
	// A Caser keeps state, so one is created per call.
	return cases.Lower(language.Und).String(strings.TrimSpace(email))
}
