package provider

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// namePattern restricts provider names to alphanumerics, hyphens, and
// underscores.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// nameMaxLength bounds how long a provider name may be.
const nameMaxLength = 100

// RegisterCustomValidators registers the provider-specific validation
// rules. Must be called once before validating any ProviderConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	return v.RegisterValidation("provider_name", validateProviderName)
}

// validateProviderName enforces the character set and, critically, the
// invariant namespacing depends on: a provider name must not contain
// the "__" separator.
func validateProviderName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "" || len(name) > nameMaxLength {
		return false
	}
	if strings.Contains(name, "__") {
		return false
	}
	return namePattern.MatchString(name)
}

// NewValidator builds a validator.Validate with the provider-specific
// rules registered, ready to call Struct() on a ProviderConfig.
func NewValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return nil, err
	}
	return v, nil
}
