package utils

import (
	"regexp"
	"strings"

	"xtodo/backend"
)

// emailPattern is intentionally loose: one @, a non-empty local part and a
// dotted domain. The backend remains the authority on deliverability.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// MinPasswordLength matches the managed backend's password policy.
const MinPasswordLength = 6

// ValidateEmail checks the shape of an email address before it is sent to a backend.
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(strings.TrimSpace(email)) {
		return backend.NewAuthError(backend.ErrInvalidEmail, "INVALID_EMAIL", "The email address is badly formatted.")
	}
	return nil
}

// ValidateCredentials checks an email/password pair for sign-in.
func ValidateCredentials(email, password string) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}
	if password == "" {
		return backend.NewAuthError(backend.ErrInvalidCredentials, "MISSING_PASSWORD", "A password is required.")
	}
	return nil
}

// NormalizeTaskText trims task input. An empty result means the input must be rejected.
func NormalizeTaskText(text string) string {
	return strings.TrimSpace(text)
}

// ShortID returns the first eight characters of an ID for compact display.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
