package backend

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all backends. Match them with errors.Is.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrEmailExists        = errors.New("an account with this email already exists")
	ErrWeakPassword       = errors.New("password should be at least 6 characters")
	ErrNetwork            = errors.New("network request failed")
	ErrCancelled          = errors.New("sign-in cancelled by user")
	ErrNotFound           = errors.New("not found")
	ErrNotSignedIn        = errors.New("not signed in")
)

// AuthError is an authentication failure reported by a backend. Kind is one of
// the sentinel errors above. Message is what gets shown to the user: the
// server's explanation when it sent one, otherwise a fixed phrase for Code.
type AuthError struct {
	Kind    error
	Code    string
	Message string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Kind, e.Code)
	}
	return e.Kind.Error()
}

// Unwrap lets errors.Is match the sentinel kind.
func (e *AuthError) Unwrap() error {
	return e.Kind
}

// NewAuthError builds an AuthError of the given kind.
func NewAuthError(kind error, code, message string) *AuthError {
	return &AuthError{Kind: kind, Code: code, Message: message}
}

// IsAuthError reports whether err is a classified authentication failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
