package utils

import (
	"errors"
	"fmt"
	"strings"

	"xtodo/backend"
)

// ErrorWithSuggestion wraps an error with a user-friendly suggestion.
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *ErrorWithSuggestion) Error() string {
	return fmt.Sprintf("%s\n\nSuggestion: %s", e.Err.Error(), e.Suggestion)
}

// GetSuggestion returns the suggestion text.
func (e *ErrorWithSuggestion) GetSuggestion() string {
	return e.Suggestion
}

// Unwrap returns the underlying error for error chain support.
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// WrapWithSuggestion wraps an existing error with a suggestion.
func WrapWithSuggestion(err error, suggestion string) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// ErrTaskNotFound returns an error for when a task is not found.
func ErrTaskNotFound(id string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("task not found: %s", id),
		Suggestion: "Use 'xtodo list' to see task IDs",
	}
}

// ErrNotSignedIn returns an error for commands that need a session.
func ErrNotSignedIn() error {
	return &ErrorWithSuggestion{
		Err:        backend.ErrNotSignedIn,
		Suggestion: "Run 'xtodo login' or 'xtodo signup' first",
	}
}

// ErrGoogleNotConfigured returns an error when federated sign-in has no OAuth client.
func ErrGoogleNotConfigured() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("google sign-in is not configured"),
		Suggestion: "Set google.client_id and google.client_secret (or google.client_file) in your config file",
	}
}

// ErrBackendOffline returns an error when a backend is unreachable with smart suggestions.
func ErrBackendOffline(name string, err error) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("backend %s is offline: %w", name, err),
		Suggestion: getSmartSuggestion(err.Error()),
	}
}

// getSmartSuggestion returns a context-aware suggestion based on the error reason.
func getSmartSuggestion(reason string) string {
	lowerReason := strings.ToLower(reason)

	if strings.Contains(lowerReason, "no such host") || strings.Contains(lowerReason, "dns") {
		return "Check your DNS settings and internet connection"
	}

	if strings.Contains(lowerReason, "connection refused") {
		return "Check if the server is running and accessible"
	}

	if strings.Contains(lowerReason, "timeout") {
		return "The server may be slow or unreachable. Try again later"
	}

	return "Check your internet connection and try again"
}

// ErrAuthenticationFailed returns an error when authentication fails.
// Classified backend errors keep their message verbatim.
func ErrAuthenticationFailed(err error) error {
	suggestion := "Verify your credentials are correct and try again"
	switch {
	case errors.Is(err, backend.ErrEmailExists):
		suggestion = "Sign in with 'xtodo login' instead"
	case errors.Is(err, backend.ErrInvalidEmail):
		suggestion = "Use a full address such as name@example.com"
	case errors.Is(err, backend.ErrWeakPassword):
		suggestion = "Choose a password with at least 6 characters"
	case errors.Is(err, backend.ErrNetwork):
		suggestion = "Check your internet connection and try again"
	}
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}
