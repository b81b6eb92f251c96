package firebase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"

	"xtodo/backend"
)

var errAuthFailed = errors.New("authentication failed")

// authCodes classifies Identity Toolkit and Secure Token error codes. The
// wording is used only when the server sends a bare code.
var authCodes = map[string]struct {
	kind    error
	wording string
}{
	"EMAIL_NOT_FOUND":             {backend.ErrInvalidCredentials, "Invalid email or password."},
	"INVALID_PASSWORD":            {backend.ErrInvalidCredentials, "Invalid email or password."},
	"INVALID_LOGIN_CREDENTIALS":   {backend.ErrInvalidCredentials, "Invalid email or password."},
	"USER_DISABLED":               {backend.ErrInvalidCredentials, "This account has been disabled."},
	"INVALID_IDP_RESPONSE":        {backend.ErrInvalidCredentials, "The identity provider response is invalid."},
	"EMAIL_EXISTS":                {backend.ErrEmailExists, "The email address is already in use by another account."},
	"INVALID_EMAIL":               {backend.ErrInvalidEmail, "The email address is badly formatted."},
	"MISSING_EMAIL":               {backend.ErrInvalidEmail, "An email address is required."},
	"WEAK_PASSWORD":               {backend.ErrWeakPassword, "Password should be at least 6 characters."},
	"TOKEN_EXPIRED":               {backend.ErrNotSignedIn, "Your session has expired. Please sign in again."},
	"INVALID_REFRESH_TOKEN":       {backend.ErrNotSignedIn, "Your session has expired. Please sign in again."},
	"INVALID_ID_TOKEN":            {backend.ErrNotSignedIn, "Your session has expired. Please sign in again."},
	"USER_NOT_FOUND":              {backend.ErrNotSignedIn, "Your session has expired. Please sign in again."},
	"INVALID_GRANT_TYPE":          {backend.ErrNotSignedIn, "Your session has expired. Please sign in again."},
	"TOO_MANY_ATTEMPTS_TRY_LATER": {errAuthFailed, "Too many attempts. Try again later."},
}

// splitAuthMessage splits "WEAK_PASSWORD : Password should be ..." into the
// code and the server's explanation.
func splitAuthMessage(message string) (code, detail string) {
	code, detail, _ = strings.Cut(message, ":")
	return strings.TrimSpace(code), strings.TrimSpace(detail)
}

// authError converts an Identity Toolkit or Secure Token failure into a
// classified backend.AuthError. The server's explanation is kept when it
// sends one.
func authError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return networkError(err)
	}

	code, detail := splitAuthMessage(gerr.Message)
	if code == "" {
		return fmt.Errorf("auth request failed with status %d", gerr.Code)
	}
	kind, message := errAuthFailed, code
	if c, ok := authCodes[code]; ok {
		kind, message = c.kind, c.wording
	}
	if detail != "" {
		message = detail
	}
	return backend.NewAuthError(kind, code, message)
}

// storeError converts a Firestore failure.
func storeError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return networkError(err)
	}
	switch gerr.Code {
	case http.StatusNotFound:
		return backend.ErrNotFound
	case http.StatusUnauthorized:
		return backend.ErrNotSignedIn
	}
	if gerr.Message == "" {
		return fmt.Errorf("firestore request failed with status %d", gerr.Code)
	}
	return fmt.Errorf("firestore: %s (status %d)", gerr.Message, gerr.Code)
}

func networkError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &backend.AuthError{
		Kind:    backend.ErrNetwork,
		Code:    "NETWORK_REQUEST_FAILED",
		Message: fmt.Sprintf("A network error occurred: %v", err),
	}
}
