package errors

import (
	"errors"
	"fmt"
)

// Session lifecycle error taxonomy. Callers classify with errors.Is.
var (
	// Authentication errors
	ErrInvalidCredentials         = errors.New("invalid credentials")
	ErrElevatedVerificationFailed = errors.New("elevated session verification failed")
	ErrRoleMismatch               = errors.New("role mismatch")

	// Token errors
	ErrTokenExpired    = errors.New("token expired")
	ErrSessionExpired  = errors.New("session expired")
	ErrIncompleteToken = errors.New("incomplete token pair")

	// Transport errors
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrForbidden          = errors.New("forbidden")
	ErrUnexpectedStatus   = errors.New("unexpected backend status")

	// Credential store errors
	ErrCorruptSession  = errors.New("corrupt session")
	ErrStoreDivergence = errors.New("credential stores diverged")
	ErrStoreWrite      = errors.New("credential store write failed")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join is errors.Join, re-exported so callers need a single errors import.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// UserMessage returns the text a page shows for err. Recoverable token errors never reach
// pages, so they have no message of their own.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionExpired):
		return "Your session has expired, please sign in again"
	case errors.Is(err, ErrElevatedVerificationFailed):
		return "Authentication failed"
	case errors.Is(err, ErrInvalidCredentials):
		var ve *ValidationError
		if errors.As(err, &ve) {
			return ve.Message
		}
		var be *BackendError
		if errors.As(err, &be) && be.Message != "" {
			return be.Message
		}
		return "Invalid email or password"
	case errors.Is(err, ErrNetworkUnavailable):
		return "Unable to reach the server, check your connection and try again"
	case errors.Is(err, ErrForbidden):
		return "You do not have permission to do that"
	case errors.Is(err, ErrRoleMismatch):
		return "This account cannot sign in here"
	}
	return "Something went wrong"
}

// BackendError carries a non-2xx backend reply. Kind is one of the sentinels above so
// errors.Is works against the taxonomy.
type BackendError struct {
	StatusCode int
	Message    string
	Kind       error
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend status %d: %s", e.StatusCode, e.Kind)
	}
	return fmt.Sprintf("backend status %d: %s: %s", e.StatusCode, e.Kind, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Kind
}

// ValidationError rejects input before it reaches the backend.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidCredentials
}
