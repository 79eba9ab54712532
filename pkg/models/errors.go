package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedPayload means the payload could not be decoded into a JSON
	// object at all. Field-level problems are reported as *ValidationError.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnauthorized means the presented credential is unknown, disabled or
	// lacks the required capability.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the requesting principal does not own the credential,
	// or the credential does not exist. The two cases are not distinguished.
	ErrForbidden = errors.New("forbidden")

	// ErrStorageUnavailable and ErrAuthUnavailable are the retryable class:
	// the record store or the authorization service failed or timed out.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrAuthUnavailable    = errors.New("authorization service unavailable")

	// ErrCredentialNotFound is returned by OwnerResolver implementations.
	ErrCredentialNotFound = errors.New("credential not found")
)

// Issue is a single field-scoped validation problem.
type Issue struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError carries every issue found in a payload.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+": "+is.Reason)
	}
	return fmt.Sprintf("validation failed (%d issues): %s", len(e.Issues), strings.Join(parts, "; "))
}

// Retryable reports whether err belongs to the collaborator-failure class,
// the only class for which resubmitting the identical request makes sense.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrAuthUnavailable)
}
