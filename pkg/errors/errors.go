// Package errors defines the error taxonomy of the knowledge-base engine.
// Expected failure modes (duplicates, capacity, transient backends, corrupt
// artifacts, not-found) are modelled as sentinel errors so callers can branch
// with errors.Is; AppError attaches an HTTP status and operator message.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrDuplicateContent means the candidate matches existing stored
	// content by pre- or post-transform fingerprint.
	ErrDuplicateContent = errors.New("duplicate content")

	// ErrDuplicateName means the candidate's standardized display name
	// collides with an existing catalog entry.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrStorageCapacity means an artifact exceeds the backing store's
	// per-object ceiling. Persistence degrades instead of failing.
	ErrStorageCapacity = errors.New("storage capacity exceeded")

	// ErrTransientBackend covers the connectivity/timeout failure class.
	ErrTransientBackend = errors.New("transient backend failure")

	// ErrCorruptArtifact means a persisted artifact failed to deserialize.
	// Loads report it as not-found so a rebuild is triggered.
	ErrCorruptArtifact = errors.New("corrupt artifact")

	// ErrNotFound means a referenced entry, submission, or artifact is
	// absent. Idempotent operations (deny, remove) treat it as success.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput means a request failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is the catalog's last-line uniqueness violation, raised
	// when an insert races past the deduplication guard.
	ErrConflict = errors.New("catalog conflict")

	// ErrUnauthorized means the presented API key is missing or invalid.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited means the caller exceeded its request budget.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// AppError wraps a sentinel with an operator-facing message and HTTP status.
type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// DuplicateError reports a rejected ingestion together with the display name
// of the entry it collided with, so the conflict can be surfaced to the
// submitter. It unwraps to ErrDuplicateContent or ErrDuplicateName.
type DuplicateError struct {
	ByName       bool
	ConflictWith string
}

func (e *DuplicateError) Error() string {
	if e.ByName {
		return fmt.Sprintf("duplicate name: collides with %q", e.ConflictWith)
	}
	return fmt.Sprintf("duplicate content: matches %q", e.ConflictWith)
}

func (e *DuplicateError) Unwrap() error {
	if e.ByName {
		return ErrDuplicateName
	}
	return ErrDuplicateContent
}

// HTTPStatusCode maps an error to the HTTP status the API should return.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateContent), errors.Is(err, ErrDuplicateName), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrStorageCapacity):
		return http.StatusInsufficientStorage
	case errors.Is(err, ErrTransientBackend):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
