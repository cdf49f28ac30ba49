package models

import (
	"errors"
	"fmt"
)

// Error variables for the failure taxonomy of a screening run.
var (
	ErrPermissionDenied  = errors.New("bluetooth permission denied")
	ErrDeviceNotPaired   = errors.New("no paired scanner found")
	ErrConnectionFailed  = errors.New("bluetooth connection failed")
	ErrCaptureFailed     = errors.New("capture failed")
	ErrCaptureInProgress = errors.New("capture already in progress")
	ErrValidation        = errors.New("validation failed")
	ErrIncompleteImages  = errors.New("screening images incomplete")
	ErrUploadFailed      = errors.New("report upload failed")
	ErrDownloadFailed    = errors.New("report download failed")
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// ValidationError carries a user-facing message for a rejected local action.
// It matches ErrValidation with errors.Is.
type ValidationError struct {
	Message string
}

// NewValidationError creates a ValidationError with the given message.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// UploadError describes a failed report upload. Message holds the server
// supplied text when one was returned.
type UploadError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *UploadError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", ErrUploadFailed, e.StatusCode, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrUploadFailed, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", ErrUploadFailed, e.Message)
}

func (e *UploadError) Unwrap() error {
	return e.Cause
}

func (e *UploadError) Is(target error) bool {
	return target == ErrUploadFailed
}

// UserMessage returns the text to show the operator.
func UserMessage(err error) string {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Message
	}
	var u *UploadError
	if errors.As(err, &u) && u.Message != "" {
		return u.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
