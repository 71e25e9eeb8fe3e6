package domain

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// ErrorKind classifies pipeline failures. The orchestrator alone decides
// retry-versus-terminal from the kind; stages only report it.
type ErrorKind string

const (
	ErrTransientIO        ErrorKind = "TransientIO"
	ErrServiceUnavailable ErrorKind = "ServiceUnavailable"
	ErrTimeout            ErrorKind = "Timeout"
	ErrDetectionFailed    ErrorKind = "DetectionFailed"
	ErrInvalidGeometry    ErrorKind = "InvalidGeometry"
	ErrAssetTooLarge      ErrorKind = "AssetTooLarge"
	ErrAssetInvalid       ErrorKind = "AssetInvalid"
	ErrCancelled          ErrorKind = "Cancelled"
	ErrInternal           ErrorKind = "Internal"
)

// Retryable reports whether a failure of this kind may succeed on a later
// attempt. Data problems (bad geometry, oversized input, undecodable
// template) and explicit cancellation never are.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrTransientIO, ErrServiceUnavailable, ErrTimeout:
		return true
	default:
		return false
	}
}

// PipelineError is the structured error stages return to the orchestrator.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Details string
	cause   error
}

func (e *PipelineError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.cause }

// NewPipelineError builds a stage error of the given kind. The cause, when
// present, is preserved for logs but never exposed externally.
func NewPipelineError(kind ErrorKind, message string, cause error) *PipelineError {
	e := &PipelineError{Kind: kind, Message: message, cause: cause}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// KindOf extracts the error kind, defaulting to Internal for errors that did
// not come from a stage.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrInternal
}

// AsJobError converts any error to the externally visible record.
func AsJobError(err error) *JobError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return &JobError{Kind: pe.Kind, Message: pe.Message, Details: pe.Details}
	}
	return &JobError{Kind: ErrInternal, Message: "internal pipeline failure", Details: err.Error()}
}
