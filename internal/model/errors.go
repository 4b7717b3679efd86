package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies how a submission failed. Kinds are stable strings:
// they appear in API responses, logs, and persisted job records.
type ErrorKind string

// Failure kinds.
const (
	KindQueueFull         ErrorKind = "queue_full"
	KindShuttingDown      ErrorKind = "shutting_down"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindValidation        ErrorKind = "validation"
	KindStage             ErrorKind = "stage"
	KindTimeout           ErrorKind = "timeout"
)

// Retryable reports whether the kind maps to try-again-later semantics
// rather than a hard failure of this particular input.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindQueueFull, KindShuttingDown, KindResourceExhausted:
		return true
	}
	return false
}

// Error is the typed failure returned from Submit. Stage names the pipeline
// stage that failed, when one did.
type Error struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

// NewError wraps err with a kind and optional stage name.
func NewError(kind ErrorKind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (stage %s): %v", e.Kind, e.Stage, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
