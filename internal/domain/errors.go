package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrValidation             = errors.New("validation failed")
	ErrConcurrentModification = errors.New("already processing")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrConfirmationRequired   = errors.New("confirmation required")
	ErrExternalService        = errors.New("external service error")
	ErrStorage                = errors.New("storage error")
)

// ValidationError reports bad input. Advisory validation (oversized content)
// is attached to the spec instead of being returned.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransitionError is returned when an action is attempted from a state that
// does not allow it.
type TransitionError struct {
	SpecID string
	From   Status
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s spec %s in state %s", e.Action, e.SpecID, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// StorageError wraps an I/O failure of a single store operation.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// External service failure kinds.
const (
	ExternalTimeout = "timeout"
	ExternalAuth    = "auth"
	ExternalNetwork = "network"
	ExternalStatus  = "status"
	ExternalDecode  = "decode"
	ExternalConfig  = "config"
)

// ExternalServiceError is a publisher failure. The spec stays pending and the
// same approve call may be retried.
type ExternalServiceError struct {
	Service    string
	Kind       string
	StatusCode int
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failure (status %d): %v", e.Service, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failure: %v", e.Service, e.Kind, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

func (e *ExternalServiceError) Is(target error) bool { return target == ErrExternalService }
