package core

import (
	"fmt"
	"strings"
)

// ErrorCode classifies a DomainError independently of any transport.
// The API layer maps it onto connect codes.
type ErrorCode int

const (
	ErrorCodeInternal ErrorCode = iota
	ErrorCodeInvalidArgument
	ErrorCodeNotFound
	ErrorCodeAlreadyExists
	ErrorCodeFailedPrecondition
	ErrorCodePermissionDenied
	ErrorCodeUnauthenticated
	ErrorCodeUnavailable
	ErrorCodeDeadlineExceeded
	ErrorCodeResourceExhausted
	ErrorCodeUnimplemented
)

// DomainError is an error with a transport-neutral classification.
type DomainError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// ErrContextNotFound indicates that no kube context with the given
// name, or none for the given cluster, is known.
type ErrContextNotFound struct {
	Name       string
	ClusterUID string
}

func (e *ErrContextNotFound) Error() string {
	if e.ClusterUID != "" {
		return fmt.Sprintf("no context found for cluster %s", e.ClusterUID)
	}
	return fmt.Sprintf("context %q not found", e.Name)
}

// ErrNotReady indicates that a required subsystem has not been
// initialized yet.
type ErrNotReady struct {
	Subsystem string
}

func (e *ErrNotReady) Error() string {
	return fmt.Sprintf("%s not initialized", e.Subsystem)
}

// ErrInvalidInput indicates a domain-level input validation failure.
type ErrInvalidInput struct {
	Field   string
	Message string
}

func (e *ErrInvalidInput) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ErrWatchNotFound indicates that a watch id is not registered with
// the watch use-case.
type ErrWatchNotFound struct {
	ID string
}

func (e *ErrWatchNotFound) Error() string {
	return fmt.Sprintf("watch %q not found", e.ID)
}

// ErrDeleteFailed aggregates the per-context failures of a delete
// that was attempted through every context sharing a cluster.
type ErrDeleteFailed struct {
	Ident ObjectIdent
	Errs  []error
}

func (e *ErrDeleteFailed) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("failed to delete object %s: %s", e.Ident, strings.Join(msgs, "; "))
}

func (e *ErrDeleteFailed) Unwrap() []error {
	return e.Errs
}
