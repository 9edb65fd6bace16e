// Package engineerrors contains the generic errors returned across the scheduler. Callers look for these
// types with errors.As rather than matching on messages.
//
// If several errors occur in one operation (e.g. more than one engine type fails to initialise), the
// operation returns a *multierror.Error from github.com/hashicorp/go-multierror wrapping the individual errors.
package engineerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrShutdown is returned by components that no longer accept work.
var ErrShutdown = errors.New("shut down")

// ErrConfiguration is returned when an engine type cannot be used because of its configuration,
// e.g. a missing endpoint or a missing plugin directory. The engine type stays unusable until corrected.
type ErrConfiguration struct {
	EngineType string
	// Offending configuration key, if any
	Field   string
	Message string
}

func (err *ErrConfiguration) Error() string {
	s := fmt.Sprintf("invalid configuration for engine type %q", err.EngineType)
	if err.Field != "" {
		s += fmt.Sprintf(": field %q", err.Field)
	}
	if err.Message != "" {
		s += fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "taskId"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", fmt.Sprint(err.Value), err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", fmt.Sprint(err.Value), err.Name, err.Message)
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
type ErrNotFound struct {
	Type  string // Resource type, e.g., "job" or "engine type"
	Value string
}

func (err *ErrNotFound) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	}
	return fmt.Sprintf("resource %q does not exist", err.Value)
}

// ErrUnsupported is returned when a backend categorically cannot perform an operation.
type ErrUnsupported struct {
	Operation string
	Message   string
}

func (err *ErrUnsupported) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("operation %s is not supported", err.Operation)
	}
	return fmt.Sprintf("operation %s is not supported: %s", err.Operation, err.Message)
}

// ErrQueueFull is returned when a group already holds as many pending jobs as it may.
// This is a controlled rejection; the job should be retried later.
type ErrQueueFull struct {
	EngineType string
	Group      string
	Limit      int
}

func (err *ErrQueueFull) Error() string {
	return fmt.Sprintf("group %q of engine type %q already holds %d pending jobs", err.Group, err.EngineType, err.Limit)
}

type Kind string

const (
	KindUnknown         Kind = "unknown"
	KindConfiguration   Kind = "configuration"
	KindInvalidArgument Kind = "invalid_argument"
	KindNotFound        Kind = "not_found"
	KindUnsupported     Kind = "unsupported"
	KindQueueFull       Kind = "queue_full"
	KindShutdown        Kind = "shutdown"
)

// KindFromError classifies err by the first known error type found in its chain.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func KindFromError(err error) Kind {
	if err == nil {
		return ""
	}
	// Using {} scopes just to re-use the "e" variable name for each case.
	{
		var e *ErrConfiguration
		if errors.As(err, &e) {
			return KindConfiguration
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return KindInvalidArgument
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return KindNotFound
		}
	}
	{
		var e *ErrUnsupported
		if errors.As(err, &e) {
			return KindUnsupported
		}
	}
	{
		var e *ErrQueueFull
		if errors.As(err, &e) {
			return KindQueueFull
		}
	}
	if errors.Is(err, ErrShutdown) {
		return KindShutdown
	}
	return KindUnknown
}
