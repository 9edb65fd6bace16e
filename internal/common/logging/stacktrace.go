package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const Stacktrace = "stacktrace"

// Unexported but considered part of the stable interface of pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Unexported but considered part of the stable interface of pkg/errors.
type causer interface {
	Cause() error
}

// WithStacktrace adds the error and, if one was recorded by pkg/errors, its stack trace to the logger.
func WithStacktrace(logger logrus.FieldLogger, err error) logrus.FieldLogger {
	entry := logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		return entry.WithField(Stacktrace, stack)
	}
	return entry
}

// ExtractStack walks down the chain of causes and returns the first stack trace it finds, or nil.
func ExtractStack(err error) errors.StackTrace {
	if stackErr, ok := err.(stackTracer); ok {
		return stackErr.StackTrace()
	} else if causeErr, ok := err.(causer); ok {
		return ExtractStack(causeErr.Cause())
	}
	return nil
}
