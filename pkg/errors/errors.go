// Package errors contains the error helpers used throughout ftp-deploy. Errors
// are wrapped with a short description of what was being attempted so that
// the final message reads like a trace, e.g. "deploy: upload img/a.png: EOF".
package errors

import (
	"errors"
	"fmt"
)

// New returns an error with the given formatted message.
func New(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// contextError annotates an error with a description of the operation that
// failed.
type contextError struct {
	context string
	cause   error
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.cause)
}

func (err contextError) Unwrap() error {
	return err.cause
}

// WithContext wraps `err` with `context`. If `err` is nil, nil is returned so
// that callers can wrap return values unconditionally.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{context: context, cause: err}
}

// RootCause returns the innermost error in the chain.
func RootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// FriendlyError is an error whose message is meant to be shown directly to
// the user.
type FriendlyError struct {
	msg string
}

// NewFriendlyError creates a FriendlyError with a formatted message.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{fmt.Sprintf(format, args...)}
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the message to show the user.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}

// Friendly is implemented by errors that have a user-facing message.
type Friendly interface {
	FriendlyMessage() string
}

// GetFriendlyMessage returns the user-facing message of the first error in the
// chain that has one.
func GetFriendlyMessage(err error) (string, bool) {
	var friendly Friendly
	if errors.As(err, &friendly) {
		return friendly.FriendlyMessage(), true
	}
	return "", false
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
