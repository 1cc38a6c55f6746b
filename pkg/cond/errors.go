package cond

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Coded is implemented by every error in this package. The code is stable and
// is what transports map onto their own status space.
type Coded interface {
	error
	ErrorCategory() string
	ErrorCode() string
}

type ErrNotFound struct {
	Category string
	Element  string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Category, e.Element)
}

func (e ErrNotFound) ErrorCategory() string {
	return e.Category
}

func (e ErrNotFound) ErrorCode() string {
	return "not-found"
}

func (e ErrNotFound) Is(target error) bool {
	_, ok := target.(ErrNotFound)
	return ok
}

func NotFound(category string, element any) error {
	return ErrNotFound{Category: category, Element: fmt.Sprint(element)}
}

type ErrConflict struct {
	Category string
	Element  string
}

func (e ErrConflict) Error() string {
	return fmt.Sprintf("conflict in %s: %s", e.Category, e.Element)
}

func (e ErrConflict) ErrorCategory() string {
	return e.Category
}

func (e ErrConflict) ErrorCode() string {
	return "conflict"
}

func (e ErrConflict) Is(target error) bool {
	_, ok := target.(ErrConflict)
	return ok
}

func Conflict(category string, element any) error {
	return ErrConflict{Category: category, Element: fmt.Sprint(element)}
}

type ErrValidationFailure struct {
	Category string
	Message  string
}

func (e ErrValidationFailure) Error() string {
	return "validation failure: " + e.Message
}

func (e ErrValidationFailure) ErrorCategory() string {
	return e.Category
}

func (e ErrValidationFailure) ErrorCode() string {
	return "validation-failure"
}

func (e ErrValidationFailure) Is(target error) bool {
	_, ok := target.(ErrValidationFailure)
	return ok
}

func ValidationFailure(category, message string) error {
	return ErrValidationFailure{
		Category: category,
		Message:  message,
	}
}

// ErrUnavailable reports that the target exists but refuses the operation
// in its current state, e.g. a tombstoned workspace receiving traffic.
type ErrUnavailable struct {
	Category string
	Reason   string
}

func (e ErrUnavailable) Error() string {
	return fmt.Sprintf("%s unavailable: %s", e.Category, e.Reason)
}

func (e ErrUnavailable) ErrorCategory() string {
	return e.Category
}

func (e ErrUnavailable) ErrorCode() string {
	return "unavailable"
}

func (e ErrUnavailable) Is(target error) bool {
	_, ok := target.(ErrUnavailable)
	return ok
}

func Unavailable(category, reason string) error {
	return ErrUnavailable{Category: category, Reason: reason}
}

type ErrClosed struct {
	Message string
}

func (e ErrClosed) Error() string {
	return "closed: " + e.Message
}

func (e ErrClosed) ErrorCategory() string {
	return "closed"
}

func (e ErrClosed) ErrorCode() string {
	return "closed"
}

func (e ErrClosed) Is(target error) bool {
	_, ok := target.(ErrClosed)
	return ok
}

func Closed(message string) error {
	return ErrClosed{Message: message}
}

type ErrGeneric struct {
	Message string
	inner   error
}

func (e ErrGeneric) Error() string {
	return e.Message
}

func (e ErrGeneric) ErrorCategory() string {
	return "generic"
}

func (e ErrGeneric) ErrorCode() string {
	return "unknown"
}

func (e ErrGeneric) Unwrap() error {
	return e.inner
}

func Error(str string) error {
	return ErrGeneric{Message: str}
}

func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return ErrGeneric{Message: err.Error(), inner: errors.Unwrap(err)}
}

// Code returns the code of the first cond error in err's chain, or "unknown".
func Code(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}

	return "unknown"
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}

	switch err.(type) {
	case ErrNotFound, ErrConflict, ErrValidationFailure, ErrUnavailable, ErrClosed, ErrGeneric:
		return err
	}

	switch {
	case errors.Is(err, io.EOF):
		return ErrClosed{Message: err.Error()}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	}

	return ErrGeneric{Message: err.Error(), inner: err}
}
