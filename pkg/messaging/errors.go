package messaging

import (
	"errors"
	"fmt"
)

// ErrValidation marks a message that can never be delivered as-is. Dispatch
// errors wrapping it are not retried.
var ErrValidation = errors.New("message validation failed")

// ErrNoHandler is returned when no handler is registered for a data type.
var ErrNoHandler = errors.New("no handler registered")

// PermanentError signals the processor should stop retrying a record.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so IsPermanent reports true. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Invalid returns a permanent validation error.
func Invalid(format string, args ...interface{}) error {
	return Permanent(fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...)))
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var permanent *PermanentError
	return errors.As(err, &permanent) || errors.Is(err, ErrValidation) || errors.Is(err, ErrNoHandler)
}
