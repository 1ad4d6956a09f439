package errors

import (
	"errors"
	"fmt"
)

// fatalError is an error that should be printed to the user, after which the
// current operation must stop. Fatal errors are never retried or resumed.
type fatalError struct {
	msg string
	err error // Underlying error
}

func (e *fatalError) Error() string {
	return e.msg
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// IsFatal returns true if err is a fatal message that should be printed to the
// user. Then, the operation should stop.
func IsFatal(err error) bool {
	var fatal *fatalError
	return errors.As(err, &fatal)
}

// Fatal returns an error that is marked fatal.
func Fatal(s string) error {
	return Wrap(&fatalError{msg: s}, "Fatal")
}

// Fatalf returns an error that is marked fatal, preserving an underlying error if passed.
func Fatalf(s string, data ...interface{}) error {
	msg, cause := format(s, data)
	return Wrap(&fatalError{msg: msg, err: cause}, "Fatal")
}

// integrityViolation is implemented by errors which report that downloaded
// content is missing, corrupt or cannot be authenticated. Retrying does not
// help with such errors.
type integrityViolation interface {
	IntegrityViolation() bool
}

type integrityError struct {
	msg string
	err error
}

func (e *integrityError) Error() string { return e.msg }

func (e *integrityError) Unwrap() error { return e.err }

func (e *integrityError) IntegrityViolation() bool { return true }

// Integrity returns an error that is marked as a data integrity error.
func Integrity(msg string) error {
	return WithStack(&integrityError{msg: msg})
}

// Integrityf returns an error marked as a data integrity error, preserving an
// underlying error if passed.
func Integrityf(s string, data ...interface{}) error {
	msg, cause := format(s, data)
	return WithStack(&integrityError{msg: msg, err: cause})
}

// IsIntegrity returns true if any error in err's tree reports a data integrity
// violation.
func IsIntegrity(err error) bool {
	var v integrityViolation
	return errors.As(err, &v) && v.IntegrityViolation()
}

// format renders the message and picks the last error argument as the cause.
func format(s string, data []interface{}) (string, error) {
	var cause error
	for i := len(data) - 1; i >= 0; i-- {
		if err, ok := data[i].(error); ok {
			cause = err
			break
		}
	}

	return fmt.Sprintf(s, data...), cause
}
