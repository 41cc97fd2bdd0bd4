package lower

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes lowering failures. None of them is recoverable
// inside a function: the first error aborts that function's lowering.
type ErrorCode string

const (
	// ErrCodeMissingLayout indicates a type or field lacks a resolved
	// size, offset or alignment.
	ErrCodeMissingLayout ErrorCode = "MISSING_LAYOUT"

	// ErrCodeUnsupportedShape indicates no rule lowers a value and
	// destination combination.
	ErrCodeUnsupportedShape ErrorCode = "UNSUPPORTED_SHAPE"

	// ErrCodeNotYetImplemented indicates a recognized MIR shape that is
	// deliberately unhandled.
	ErrCodeNotYetImplemented ErrorCode = "NOT_YET_IMPLEMENTED"
)

// Error is a lowering failure.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Function is the enclosing function, filled in by LowerFunction.
	Function string

	// Construct names the offending place, type or rvalue.
	Construct string
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Function != "" && e.Construct != "":
		return fmt.Sprintf("%s: %s (function=%s, construct=%s)", e.Code, e.Message, e.Function, e.Construct)
	case e.Function != "":
		return fmt.Sprintf("%s: %s (function=%s)", e.Code, e.Message, e.Function)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func hasCode(err error, code ErrorCode) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}

// IsMissingLayout returns true if err is a MissingLayout error.
// Uses errors.As to handle wrapped errors.
func IsMissingLayout(err error) bool {
	return hasCode(err, ErrCodeMissingLayout)
}

// IsUnsupportedShape returns true if err is an UnsupportedShape error.
func IsUnsupportedShape(err error) bool {
	return hasCode(err, ErrCodeUnsupportedShape)
}

// IsNotYetImplemented returns true if err is a NotYetImplemented error.
func IsNotYetImplemented(err error) bool {
	return hasCode(err, ErrCodeNotYetImplemented)
}

func missingLayout(construct, format string, args ...any) *Error {
	return &Error{Code: ErrCodeMissingLayout, Message: fmt.Sprintf(format, args...), Construct: construct}
}

func unsupported(construct, format string, args ...any) *Error {
	return &Error{Code: ErrCodeUnsupportedShape, Message: fmt.Sprintf(format, args...), Construct: construct}
}

func notYetImplemented(construct, format string, args ...any) *Error {
	return &Error{Code: ErrCodeNotYetImplemented, Message: fmt.Sprintf(format, args...), Construct: construct}
}

// inFunction stamps the enclosing function on a lowering error.
func inFunction(err error, fn string) error {
	var le *Error
	if errors.As(err, &le) && le.Function == "" {
		le.Function = fn
	}
	return err
}
