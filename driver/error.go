package driver

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies a driver failure.
type Code int

const (
	Success Code = iota
	DeviceNotFound
	InvalidValue
	InvalidDevice
	InvalidContext
	InvalidOperation
	OutOfResources
	BuildProgramFailure
	InvalidBinary
	InvalidKernelName
	Unsupported
)

var codeNames = [...]string{
	Success:             "success",
	DeviceNotFound:      "device not found",
	InvalidValue:        "invalid value",
	InvalidDevice:       "invalid device",
	InvalidContext:      "invalid context",
	InvalidOperation:    "invalid operation",
	OutOfResources:      "out of resources",
	BuildProgramFailure: "build program failure",
	InvalidBinary:       "invalid binary",
	InvalidKernelName:   "invalid kernel name",
	Unsupported:         "unsupported",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is returned by drivers.
type Error struct {
	Code Code

	// Op is the driver operation that failed.
	Op string

	Msg string
}

// Error implements error.
func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("driver %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("driver %s: %s: %s", e.Op, e.Code, e.Msg)
}

// Errorf creates a new *Error with a stack trace attached (see github.com/pkg/errors).
func Errorf(code Code, op, format string, args ...any) error {
	return errors.WithStack(&Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)})
}

// CodeOf returns the Code of the driver error wrapped in err, Success if err is nil,
// or InvalidOperation if err is not a driver error.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Code
	}
	return InvalidOperation
}
