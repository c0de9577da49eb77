package accel

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by the runtime. Use errors.Is to test for them, they are usually wrapped with more context.
var (
	ErrNotInitialized    = errors.New("accelerator runtime not initialized")
	ErrBusy              = errors.New("accelerator runtime is being initialized or finalized concurrently")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrContextCreation   = errors.New("failed to create device context")
	ErrBuild             = errors.New("kernel build failed")
	ErrKernelLookup      = errors.New("kernel not found in program")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNoDevice          = errors.New("no device available")
)

// MaxBuildLogSize is the maximum number of bytes of a build log kept in a BuildError.
const MaxBuildLogSize = 8 << 10

// BuildError is returned when a program fails to build. It carries the (bounded) build log reported by the driver.
//
// errors.Is(err, ErrBuild) is true for a *BuildError.
type BuildError struct {
	Kernel string
	Log    string

	// Err is the driver error that caused the failure, if any.
	Err error
}

func newBuildError(kernel, log string, cause error) *BuildError {
	if len(log) > MaxBuildLogSize {
		log = log[:MaxBuildLogSize]
	}
	return &BuildError{Kernel: kernel, Log: log, Err: cause}
}

// Error implements error.
func (e *BuildError) Error() string {
	msg := fmt.Sprintf("failed to build kernel %q", e.Kernel)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Log != "" {
		msg = fmt.Sprintf("%s\nbuild log:\n%s", msg, e.Log)
	}
	return msg
}

// Unwrap returns the driver error.
func (e *BuildError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBuild) match.
func (e *BuildError) Is(target error) bool { return target == ErrBuild }

// wrapf annotates cause with a message and makes errors.Is match both sentinel and cause.
func wrapf(sentinel, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return errors.Wrap(sentinel, msg)
	}
	return errors.WithStack(fmt.Errorf("%s: %w: %w", msg, sentinel, cause))
}
