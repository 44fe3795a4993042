package synctool

import (
	"fmt"

	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/internal/util"
)

// ErrConfiguration marks failures caused by setup rather than the tool's own
// behavior: missing executable, missing credentials, invalid options.
// Configuration errors are fatal for the run and never retried within it.
var ErrConfiguration = errors.New("sync tool configuration error")

// ErrCancelled is returned when a run is stopped through its context.
var ErrCancelled = errors.New("sync run cancelled")

// ConfigurationError describes a setup problem that prevents the tool from running.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConfiguration) hold for every ConfigurationError.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configErrorf(err error, format string, args ...interface{}) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// ExecutionError is returned when the tool ran and exited unsuccessfully.
// The full output is available on Result.
type ExecutionError struct {
	Result    *Result
	TailLines int
}

func (e *ExecutionError) Error() string {
	var msg string
	if e.Result.Signal != "" {
		msg = fmt.Sprintf("sync tool terminated by signal %s", e.Result.Signal)
	} else {
		msg = fmt.Sprintf("sync tool exited with code %d", e.Result.ExitCode)
	}
	if tail := util.TailLines(e.Result.Stderr, e.TailLines); tail != "" {
		msg += ": " + tail
	}
	return msg
}
