package async

import (
	"context"

	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/pulse/schedule"
	"github.com/teranos/calsync/secrets"
	"github.com/teranos/calsync/synctool"
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeSchedulingConflict ErrorCode = "scheduling_conflict"
	ErrorCodeClaimRace          ErrorCode = "claim_race"
	ErrorCodeConfiguration      ErrorCode = "configuration"
	ErrorCodeExecution          ErrorCode = "execution"
	ErrorCodeCancelled          ErrorCode = "cancelled"
	ErrorCodeInfrastructure     ErrorCode = "infrastructure"
)

// ErrClaimRace is recorded when another executor claimed a run first.
var ErrClaimRace = errors.New("run claimed by another executor")

// configurationErrors are setup problems: retrying the run cannot help until
// someone changes configuration, credentials or the job itself.
var configurationErrors = []error{
	synctool.ErrConfiguration,
	secrets.ErrMissingRefreshToken,
	secrets.ErrEncryptorUnavailable,
	secrets.ErrMissingPassphrase,
	secrets.ErrTampered,
	secrets.ErrMissingKey,
	errors.ErrNotFound,
	errors.ErrInvalidRequest,
}

// Classify maps an error to its ErrorCode.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var execErr *synctool.ExecutionError
	var encErr *secrets.EncryptorError

	switch {
	case errors.IsAny(err, synctool.ErrCancelled, context.Canceled):
		return ErrorCodeCancelled
	case errors.Is(err, schedule.ErrSchedulingConflict):
		return ErrorCodeSchedulingConflict
	case errors.Is(err, ErrClaimRace):
		return ErrorCodeClaimRace
	case errors.IsAny(err, configurationErrors...), errors.As(err, &encErr):
		return ErrorCodeConfiguration
	case errors.As(err, &execErr):
		return ErrorCodeExecution
	default:
		return ErrorCodeInfrastructure
	}
}

// ErrorContext provides structured error information for run failures
type ErrorContext struct {
	Stage     string    // Where the error occurred
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message, hints included
	Retryable bool      // Whether a later run may succeed without changes
}

// ClassifyError classifies err and renders the message stored on the run.
func ClassifyError(stage string, err error) ErrorContext {
	code := Classify(err)
	ctx := ErrorContext{
		Stage:   stage,
		Code:    code,
		Message: errors.UserMessage(err),
	}

	switch code {
	case ErrorCodeExecution, ErrorCodeInfrastructure, ErrorCodeSchedulingConflict, ErrorCodeClaimRace:
		ctx.Retryable = true
	}
	if ctx.Message == "" {
		ctx.Message = "unknown error"
	}
	if stage != "" && code == ErrorCodeConfiguration {
		ctx.Message = stage + ": " + ctx.Message
	}
	return ctx
}
