// Package apperrors implements the supervisor's error taxonomy: a single
// tagged-variant type carrying a machine-readable kind, severity, and
// retryability, instead of a zoo of distinct error types.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the error categories the supervisor distinguishes.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindInvalidState         Kind = "invalid_state"
	KindDuplicate            Kind = "duplicate"
	KindDbBusy               Kind = "db_busy"
	KindDbUnavailable        Kind = "db_unavailable"
	KindWorkerSpawnFailed    Kind = "worker_spawn_failed"
	KindWorkerExitError      Kind = "worker_exit_error"
	KindTimeout              Kind = "timeout"
	KindCancelled            Kind = "cancelled"
	KindCircuitOpen          Kind = "circuit_open"
	KindOracleUnavailable    Kind = "oracle_unavailable"
	KindOracleInvalidResponse Kind = "oracle_invalid_response"
	KindFilesystemError      Kind = "filesystem_error"
)

// Severity classifies how loudly an error should be surfaced.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityFatal    Severity = "fatal"
)

// WorkerExitClass further classifies a KindWorkerExitError.
type WorkerExitClass string

const (
	WorkerExitUsageLimit WorkerExitClass = "usage_limit"
	WorkerExitNetwork    WorkerExitClass = "network"
	WorkerExitAuth       WorkerExitClass = "auth"
	WorkerExitGeneric    WorkerExitClass = "generic"
)

// Error is the supervisor's single error type. It wraps an optional cause
// and carries enough structure for callers to decide whether to retry.
type Error struct {
	Kind      Kind
	Severity  Severity
	Retryable bool
	ExitClass WorkerExitClass // only meaningful when Kind == KindWorkerExitError
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is against another *Error by comparing Kind, which is
// how callers match on error category without depending on message text.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func newErr(kind Kind, severity Severity, retryable bool, msg string, cause error) *Error {
	return &Error{Kind: kind, Severity: severity, Retryable: retryable, Message: msg, Cause: cause}
}

func NotFound(msg string) *Error {
	return newErr(KindNotFound, SeverityWarning, false, msg, nil)
}

func InvalidState(msg string) *Error {
	return newErr(KindInvalidState, SeverityWarning, false, msg, nil)
}

func Duplicate(msg string) *Error {
	return newErr(KindDuplicate, SeverityWarning, false, msg, nil)
}

func DbBusy(cause error) *Error {
	return newErr(KindDbBusy, SeverityWarning, true, "database busy", cause)
}

func DbUnavailable(cause error) *Error {
	return newErr(KindDbUnavailable, SeverityFatal, false, "database unavailable", cause)
}

func WorkerSpawnFailed(cause error, retryable bool) *Error {
	return newErr(KindWorkerSpawnFailed, SeverityError, retryable, "failed to spawn worker", cause)
}

func WorkerExitError(class WorkerExitClass, retryable bool, msg string) *Error {
	e := newErr(KindWorkerExitError, SeverityError, retryable, msg, nil)
	e.ExitClass = class
	return e
}

func Timeout(msg string) *Error {
	return newErr(KindTimeout, SeverityWarning, true, msg, nil)
}

func Cancelled() *Error {
	return newErr(KindCancelled, SeverityInfo, false, "operation cancelled", nil)
}

func CircuitOpen(category string) *Error {
	return newErr(KindCircuitOpen, SeverityWarning, true, fmt.Sprintf("circuit %q is open", category), nil)
}

func OracleUnavailable(cause error) *Error {
	return newErr(KindOracleUnavailable, SeverityWarning, true, "oracle unavailable", cause)
}

func OracleInvalidResponse(cause error) *Error {
	return newErr(KindOracleInvalidResponse, SeverityWarning, false, "oracle returned an invalid response", cause)
}

func FilesystemError(cause error, retryable bool) *Error {
	return newErr(KindFilesystemError, SeverityError, retryable, "filesystem error", cause)
}

// IsRetryable reports whether err is (or wraps) an *Error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf extracts the Kind from err, if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// retryableErrno is the set of POSIX errno conditions treated as transient
// filesystem errors (spec §7: EMFILE, ENFILE, EAGAIN, EBUSY).
var retryableErrno = map[string]bool{
	"too many open files in system": true,
	"too many open files":           true,
	"resource temporarily unavailable": true,
	"device or resource busy":       true,
}

// ClassifyFilesystemError decides retryability of a raw filesystem error by
// matching its message against the retryable errno set from spec §7.
func ClassifyFilesystemError(err error) *Error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for frag := range retryableErrno {
		if strings.Contains(msg, frag) {
			return FilesystemError(err, true)
		}
	}
	return FilesystemError(err, false)
}
