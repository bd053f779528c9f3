package tablestore

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates the observable error taxonomy a caller can branch on.
type ErrorCode int

const (
	// Unknown represents an unspecified error condition.
	Unknown ErrorCode = iota
	// InvalidRequest covers write-local failures: merge conflicts, schema
	// mismatches, oversized values. No state is mutated.
	InvalidRequest
	// Configuration covers a rejected or inconsistent configuration option.
	Configuration
	// StartupFailure covers a lifecycle-transaction log found at startup whose
	// file set is missing or mismatched in a way recovery can't resolve.
	StartupFailure
	// FsRead covers a failed read against a data directory.
	FsRead
	// FsWrite covers a failed write against a data directory, including
	// repeated flush/compaction IO failure escalation.
	FsWrite
	// Corrupt covers checksum or structural validation failures on a sorted
	// file or a lifecycle transaction log.
	Corrupt
	// Timeout covers a read command exceeding its carried deadline.
	Timeout
)

func (c ErrorCode) String() string {
	switch c {
	case InvalidRequest:
		return "InvalidRequest"
	case Configuration:
		return "Configuration"
	case StartupFailure:
		return "StartupFailure"
	case FsRead:
		return "FsRead"
	case FsWrite:
		return "FsWrite"
	case Corrupt:
		return "Corrupt"
	case Timeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Error is the engine-wide error type: a code from the closed taxonomy, the
// wrapped cause, and optional context data useful for diagnosing the failure
// (e.g. the sorted-file generation involved, or the table id).
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

// Error implements the error interface, keeping the wrapped cause reachable
// through errors.Is/errors.As.
func (e *Error) Error() string {
	return fmt.Errorf("tablestore: %s: %w (data: %v)", e.Code, e.Err, e.UserData).Error()
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs an *Error with the given code, cause and optional data.
func NewError(code ErrorCode, err error, userData any) *Error {
	return &Error{Code: code, Err: err, UserData: userData}
}

// ErrorCodeOf extracts err's ErrorCode, or Unknown if err is nil or was not
// constructed by NewError. Callers branch on this to decide error-class
// specific handling, e.g. the compaction manager's scrub-failure-on-index
// fallback (spec.md §4.C8).
func ErrorCodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
