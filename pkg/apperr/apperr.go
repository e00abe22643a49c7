// Package apperr implements the gateway's error taxonomy: a small tagged
// error type carrying one of six broad classification codes, wrapping the
// underlying cause where one exists.
package apperr

import "fmt"

// Classification codes for gateway errors, matching the fault domains a
// miner-facing broker actually needs to distinguish when deciding whether to
// close a connection, retry a lookup, or shed load.
const (
	CodeProtocol  = "protocol"  // malformed or unexpected wire message
	CodeIO        = "io"        // socket read/write/dial failure
	CodeDirectory = "directory" // account directory lookup failure
	CodeResource  = "resource"  // queue full, semaphore exhausted, etc.
	CodeInvariant = "invariant" // a data-model invariant was violated
	CodeShutdown  = "shutdown"  // operation aborted by supervisor shutdown
)

// AppError is the gateway's error type: a classification code, a
// human-readable message, and an optional wrapped cause.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with no wrapped cause.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError wrapping another error.
func Wrap(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Is reports whether err is an *AppError carrying the given code.
func Is(err error, code string) bool {
	var ae *AppError
	for err != nil {
		if a, ok := err.(*AppError); ok {
			ae = a
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ae != nil && ae.Code == code
}
