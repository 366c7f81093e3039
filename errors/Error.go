package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ERR is the closed set of error codes used across the node. Store and
// synchronizer code matches on codes, never on message text.
type ERR int32

const (
	ERR_UNKNOWN ERR = iota
	ERR_INVALID_ARGUMENT
	ERR_NOT_FOUND
	ERR_PROCESSING
	ERR_CONFIGURATION
	ERR_STORAGE_ERROR
	ERR_BLOCK_NOT_FOUND
	ERR_BLOCK_EXISTS
	ERR_BLOCK_PARENT_MISMATCH
	ERR_TX_NOT_FOUND
	ERR_SPENT
	ERR_CORRUPT_INDEX
	ERR_STALE_HEIGHT
	ERR_BAD_REQUEST
	ERR_SERVICE_ERROR
	ERR_CONTEXT_CANCELED
)

var errName = map[ERR]string{
	ERR_UNKNOWN:               "UNKNOWN",
	ERR_INVALID_ARGUMENT:      "INVALID_ARGUMENT",
	ERR_NOT_FOUND:             "NOT_FOUND",
	ERR_PROCESSING:            "PROCESSING",
	ERR_CONFIGURATION:         "CONFIGURATION",
	ERR_STORAGE_ERROR:         "STORAGE_ERROR",
	ERR_BLOCK_NOT_FOUND:       "BLOCK_NOT_FOUND",
	ERR_BLOCK_EXISTS:          "BLOCK_EXISTS",
	ERR_BLOCK_PARENT_MISMATCH: "BLOCK_PARENT_MISMATCH",
	ERR_TX_NOT_FOUND:          "TX_NOT_FOUND",
	ERR_SPENT:                 "SPENT",
	ERR_CORRUPT_INDEX:         "CORRUPT_INDEX",
	ERR_STALE_HEIGHT:          "STALE_HEIGHT",
	ERR_BAD_REQUEST:           "BAD_REQUEST",
	ERR_SERVICE_ERROR:         "SERVICE_ERROR",
	ERR_CONTEXT_CANCELED:      "CONTEXT_CANCELED",
}

func (e ERR) String() string {
	if name, ok := errName[e]; ok {
		return name
	}

	return fmt.Sprintf("ERR(%d)", int32(e))
}

type Error struct {
	code       ERR
	message    string
	wrappedErr error
}

func (e *Error) Error() string {
	// Error() can be called on wrapped errors, which can be nil, for example predefined errors
	if e == nil {
		return "<nil>"
	}

	if e.wrappedErr == nil {
		return fmt.Sprintf("%s (%d): %s", e.code, e.code, e.message)
	}

	return fmt.Sprintf("%s (%d): %s: %v", e.code, e.code, e.message, e.wrappedErr)
}

func (e *Error) Code() ERR {
	if e == nil {
		return ERR_UNKNOWN
	}

	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}

	return e.message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.wrappedErr
}

// Is reports whether error codes match.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}

	targetError, ok := target.(*Error)
	if !ok {
		return strings.Contains(e.Error(), target.Error())
	}

	if e.code == targetError.code {
		return true
	}

	if e.wrappedErr == nil {
		return false
	}

	if unwrapped, ok := e.wrappedErr.(*Error); ok {
		return unwrapped.Is(target)
	}

	return false
}

func (e *Error) As(target interface{}) bool {
	if e == nil {
		return false
	}

	if targetErr, ok := target.(**Error); ok {
		*targetErr = e
		return true
	}

	if e.wrappedErr != nil {
		return errors.As(e.wrappedErr, target)
	}

	return false
}

// New builds an *Error with the given code. A trailing error argument is
// wrapped rather than formatted.
func New(code ERR, message string, params ...interface{}) *Error {
	var wErr error

	if len(params) > 0 {
		switch err := params[len(params)-1].(type) {
		case *Error:
			wErr = err
			params = params[:len(params)-1]
		case error:
			wErr = err
			params = params[:len(params)-1]
		}
	}

	if len(params) > 0 {
		message = fmt.Sprintf(message, params...)
	}

	return &Error{
		code:       code,
		message:    message,
		wrappedErr: wErr,
	}
}

// Is wraps the stdlib errors.Is so callers only import this package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps the stdlib errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
