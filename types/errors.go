// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"strings"
)

// ErrorCode is the set of error codes visible at the API boundary and
// carried across the shared memory boundary inside event channel headers.
// The numeric values are wire-stable; do not reorder.
type ErrorCode uint32

const (
	// ErrOK - no error
	ErrOK ErrorCode = iota
	// ErrInvalArg - invalid argument
	ErrInvalArg
	// ErrLy - schema engine error
	ErrLy
	// ErrSys - host OS call failed
	ErrSys
	// ErrNoMemory - allocation failed
	ErrNoMemory
	// ErrNotFound - item not found
	ErrNotFound
	// ErrExists - item already exists
	ErrExists
	// ErrInternal - other internal error
	ErrInternal
	// ErrUnsupported - unsupported operation requested
	ErrUnsupported
	// ErrValidationFailed - validation of the changes failed
	ErrValidationFailed
	// ErrOperationFailed - an operation failed
	ErrOperationFailed
	// ErrUnauthorized - operation not authorized
	ErrUnauthorized
	// ErrLocked - requested resource is already locked
	ErrLocked
	// ErrTimeOut - timeout expired
	ErrTimeOut
	// ErrCallbackFailed - user callback failure caused the operation to fail
	ErrCallbackFailed
	// ErrCallbackShelve - user callback has not processed the event and
	// will do so on a later event-pipe wake
	ErrCallbackShelve
)

var errorCodeNames = map[ErrorCode]string{
	ErrOK:               "OK",
	ErrInvalArg:         "INVAL_ARG",
	ErrLy:               "LY",
	ErrSys:              "SYS",
	ErrNoMemory:         "NO_MEMORY",
	ErrNotFound:         "NOT_FOUND",
	ErrExists:           "EXISTS",
	ErrInternal:         "INTERNAL",
	ErrUnsupported:      "UNSUPPORTED",
	ErrValidationFailed: "VALIDATION_FAILED",
	ErrOperationFailed:  "OPERATION_FAILED",
	ErrUnauthorized:     "UNAUTHORIZED",
	ErrLocked:           "LOCKED",
	ErrTimeOut:          "TIME_OUT",
	ErrCallbackFailed:   "CALLBACK_FAILED",
	ErrCallbackShelve:   "CALLBACK_SHELVE",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	// Application-defined codes are accepted opaquely and surfaced verbatim.
	return fmt.Sprintf("APP(%d)", uint32(c))
}

// Error is a structured error. FormatID and Data are opaque to this library;
// they travel with the error so the schema engine can render it.
type Error struct {
	Code     ErrorCode
	Message  string
	FormatID string
	Data     []byte
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an Error from a code and a format string
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SysErrorf wraps a host OS error
func SysErrorf(err error, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &Error{Code: ErrSys, Message: msg}
}

// CodeOf extracts the ErrorCode from an error, ErrInternal for foreign errors
// and ErrOK for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrOK
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	if el, ok := err.(*ErrorList); ok {
		if first := el.First(); first != nil {
			return first.Code
		}
		return ErrOK
	}
	return ErrInternal
}

// ErrorList chains the errors collected over the waves of one commit.
// The first entry is what the publisher returns to its caller.
type ErrorList struct {
	Errors []*Error
}

// Append adds an error to the list; nil is ignored
func (el *ErrorList) Append(e *Error) {
	if e == nil {
		return
	}
	el.Errors = append(el.Errors, e)
}

// Merge appends all errors from other
func (el *ErrorList) Merge(other *ErrorList) {
	if other == nil {
		return
	}
	el.Errors = append(el.Errors, other.Errors...)
}

// First returns the first error or nil
func (el *ErrorList) First() *Error {
	if len(el.Errors) == 0 {
		return nil
	}
	return el.Errors[0]
}

// Err returns the list as an error, nil when empty
func (el *ErrorList) Err() error {
	if el == nil || len(el.Errors) == 0 {
		return nil
	}
	return el
}

// Error implements the error interface
func (el *ErrorList) Error() string {
	msgs := make([]string, 0, len(el.Errors))
	for _, e := range el.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}
