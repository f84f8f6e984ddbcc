package loam

import (
	"errors"
	"fmt"
)

// Error is a loam error carrying a stable error code.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // wrapped error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("loam: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("loam: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode identifies a class of failure.
type ErrorCode int

const (
	// Success indicates the operation completed successfully
	Success ErrorCode = 0

	// ErrKeyExist indicates the key/value pair already exists
	ErrKeyExist ErrorCode = -40001

	// ErrNotFound indicates the key/value pair was not found
	ErrNotFound ErrorCode = -40002

	// ErrPageNotFound indicates a referenced page does not exist (corruption)
	ErrPageNotFound ErrorCode = -40003

	// ErrCorrupted indicates the data file failed validation
	ErrCorrupted ErrorCode = -40004

	// ErrVersionMismatch indicates the file format version is unsupported
	ErrVersionMismatch ErrorCode = -40005

	// ErrInvalid indicates the file is not a loam data file
	ErrInvalid ErrorCode = -40006

	// ErrMapFull indicates the geometry upper bound was reached
	ErrMapFull ErrorCode = -40007

	// ErrTablesFull indicates the maxTables limit was reached
	ErrTablesFull ErrorCode = -40008

	// ErrReadersFull indicates all reader slots are occupied
	ErrReadersFull ErrorCode = -40009

	// ErrTxnFull indicates the transaction dirty set is too large
	ErrTxnFull ErrorCode = -40010

	// ErrCursorFull indicates cursor stack overflow (corruption)
	ErrCursorFull ErrorCode = -40011

	// ErrPageFull indicates an internal page-space accounting failure
	ErrPageFull ErrorCode = -40012

	// ErrIncompatible indicates the operation conflicts with table flags
	ErrIncompatible ErrorCode = -40013

	// ErrBadSlot indicates a reader slot was corrupted or reclaimed
	ErrBadSlot ErrorCode = -40014

	// ErrBadTxn indicates the transaction handle is finished or invalid
	ErrBadTxn ErrorCode = -40015

	// ErrBadValSize indicates an invalid key or value size
	ErrBadValSize ErrorCode = -40016

	// ErrBadTable indicates the table handle is invalid or closed
	ErrBadTable ErrorCode = -40017

	// ErrProblem indicates an unexpected internal state
	ErrProblem ErrorCode = -40018

	// ErrBusy indicates the writer lock is held elsewhere
	ErrBusy ErrorCode = -40019

	// ErrBadSign indicates a handle signature check failed
	ErrBadSign ErrorCode = -40020

	// ErrNeedsRecovery indicates recovery is required but the environment
	// is read-only
	ErrNeedsRecovery ErrorCode = -40021

	// ErrKeyMismatch indicates an Append put violated key ordering
	ErrKeyMismatch ErrorCode = -40022

	// ErrEnvClosed indicates the environment has been closed
	ErrEnvClosed ErrorCode = -40023

	// ErrReadOnly indicates a write was attempted on a read-only handle
	ErrReadOnly ErrorCode = -40024

	// ErrNested indicates a nested transaction constraint was violated
	ErrNested ErrorCode = -40025
)

var errorMessages = map[ErrorCode]string{
	Success:            "success",
	ErrKeyExist:        "key/value pair already exists",
	ErrNotFound:        "key/value pair not found",
	ErrPageNotFound:    "referenced page not found",
	ErrCorrupted:       "data file is corrupted",
	ErrVersionMismatch: "file format version mismatch",
	ErrInvalid:         "not a valid loam data file",
	ErrMapFull:         "geometry upper bound reached",
	ErrTablesFull:      "table limit reached",
	ErrReadersFull:     "all reader slots occupied",
	ErrTxnFull:         "transaction has too many dirty pages",
	ErrCursorFull:      "cursor stack overflow",
	ErrPageFull:        "page has no space",
	ErrIncompatible:    "operation incompatible with table flags",
	ErrBadSlot:         "reader slot corrupted",
	ErrBadTxn:          "transaction is invalid",
	ErrBadValSize:      "invalid key or value size",
	ErrBadTable:        "invalid table handle",
	ErrProblem:         "unexpected internal error",
	ErrBusy:            "writer lock is held",
	ErrBadSign:         "bad handle signature",
	ErrNeedsRecovery:   "recovery needed but environment is read-only",
	ErrKeyMismatch:     "key out of order for append",
	ErrEnvClosed:       "environment is closed",
	ErrReadOnly:        "write attempted on read-only handle",
	ErrNested:          "nested transaction constraint violated",
}

// NewError creates a new Error with the given code.
func NewError(code ErrorCode) *Error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = fmt.Sprintf("unknown error code %d", code)
	}
	return &Error{Code: code, Message: msg}
}

// WrapError creates a new Error wrapping another error.
func WrapError(code ErrorCode, err error) *Error {
	e := NewError(code)
	e.Err = err
	return e
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrNotFound
	}
	return false
}

// IsKeyExist reports whether err is an ErrKeyExist.
func IsKeyExist(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrKeyExist
	}
	return false
}

// IsCorrupted reports whether err indicates on-disk corruption.
func IsCorrupted(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCorrupted || e.Code == ErrPageNotFound
	}
	return false
}

// IsMapFull reports whether err is an ErrMapFull.
func IsMapFull(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrMapFull
	}
	return false
}

// IsBusy reports whether err is an ErrBusy.
func IsBusy(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrBusy
	}
	return false
}

// Code returns the error code from err, or ErrProblem for foreign errors.
func Code(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrProblem
}
