// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package status defines the kernel's stable numeric status codes and the
// error kinds built on top of them (see spec §6 and §7).
package status

import (
	stdliberrors "errors"
	"fmt"
)

var (
	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Code is a stable numeric status code returned across the system-call ABI.
type Code int32

const (
	Success Code = iota
	NotImplemented
	NotSupported
	WouldBlock
	Interrupted
	TimedOut
	InvalidArg
	InvalidHandle
	InvalidAddr
	Overflow
	NoMemory
	PermDenied
	NotFound
	AlreadyExists
	TooSmall
	TooLong
	InUse
	DeviceError
	DestUnreachable
	TryAgain
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case NotImplemented:
		return "not implemented"
	case NotSupported:
		return "not supported"
	case WouldBlock:
		return "would block"
	case Interrupted:
		return "interrupted"
	case TimedOut:
		return "timed out"
	case InvalidArg:
		return "invalid argument"
	case InvalidHandle:
		return "invalid handle"
	case InvalidAddr:
		return "invalid address"
	case Overflow:
		return "overflow"
	case NoMemory:
		return "no memory"
	case PermDenied:
		return "permission denied"
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case TooSmall:
		return "too small"
	case TooLong:
		return "too long"
	case InUse:
		return "in use"
	case DeviceError:
		return "device error"
	case DestUnreachable:
		return "destination unreachable"
	case TryAgain:
		return "try again"
	default:
		return fmt.Sprintf("status(%d)", int32(c))
	}
}

// Error pairs a Code with a human-readable message. It is the concrete
// error type returned by every kernel operation that can fail.
type Error struct {
	Code Code
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Newf builds an *Error for code with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error for code that also unwraps to err.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: err.Error(), err: err}
}

// CodeOf extracts the Code carried by err, or Success if err is nil.
// Callers that only have a
// generic error (not produced by this package) get InvalidArg back, since
// that is the conservative choice for surfacing to the syscall ABI.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var se *Error
	if As(err, &se) {
		return se.Code
	}
	return InvalidArg
}

// Recoverable reports whether err belongs to the "resource temporarily
// unavailable" kind (§7): WouldBlock, TryAgain, TimedOut. These are always
// recoverable by the caller without any special handling.
func Recoverable(err error) bool {
	switch CodeOf(err) {
	case WouldBlock, TryAgain, TimedOut:
		return true
	default:
		return false
	}
}

// FatalError is the kernel-invariant-violation kind (§7), which is
// unconditionally fatal. Call sites panic with it instead of returning it.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("kernel invariant violated: %s", e.Reason)
}

// NewFatal constructs a FatalError. Call sites panic with it; cmd/kestreld
// does not recover it, so the panic ends the whole process.
func NewFatal(format string, args ...any) *FatalError {
	return &FatalError{Reason: fmt.Sprintf(format, args...)}
}
