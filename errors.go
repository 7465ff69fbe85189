// Package xcp ties the transport, calibration, DAQ, and protocol
// components into a single embeddable runtime: Server binds a transport,
// dispatches inbound commands, and drains the DAQ ring on outbound events.
package xcp

import (
	"errors"
	"fmt"

	"github.com/xcplite/go-xcp/internal/wire"
)

// ErrorCode names the high-level error category a *Error carries, the
// xcp-level analogue of the teacher's UblkErrorCode.
type ErrorCode string

const (
	ErrCodeProtocol  ErrorCode = "protocol error"
	ErrCodeTransport ErrorCode = "transport error"
	ErrCodeConfig    ErrorCode = "invalid configuration"
	ErrCodeSegment   ErrorCode = "calibration segment error"
	ErrCodeDAQ       ErrorCode = "DAQ table error"
	ErrCodeShutdown  ErrorCode = "shutdown in progress"
)

// Error is a structured runtime error with enough context to log or report
// without string-matching: an operation name, an error category, and the
// wire error code when the failure originated in command dispatch.
type Error struct {
	Op      string
	Code    ErrorCode
	Wire    wire.ErrorCode
	HasWire bool
	Msg     string
	Inner   error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("xcp: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("xcp: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError builds a structured Error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WrapError attaches op/code context to inner, preserving it as Unwrap
// target for errors.Is/As.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// fromWireError builds an Error that reports the wire-level command
// rejection a dispatched command produced.
func fromWireError(op string, code wire.ErrorCode) *Error {
	return &Error{Op: op, Code: ErrCodeProtocol, Wire: code, HasWire: true, Msg: code.String()}
}

// IsCode reports whether err is (or wraps) an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
