// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error values shared by the reactor, the relays and the CLI.

package api

import "fmt"

// Common errors used across the library.
var (
	ErrClosed            = fmt.Errorf("component is closed")
	ErrNotOpen           = fmt.Errorf("component is not open")
	ErrAlreadyOpen       = fmt.Errorf("component is already open")
	ErrInvalidTransition = fmt.Errorf("invalid state transition")
	ErrInvalidArgument   = fmt.Errorf("invalid argument")
	ErrNotSupported      = fmt.Errorf("operation not supported")
	ErrReactorClosed     = fmt.Errorf("reactor is closed")
	ErrConnectTimeout    = fmt.Errorf("connect timeout")
	ErrNotFound          = fmt.Errorf("client not found")
)

// ErrorCode classifies failures reported by Error.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeInvalidTransition
	ErrCodeNotSupported
	ErrCodeInternal
)

// Error is a structured error carrying a code and context such as the
// component name or the offending option.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap returns the wrapped sentinel, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error wrapping err.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
		Err:     err,
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// InvalidOption reports a configuration value rejected by a Validate method.
func InvalidOption(name string, value any, reason string) error {
	return NewError(ErrCodeInvalidArgument, reason, ErrInvalidArgument).
		WithContext("option", name).
		WithContext("value", value)
}
