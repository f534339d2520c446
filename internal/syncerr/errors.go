package syncerr

import (
	"errors"
	"fmt"
)

// Code classifies engine errors so callers can branch without string matching.
type Code string

const (
	CodeInvalidInput          Code = "INVALID_INPUT"
	CodeTransportDisconnected Code = "TRANSPORT_DISCONNECTED"
	CodeWriteFailed           Code = "WRITE_FAILED"
	CodeSubscriptionTimeout   Code = "SUBSCRIPTION_TIMEOUT"
	CodeUnrecognizedRecord    Code = "UNRECOGNIZED_RECORD"
)

// retryable codes may succeed on a later attempt; input and data-integrity
// errors never do.
var retryable = map[Code]bool{
	CodeTransportDisconnected: true,
	CodeWriteFailed:           true,
	CodeSubscriptionTimeout:   true,
}

// Error is a classified engine error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of err, or empty if err is not a classified error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is a classified error whose code allows retry.
func IsRetryable(err error) bool {
	return retryable[CodeOf(err)]
}
